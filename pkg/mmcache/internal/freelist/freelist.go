// Package freelist implements an intrusive singly linked free list over a
// fixed-stride region of memory.
//
// The list stores no side tables: the last Width bytes of every free slot hold
// the index of the next free slot, and a separate head field (usually a field
// of some on-disk descriptor) holds the first free index. All-ones in a link or
// in the head means "none". Links are stored in native byte order because the
// regions live in memory-mapped files that are tagged with their byte order.
//
// A List is a view: it owns neither the region nor the head bytes, so it can be
// rebuilt cheaply on every operation from mapped memory.
package freelist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrNoSpace is returned by [List.Alloc] when no slot is free.
	ErrNoSpace = errors.New("freelist: no free slot")

	// ErrBadSlot is returned when a slot reference does not address a slot of
	// the list, or when a chain walk finds an out-of-range link or a cycle.
	ErrBadSlot = errors.New("freelist: bad slot")

	// ErrGeometry is returned by [New] for inconsistent region parameters.
	ErrGeometry = errors.New("freelist: invalid geometry")
)

// List is a free list view over Count slots of Stride bytes.
type List struct {
	region []byte
	head   []byte
	stride int
	width  int
	count  uint32
	free   uint32
	none   uint32
}

// New overlays a list on region.
//
// head must be exactly width bytes. width is 2 or 4; stride must be larger than
// width. count slots must fit in region and count must not exceed the sentinel
// value for width (a 2-byte list can address at most 65535 slots).
//
// free is the caller's persisted count of free slots. Pass 0 and call
// [List.Attach] when the count is not persisted.
func New(region, head []byte, stride, width int, count, free uint32) (*List, error) {
	if width != 2 && width != 4 {
		return nil, fmt.Errorf("width %d: %w", width, ErrGeometry)
	}

	if len(head) != width {
		return nil, fmt.Errorf("head is %d bytes, want %d: %w", len(head), width, ErrGeometry)
	}

	if stride <= width {
		return nil, fmt.Errorf("stride %d <= width %d: %w", stride, width, ErrGeometry)
	}

	none := uint32(0xFFFF)
	if width == 4 {
		none = 0xFFFFFFFF
	}

	if count > none {
		return nil, fmt.Errorf("count %d exceeds addressable %d: %w", count, none, ErrGeometry)
	}

	if uint64(count)*uint64(stride) > uint64(len(region)) {
		return nil, fmt.Errorf("%d slots of %d bytes exceed region of %d: %w", count, stride, len(region), ErrGeometry)
	}

	if free > count {
		return nil, fmt.Errorf("free %d > count %d: %w", free, count, ErrGeometry)
	}

	return &List{
		region: region,
		head:   head,
		stride: stride,
		width:  width,
		count:  count,
		free:   free,
		none:   none,
	}, nil
}

// None is the sentinel index value for this list's width.
func (l *List) None() uint32 { return l.none }

// Len returns the number of slots managed by the list.
func (l *List) Len() uint32 { return l.count }

// Free returns the number of free slots.
func (l *List) Free() uint32 { return l.free }

// Allocated returns Len() - Free().
func (l *List) Allocated() uint32 { return l.count - l.free }

// Init chains every slot in ascending order: slot k links to k+1, the last
// slot links to none and the head points at slot 0. Only link bytes are
// written.
func (l *List) Init() {
	if l.count == 0 {
		l.put(l.head, l.none)
		l.free = 0

		return
	}

	for i := uint32(0); i < l.count-1; i++ {
		l.setLink(i, i+1)
	}

	l.setLink(l.count-1, l.none)
	l.put(l.head, 0)
	l.free = l.count
}

// Attach walks the chain from head and recounts free slots.
//
// Returns [ErrBadSlot] for out-of-range links or a cycle.
func (l *List) Attach() error {
	var n uint32

	for idx := l.get(l.head); idx != l.none; idx = l.link(idx) {
		if idx >= l.count {
			return fmt.Errorf("link to %d, count %d: %w", idx, l.count, ErrBadSlot)
		}

		n++
		if n > l.count {
			return fmt.Errorf("cycle after %d slots: %w", l.count, ErrBadSlot)
		}
	}

	l.free = n

	return nil
}

// Alloc pops the head slot and returns its index and payload (the slot minus
// its link bytes). The popped slot's link is reset to none.
func (l *List) Alloc() (uint32, []byte, error) {
	idx := l.get(l.head)
	if idx == l.none {
		return 0, nil, ErrNoSpace
	}

	if idx >= l.count {
		return 0, nil, fmt.Errorf("head %d, count %d: %w", idx, l.count, ErrBadSlot)
	}

	l.put(l.head, l.link(idx))
	l.setLink(idx, l.none)

	if l.free > 0 {
		l.free--
	}

	return idx, l.Payload(idx), nil
}

// FreeSlot pushes slot idx back onto the list (LIFO).
func (l *List) FreeSlot(idx uint32) error {
	if idx >= l.count {
		return fmt.Errorf("slot %d, count %d: %w", idx, l.count, ErrBadSlot)
	}

	l.setLink(idx, l.get(l.head))
	l.put(l.head, idx)

	if l.free < l.count {
		l.free++
	}

	return nil
}

// FreePayload frees the slot whose payload starts at p[0].
//
// Returns [ErrBadSlot] if p does not start on a slot boundary of the region.
func (l *List) FreePayload(p []byte) error {
	idx, err := l.IndexOf(p)
	if err != nil {
		return err
	}

	return l.FreeSlot(idx)
}

// IndexOf translates a payload slice back to its slot index.
func (l *List) IndexOf(p []byte) (uint32, error) {
	if len(p) == 0 || len(l.region) == 0 {
		return 0, fmt.Errorf("empty slice: %w", ErrBadSlot)
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(l.region)))
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))

	if addr < base {
		return 0, fmt.Errorf("slice before region: %w", ErrBadSlot)
	}

	off := addr - base
	if off%uintptr(l.stride) != 0 {
		return 0, fmt.Errorf("offset %d not on a %d-byte boundary: %w", off, l.stride, ErrBadSlot)
	}

	idx := off / uintptr(l.stride)
	if idx >= uintptr(l.count) {
		return 0, fmt.Errorf("offset %d outside region: %w", off, ErrBadSlot)
	}

	return uint32(idx), nil
}

// Extend moves the list onto region, which must hold count slots and start
// with the current slots, and pushes slots [Len(), count) so the lowest new
// index is allocated first.
func (l *List) Extend(region []byte, count uint32) error {
	if count < l.count || count > l.none {
		return fmt.Errorf("extend %d -> %d: %w", l.count, count, ErrGeometry)
	}

	if uint64(count)*uint64(l.stride) > uint64(len(region)) {
		return fmt.Errorf("%d slots of %d bytes exceed region of %d: %w", count, l.stride, len(region), ErrGeometry)
	}

	old := l.count
	l.region = region
	l.count = count

	if old == count {
		return nil
	}

	for i := old; i < count-1; i++ {
		l.setLink(i, i+1)
	}

	l.setLink(count-1, l.get(l.head))
	l.put(l.head, old)
	l.free += count - old

	return nil
}

// Payload returns slot idx without its link bytes.
func (l *List) Payload(idx uint32) []byte {
	off := int(idx) * l.stride

	return l.region[off : off+l.stride-l.width : off+l.stride-l.width]
}

// Next returns the link stored in slot idx. Only meaningful for free slots.
func (l *List) Next(idx uint32) uint32 { return l.link(idx) }

// Head returns the first free index, or [List.None].
func (l *List) Head() uint32 { return l.get(l.head) }

func (l *List) link(idx uint32) uint32 {
	off := int(idx)*l.stride + l.stride - l.width

	return l.get(l.region[off : off+l.width])
}

func (l *List) setLink(idx, next uint32) {
	off := int(idx)*l.stride + l.stride - l.width
	l.put(l.region[off:off+l.width], next)
}

func (l *List) get(b []byte) uint32 {
	if l.width == 2 {
		return uint32(binary.NativeEndian.Uint16(b))
	}

	return binary.NativeEndian.Uint32(b)
}

func (l *List) put(b []byte, v uint32) {
	if l.width == 2 {
		binary.NativeEndian.PutUint16(b, uint16(v))

		return
	}

	binary.NativeEndian.PutUint32(b, v)
}
