package mmcache

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/mmcache/pkg/mmcache/internal/freelist"
)

// slotID addresses one hash entry in the combined index space: ids below
// 2^order are bucket primaries, the rest are extent slots. Only hashIndex
// translates ids to memory.
type slotID uint64

// errExtentsFull is returned by insert when no extent is free. The engine
// grows the extent array or evicts and retries.
var errExtentsFull = errors.New("extents exhausted")

// hashIndex is a view over the bucket and extent arrays of a mapped meta
// file. Buckets hold one entry and a pointer to a chain of extents of four
// entries each. Chains are kept dense: a bucket with n entries uses the primary
// slot and then the first n-1 extent slots in chain order, so every chain ends
// at its first unused slot.
//
// The index also threads all live entries on a doubly linked LRU list anchored
// at the header's oldest/newest fields.
type hashIndex struct {
	hdr     header
	order   uint8
	buckets []byte
	extents []byte
	count   uint32
	free    *freelist.List
}

// newHashIndex builds a view over meta, which must be mapped at least up to
// the extent count recorded in its header.
func newHashIndex(meta []byte) (*hashIndex, error) {
	hdr := header(meta[:headerSize])
	l := newLayout(hdr.pageCount(), hdr.hashTableSize(), hdr.extentsCount())

	if int64(len(meta)) < l.metaSize() {
		return nil, fmt.Errorf("meta mapped %d bytes, layout needs %d: %w", len(meta), l.metaSize(), ErrProtocolMismatch)
	}

	extents := meta[l.extentsOff():l.metaSize()]

	free, err := freelist.New(extents, hdr.extentsHead(), extentSize, 4, l.extents, 0)
	if err != nil {
		return nil, fmt.Errorf("extent free list: %w: %w", ErrProtocolMismatch, err)
	}

	return &hashIndex{
		hdr:     hdr,
		order:   l.order,
		buckets: meta[l.bucketsOff():l.extentsOff()],
		extents: extents,
		count:   l.extents,
		free:    free,
	}, nil
}

func (x *hashIndex) mask() uint32 { return 1<<x.order - 1 }

func (x *hashIndex) bucketOf(hash uint32) uint32 { return hash & x.mask() }

func (x *hashIndex) extentID(ext uint32, slot int) slotID {
	return slotID(1)<<x.order + slotID(ext)*extentSlots + slotID(slot)
}

// locate translates a slot id to its entry bytes.
func (x *hashIndex) locate(id slotID) entryBuf {
	if id < slotID(1)<<x.order {
		off := int(id) * bucketSize

		return entryBuf(x.buckets[off : off+entrySize])
	}

	rel := id - slotID(1)<<x.order
	off := int(rel>>2)*extentSize + int(rel&3)*entrySize

	return entryBuf(x.extents[off : off+entrySize])
}

func (x *hashIndex) bucketExtentPtr(b uint32) []byte {
	off := int(b)*bucketSize + bucketExtent

	return x.buckets[off : off+4]
}

func (x *hashIndex) extentNextPtr(ext uint32) []byte {
	off := int(ext)*extentSize + extentNext

	return x.extents[off : off+4]
}

func (x *hashIndex) extentChain(b uint32) func(yield func(uint32) bool) {
	return func(yield func(uint32) bool) {
		ext := binary.NativeEndian.Uint32(x.bucketExtentPtr(b))

		// a damaged chain must not loop forever
		for steps := uint32(0); ext != noExtent && ext < x.count && steps <= x.count; steps++ {
			if !yield(ext) {
				return
			}

			ext = binary.NativeEndian.Uint32(x.extentNextPtr(ext))
		}
	}
}

// slots visits the used slots of bucket b in chain order.
func (x *hashIndex) slots(b uint32, fn func(id slotID, e entryBuf) bool) {
	primary := slotID(b)
	if e := x.locate(primary); !e.used() || !fn(primary, e) {
		return
	}

	for ext := range x.extentChain(b) {
		for s := range extentSlots {
			id := x.extentID(ext, s)

			e := x.locate(id)
			if !e.used() || !fn(id, e) {
				return
			}
		}
	}
}

// lookup offers every entry with a matching hash to match, in chain order,
// and returns the first one it accepts.
func (x *hashIndex) lookup(hash uint32, match func(entry) bool) (slotID, entry, bool) {
	var (
		found slotID
		hit   entry
		ok    bool
	)

	x.slots(x.bucketOf(hash), func(id slotID, e entryBuf) bool {
		if e.hash() != hash {
			return true
		}

		v := e.get()
		if match(v) {
			found, hit, ok = id, v, true

			return false
		}

		return true
	})

	return found, hit, ok
}

// chainLen returns the number of entries in bucket b.
func (x *hashIndex) chainLen(b uint32) int64 {
	var n int64

	x.slots(b, func(slotID, entryBuf) bool {
		n++

		return true
	})

	return n
}

// insert appends e to its bucket chain and to the newest end of the LRU list.
//
// Returns errExtentsFull when the chain needs a new extent and none is free.
func (x *hashIndex) insert(e entry) (slotID, error) {
	b := x.bucketOf(e.hash)

	var (
		n    int64
		last = uint32(noExtent)
		id   = noSlot
	)

	if primary := x.locate(slotID(b)); !primary.used() {
		id = slotID(b)
	} else {
		n = 1

	chain:
		for ext := range x.extentChain(b) {
			last = ext

			for s := range extentSlots {
				cand := x.extentID(ext, s)
				if !x.locate(cand).used() {
					id = cand

					break chain
				}

				n++
			}
		}
	}

	if id == noSlot {
		ext, _, err := x.free.Alloc()
		if err != nil {
			if errors.Is(err, freelist.ErrNoSpace) {
				return noSlot, errExtentsFull
			}

			return noSlot, fmt.Errorf("allocate extent: %w: %w", ErrProtocolMismatch, err)
		}

		x.resetExtent(ext)

		if last == noExtent {
			binary.NativeEndian.PutUint32(x.bucketExtentPtr(b), ext)
		} else {
			binary.NativeEndian.PutUint32(x.extentNextPtr(last), ext)
		}

		id = x.extentID(ext, 0)
	}

	x.locate(id).set(e)
	x.pushNewest(id)
	x.hdr.addEntries(1, 2*n+1)

	return id, nil
}

// resetExtent clears a freshly allocated extent. Its free-list link is left to
// the allocator.
func (x *hashIndex) resetExtent(ext uint32) {
	off := int(ext) * extentSize
	fill(x.extents[off:off+extentNext], 0xFF)
	binary.NativeEndian.PutUint32(x.extents[off+extentNext:], noExtent)
	fill(x.extents[off+extentNext+4:off+extentLink], 0)
}

// remove deletes the entry at id. The last entry of the bucket chain moves
// into the hole so the chain stays dense, and an extent left empty is
// returned to the free list.
func (x *hashIndex) remove(id slotID) error {
	e := x.locate(id)
	if !e.used() {
		return fmt.Errorf("remove unused slot %d: %w", id, ErrProtocolMismatch)
	}

	b := x.bucketOf(e.hash())

	// find the chain tail: last used slot, its extent and the extent before it
	var (
		n        int64
		tail     = noSlot
		tailExt  = uint32(noExtent)
		prevExt  = uint32(noExtent)
		tailSlot int
	)

	if x.locate(slotID(b)).used() {
		n, tail = 1, slotID(b)
	}

	before := uint32(noExtent)

chain:
	for ext := range x.extentChain(b) {
		for s := range extentSlots {
			cand := x.extentID(ext, s)
			if !x.locate(cand).used() {
				break chain
			}

			n++
			tail, tailExt, tailSlot, prevExt = cand, ext, s, before
		}

		before = ext
	}

	if tail == noSlot {
		return fmt.Errorf("slot %d not on chain of bucket %d: %w", id, b, ErrProtocolMismatch)
	}

	x.unlink(id)

	if tail != id {
		t := x.locate(tail)
		copy(e[:entrySize], t[:entrySize])
		x.relink(tail, id)
	}

	x.locate(tail).clear()

	if tailExt != noExtent && tailSlot == 0 {
		if prevExt == noExtent {
			binary.NativeEndian.PutUint32(x.bucketExtentPtr(b), noExtent)
		} else {
			binary.NativeEndian.PutUint32(x.extentNextPtr(prevExt), noExtent)
		}

		if err := x.free.FreeSlot(tailExt); err != nil {
			return fmt.Errorf("free extent %d: %w: %w", tailExt, ErrProtocolMismatch, err)
		}
	}

	x.hdr.addEntries(-1, -(2*n - 1))

	return nil
}

// relink points the LRU neighbours and anchors of the entry now stored at to
// (previously at from) at its new slot.
func (x *hashIndex) relink(from, to slotID) {
	e := x.locate(to)

	if older := e.older(); older != noSlot {
		x.locate(older).setNewer(to)
	} else if x.hdr.oldest() == from {
		x.hdr.setOldest(to)
	}

	if newer := e.newer(); newer != noSlot {
		x.locate(newer).setOlder(to)
	} else if x.hdr.newest() == from {
		x.hdr.setNewest(to)
	}
}

// unlink detaches id from the LRU list.
func (x *hashIndex) unlink(id slotID) {
	e := x.locate(id)
	older, newer := e.older(), e.newer()

	if older != noSlot {
		x.locate(older).setNewer(newer)
	} else {
		x.hdr.setOldest(newer)
	}

	if newer != noSlot {
		x.locate(newer).setOlder(older)
	} else {
		x.hdr.setNewest(older)
	}

	e.setOlder(noSlot)
	e.setNewer(noSlot)
}

// pushNewest appends a detached id at the newest end of the LRU list.
func (x *hashIndex) pushNewest(id slotID) {
	e := x.locate(id)
	newest := x.hdr.newest()

	e.setOlder(newest)
	e.setNewer(noSlot)

	if newest != noSlot {
		x.locate(newest).setNewer(id)
	} else {
		x.hdr.setOldest(id)
	}

	x.hdr.setNewest(id)
}

// touch moves id to the newest end of the LRU list.
func (x *hashIndex) touch(id slotID) {
	if x.hdr.newest() == id {
		return
	}

	x.unlink(id)
	x.pushNewest(id)
}

// oldest returns the least recently used entry.
func (x *hashIndex) oldest() (slotID, entry, bool) {
	id := x.hdr.oldest()
	if id == noSlot {
		return noSlot, entry{}, false
	}

	return id, x.locate(id).get(), true
}

// walk visits live entries from oldest to newest. It stops early if fn
// returns false or after entries_used steps, which bounds damaged lists.
func (x *hashIndex) walk(fn func(id slotID, e entry) bool) {
	limit := x.hdr.entriesUsed()

	for id, n := x.hdr.oldest(), uint64(0); id != noSlot && n < limit; n++ {
		e := x.locate(id)
		if !fn(id, e.get()) {
			return
		}

		id = e.newer()
	}
}

// valid reports whether id addresses an existing slot.
func (x *hashIndex) valid(id slotID) bool {
	return id < slotID(1)<<x.order+slotID(x.count)*extentSlots
}
