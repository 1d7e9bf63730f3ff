package mmcache

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/calvinalkan/mmcache/pkg/mmcache/internal/freelist"
)

// errNothingToEvict is returned by an evict callback when the LRU list is
// empty.
var errNothingToEvict = errors.New("nothing to evict")

// pageAllocator hands out chunks of the data file. Each page in use is typed
// to one chunk size; types 0..11 keep an intrusive free list inside the page
// (head in the descriptor), types 12..16 keep an occupancy bitmap in the
// descriptor.
type pageAllocator struct {
	descs []byte
	data  []byte
	count uint32

	// hints, when set, is checked before scanning the descriptors. It is
	// process-local and only a guess; every hit is re-checked.
	hints *[pageTypes]uint32
}

func newPageAllocator(meta, data []byte, pages uint32) *pageAllocator {
	off := int(newLayout(pages, 0, 0).descriptorsOff())

	return &pageAllocator{
		descs: meta[off : off+int(pages)*descriptorSize],
		data:  data,
		count: pages,
	}
}

func (p *pageAllocator) descriptor(page uint32) descriptor {
	off := int(page) * descriptorSize

	return descriptor(p.descs[off : off+descriptorSize])
}

func (p *pageAllocator) page(page uint32) []byte {
	off := int(page) * PageSize

	return p.data[off : off+PageSize]
}

// list overlays the in-page free list of a list-managed page.
func (p *pageAllocator) list(page uint32) (*freelist.List, error) {
	d := p.descriptor(page)
	t := d.typ()

	l, err := freelist.New(p.page(page), d.head(), chunkSize(t), linkBytes, chunksPerPage(t), d.freeChunks())
	if err != nil {
		return nil, fmt.Errorf("page %d: %w: %w", page, ErrProtocolMismatch, err)
	}

	return l, nil
}

// alloc returns a chunk able to hold need bytes. When no page can serve the
// request it calls evict and retries; evict returns errNothingToEvict once
// the LRU list is empty.
func (p *pageAllocator) alloc(need int, evict func() error) (uint32, uint32, error) {
	t, ok := typeFor(need)
	if !ok {
		return 0, 0, fmt.Errorf("%d bytes exceed largest chunk %d: %w", need, MaxEntrySize, ErrTooLarge)
	}

	for {
		page, chunk, ok, err := p.tryAlloc(t)
		if err != nil {
			return 0, 0, err
		}

		if ok {
			return page, chunk, nil
		}

		if err := evict(); err != nil {
			if errors.Is(err, errNothingToEvict) {
				return 0, 0, fmt.Errorf("no page for %d-byte chunk: %w", chunkSize(t), ErrOutOfSpace)
			}

			return 0, 0, err
		}
	}
}

func (p *pageAllocator) tryAlloc(t uint8) (uint32, uint32, bool, error) {
	const none = ^uint32(0)

	if p.hints != nil {
		if page := p.hints[t]; page < p.count && p.serves(page, t) {
			chunk, err := p.take(page)

			return page, chunk, err == nil, err
		}
	}

	unused := none

	for page := range p.count {
		d := p.descriptor(page)

		if d.unused() {
			if unused == none {
				unused = page
			}

			continue
		}

		if p.serves(page, t) {
			p.remember(page, t)

			chunk, err := p.take(page)

			return page, chunk, err == nil, err
		}
	}

	if unused == none {
		return 0, 0, false, nil
	}

	if err := p.format(unused, t); err != nil {
		return 0, 0, false, err
	}

	p.remember(unused, t)

	chunk, err := p.take(unused)

	return unused, chunk, err == nil, err
}

// serves reports whether page is typed t and has a free chunk.
func (p *pageAllocator) serves(page uint32, t uint8) bool {
	d := p.descriptor(page)

	return !d.unused() && d.typ() == t && d.freeChunks() > 0
}

func (p *pageAllocator) remember(page uint32, t uint8) {
	if p.hints != nil {
		p.hints[t] = page
	}
}

// format types an unused page.
func (p *pageAllocator) format(page uint32, t uint8) error {
	d := p.descriptor(page)
	d.reset()
	d[0] = t
	d.setFreeChunks(chunksPerPage(t))

	if t > maxListType {
		d.setBitmap(0)

		return nil
	}

	l, err := p.list(page)
	if err != nil {
		return err
	}

	l.Init()

	return nil
}

// take allocates one chunk from a typed page with free chunks.
func (p *pageAllocator) take(page uint32) (uint32, error) {
	d := p.descriptor(page)
	t := d.typ()

	if t > maxListType {
		bm := d.bitmap()
		n := chunksPerPage(t)

		chunk := uint32(bits.TrailingZeros16(^bm))
		if chunk >= n {
			return 0, fmt.Errorf("page %d bitmap full with %d free: %w", page, d.freeChunks(), ErrProtocolMismatch)
		}

		d.setBitmap(bm | 1<<chunk)
		d.setFreeChunks(d.freeChunks() - 1)

		return chunk, nil
	}

	l, err := p.list(page)
	if err != nil {
		return 0, err
	}

	chunk, _, err := l.Alloc()
	if err != nil {
		return 0, fmt.Errorf("page %d free list: %w: %w", page, ErrProtocolMismatch, err)
	}

	d.setFreeChunks(l.Free())

	return chunk, nil
}

// free returns a chunk to its page. A page whose chunks are all free becomes
// unused and may be retyped.
func (p *pageAllocator) free(page, chunk uint32) error {
	if page >= p.count {
		return fmt.Errorf("page %d >= count %d: %w", page, p.count, ErrProtocolMismatch)
	}

	d := p.descriptor(page)
	if d.unused() || d.typ() >= pageTypes {
		return fmt.Errorf("free chunk %d on untyped page %d: %w", chunk, page, ErrProtocolMismatch)
	}

	t := d.typ()
	if chunk >= chunksPerPage(t) {
		return fmt.Errorf("chunk %d >= %d on page %d: %w", chunk, chunksPerPage(t), page, ErrProtocolMismatch)
	}

	if t > maxListType {
		bm := d.bitmap()
		if bm&(1<<chunk) == 0 {
			return fmt.Errorf("double free of chunk %d on page %d: %w", chunk, page, ErrProtocolMismatch)
		}

		d.setBitmap(bm &^ (1 << chunk))
		d.setFreeChunks(d.freeChunks() + 1)
	} else {
		l, err := p.list(page)
		if err != nil {
			return err
		}

		if err := l.FreeSlot(chunk); err != nil {
			return fmt.Errorf("page %d: %w: %w", page, ErrProtocolMismatch, err)
		}

		d.setFreeChunks(l.Free())
	}

	if d.freeChunks() == chunksPerPage(t) {
		d.reset()
	}

	return nil
}

// chunk returns the payload area of a chunk, capacity bytes long.
func (p *pageAllocator) chunk(page, chunk uint32) ([]byte, error) {
	if page >= p.count {
		return nil, fmt.Errorf("page %d >= count %d: %w", page, p.count, ErrProtocolMismatch)
	}

	d := p.descriptor(page)
	if d.unused() || d.typ() >= pageTypes {
		return nil, fmt.Errorf("chunk %d on untyped page %d: %w", chunk, page, ErrProtocolMismatch)
	}

	t := d.typ()
	if chunk >= chunksPerPage(t) {
		return nil, fmt.Errorf("chunk %d >= %d on page %d: %w", chunk, chunksPerPage(t), page, ErrProtocolMismatch)
	}

	off := int(chunk) * chunkSize(t)
	buf := p.page(page)[off : off+chunkSize(t)]

	return buf[:chunkCapacity(t):chunkCapacity(t)], nil
}

// write stores key||value in a chunk and zeroes its extension bytes.
func (p *pageAllocator) write(page, chunk uint32, key, value []byte) error {
	buf, err := p.chunk(page, chunk)
	if err != nil {
		return err
	}

	n := copy(buf, key)
	copy(buf[n:], value)

	if t := p.descriptor(page).typ(); t >= minExtType {
		off := int(chunk)*chunkSize(t) + chunkCapacity(t)
		clear(p.page(page)[off : off+extBytes])
	}

	return nil
}

// waste is the number of chunk bytes not covered by an entry of size n.
func (p *pageAllocator) waste(page uint32, n int) int64 {
	return int64(chunkSize(p.descriptor(page).typ()) - n)
}

// used returns the number of typed pages.
func (p *pageAllocator) used() uint32 {
	var n uint32

	for page := range p.count {
		if !p.descriptor(page).unused() {
			n++
		}
	}

	return n
}
