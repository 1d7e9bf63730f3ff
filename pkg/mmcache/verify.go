package mmcache

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Report is the result of [Cache.Verify].
type Report struct {
	// Entries is the number of entries reachable through bucket chains.
	Entries uint64
	// LRULength is the number of entries reachable from the oldest anchor.
	LRULength uint64
	// ExtentsInUse and ExtentsFree partition the extent array when healthy.
	ExtentsInUse uint32
	ExtentsFree  uint32
	// Problems describes every inconsistency found, empty when healthy.
	Problems []string
}

// OK reports whether no problems were found.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

func (r *Report) addf(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// maxProblems keeps reports of badly damaged stores readable.
const maxProblems = 100

// Verify cross-checks the index, the LRU list, the page descriptors and the
// header counters under the shared store lock. It never modifies the store.
//
// A non-nil error means the check could not run; damage is described in the
// returned [Report].
func (c *Cache) Verify() (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isClosed {
		return Report{}, ErrClosed
	}

	release, err := c.lock.shared()
	defer release()

	if err != nil {
		return Report{}, err
	}

	x, p, err := c.view()
	if err != nil {
		return Report{}, err
	}

	v := verifier{
		x:       x,
		p:       p,
		extents: roaring.New(),
		chunks:  roaring64.New(),
		slots:   roaring64.New(),
		perPage: make(map[uint32]uint32),
	}

	v.chains()
	v.freeExtents()
	v.lru()
	v.pages()
	v.counters()

	if len(v.report.Problems) > maxProblems {
		n := len(v.report.Problems)
		v.report.Problems = append(v.report.Problems[:maxProblems], fmt.Sprintf("... %d more", n-maxProblems))
	}

	if !v.report.OK() {
		c.log.Warn("verify found problems", "path", c.path, "count", len(v.report.Problems))
	}

	return v.report, nil
}

type verifier struct {
	x *hashIndex
	p *pageAllocator

	extents *roaring.Bitmap   // extents on some bucket chain
	chunks  *roaring64.Bitmap // page<<16 | chunk referenced by an entry
	slots   *roaring64.Bitmap // slot ids holding a used entry
	perPage map[uint32]uint32 // referenced chunks per page

	squared     uint64
	bytesUsed   uint64
	bytesWasted uint64

	report Report
}

// chains walks every bucket chain including unused tails, so holes that
// break density are found too.
func (v *verifier) chains() {
	x := v.x

	for b := range uint32(1) << x.order {
		var (
			n       uint64
			sawHole bool
		)

		visit := func(id slotID) {
			e := x.locate(id)
			if !e.used() {
				sawHole = true

				return
			}

			if sawHole {
				v.report.addf("bucket %d: entry %d after an unused slot", b, id)
			}

			n++
			v.entry(b, id, e.get())
		}

		visit(slotID(b))

		ext := binary.NativeEndian.Uint32(x.bucketExtentPtr(b))
		for ext != noExtent {
			if ext >= x.count {
				v.report.addf("bucket %d: extent %d >= count %d", b, ext, x.count)

				break
			}

			if !v.extents.CheckedAdd(ext) {
				v.report.addf("bucket %d: extent %d linked twice", b, ext)

				break
			}

			for s := range extentSlots {
				visit(x.extentID(ext, s))
			}

			ext = binary.NativeEndian.Uint32(x.extentNextPtr(ext))
		}

		v.squared += n * n
		v.report.Entries += n
	}

	v.report.ExtentsInUse = uint32(v.extents.GetCardinality())
}

func (v *verifier) entry(b uint32, id slotID, e entry) {
	v.slots.Add(uint64(id))

	if v.x.bucketOf(e.hash) != b {
		v.report.addf("slot %d: hash %08x filed under bucket %d", id, e.hash, b)
	}

	buf, err := v.p.chunk(e.page, e.chunk)
	if err != nil {
		v.report.addf("slot %d: %v", id, err)

		return
	}

	if e.size() > len(buf) {
		v.report.addf("slot %d: %d bytes exceed chunk capacity %d", id, e.size(), len(buf))
	}

	if !v.chunks.CheckedAdd(uint64(e.page)<<16 | uint64(e.chunk)) {
		v.report.addf("slot %d: page %d chunk %d referenced twice", id, e.page, e.chunk)
	}

	v.perPage[e.page]++
	v.bytesUsed += uint64(e.size())
	v.bytesWasted += uint64(v.p.waste(e.page, e.size()))
}

func (v *verifier) freeExtents() {
	x := v.x
	free := roaring.New()

	for ext := x.free.Head(); ext != x.free.None(); ext = x.free.Next(ext) {
		if ext >= x.count {
			v.report.addf("extent free list: link to %d >= count %d", ext, x.count)

			return
		}

		if !free.CheckedAdd(ext) {
			v.report.addf("extent free list: cycle at %d", ext)

			return
		}

		if v.extents.Contains(ext) {
			v.report.addf("extent %d is both free and on a chain", ext)
		}
	}

	v.report.ExtentsFree = uint32(free.GetCardinality())

	if v.report.ExtentsFree+v.report.ExtentsInUse != x.count {
		v.report.addf("extents: %d free + %d in use != %d", v.report.ExtentsFree, v.report.ExtentsInUse, x.count)
	}
}

func (v *verifier) lru() {
	x := v.x
	seen := roaring64.New()
	prev := noSlot

	for id := x.hdr.oldest(); id != noSlot; {
		if !x.valid(id) {
			v.report.addf("lru: slot %d out of range", id)

			return
		}

		if !seen.CheckedAdd(uint64(id)) {
			v.report.addf("lru: cycle at slot %d", id)

			return
		}

		e := x.locate(id)
		if !e.used() {
			v.report.addf("lru: unused slot %d on list", id)

			return
		}

		if e.older() != prev {
			v.report.addf("lru: slot %d older link %d, want %d", id, e.older(), prev)
		}

		prev, id = id, e.newer()
	}

	if x.hdr.newest() != prev {
		v.report.addf("lru: newest anchor %d, list ends at %d", x.hdr.newest(), prev)
	}

	v.report.LRULength = seen.GetCardinality()

	if missing := roaring64.AndNot(v.slots, seen); !missing.IsEmpty() {
		v.report.addf("lru: %d indexed entries not on list", missing.GetCardinality())
	}
}

func (v *verifier) pages() {
	p := v.p

	for page := range p.count {
		d := p.descriptor(page)
		refs := v.perPage[page]

		if d.unused() {
			if refs != 0 {
				v.report.addf("page %d: unused but referenced %d times", page, refs)
			}

			continue
		}

		t := d.typ()
		if t >= pageTypes {
			v.report.addf("page %d: invalid type %d", page, t)

			continue
		}

		total := chunksPerPage(t)
		if d.freeChunks() > total {
			v.report.addf("page %d: %d free of %d chunks", page, d.freeChunks(), total)

			continue
		}

		if used := total - d.freeChunks(); used != refs {
			v.report.addf("page %d: %d chunks in use, %d referenced", page, used, refs)
		}

		if t > maxListType {
			if n := uint32(bits.OnesCount16(d.bitmap())); n != total-d.freeChunks() {
				v.report.addf("page %d: bitmap has %d bits, %d chunks in use", page, n, total-d.freeChunks())
			}

			continue
		}

		v.pageList(page, t)
	}
}

func (v *verifier) pageList(page uint32, t uint8) {
	l, err := v.p.list(page)
	if err != nil {
		v.report.addf("page %d: %v", page, err)

		return
	}

	free := roaring.New()

	for chunk := l.Head(); chunk != l.None(); chunk = l.Next(chunk) {
		if chunk >= chunksPerPage(t) {
			v.report.addf("page %d: free list link %d out of range", page, chunk)

			return
		}

		if !free.CheckedAdd(chunk) {
			v.report.addf("page %d: free list cycle at %d", page, chunk)

			return
		}

		if v.chunks.Contains(uint64(page)<<16 | uint64(chunk)) {
			v.report.addf("page %d: chunk %d is free and referenced", page, chunk)
		}
	}

	if n := uint32(free.GetCardinality()); n != v.p.descriptor(page).freeChunks() {
		v.report.addf("page %d: free list has %d chunks, descriptor says %d", page, n, v.p.descriptor(page).freeChunks())
	}
}

func (v *verifier) counters() {
	hdr := v.x.hdr

	if got := hdr.entriesUsed(); got != v.report.Entries {
		v.report.addf("header: entries_used %d, counted %d", got, v.report.Entries)
	}

	if got := hdr.entriesSquared(); got != v.squared {
		v.report.addf("header: entries_squared %d, counted %d", got, v.squared)
	}

	if got := hdr.bytesUsed(); got != v.bytesUsed {
		v.report.addf("header: bytes_used %d, counted %d", got, v.bytesUsed)
	}

	if got := hdr.bytesWasted(); got != v.bytesWasted {
		v.report.addf("header: bytes_wasted %d, counted %d", got, v.bytesWasted)
	}
}
