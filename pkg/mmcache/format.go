package mmcache

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Store geometry.
const (
	// PageSize is the size of one data page.
	PageSize = 1 << 20

	// MaxKeySize is the largest accepted key.
	MaxKeySize = 1024

	// MaxEntrySize is the largest key+value: one type-16 chunk minus the
	// reserved extension bytes.
	MaxEntrySize = PageSize - extBytes

	// MaxPageCount is the largest page count representable in the header.
	MaxPageCount = 1<<24 - 1

	minHashTableSize = 10
	maxHashTableSize = 28

	defaultExtents = 1024
	maxExtents     = 1 << 24
)

// On-disk structure sizes.
const (
	formatVersion = 1

	headerSize     = 256
	descriptorSize = 8
	entrySize      = 26
	bucketSize     = 32
	extentSize     = 128
	extentSlots    = 4

	extBytes  = 5 // reserved for chained payloads, always zero
	linkBytes = 2 // in-chunk free-list link

	pageTypes      = 17
	maxListType    = 11 // types 0..11 use an in-page free list, 12..16 a bitmap
	minExtType     = 3  // types >= 3 carry extension bytes
	pageTypeUnused = 0xFF
)

var magic = [4]byte{0xB5, 0xB5, 0x63, 0x68}

// Header field offsets.
const (
	offMagic         = 0x00
	offEndian        = 0x04
	offVersion       = 0x05
	offPageCount     = 0x08
	offBytesUsed     = 0x10
	offBytesWasted   = 0x18
	offTimeOrigin    = 0x20
	offHashTableSize = 0x24
	offExtentsCount  = 0x28
	offExtentsHead   = 0x2C
	offOldest        = 0x30
	offNewest        = 0x38
	offEntriesUsed   = 0x40
	offEntriesSq     = 0x48
	offReserved      = 0x50
)

// reservedRanges lists header bytes that must be zero.
var reservedRanges = [][2]int{
	{0x06, 0x08},
	{0x0B, 0x10},
	{0x25, 0x28},
	{0x35, 0x38},
	{0x3D, 0x40},
	{offReserved, headerSize},
}

// Entry field offsets.
const (
	entHash   = 0
	entPage   = 4
	entChunk  = 7
	entPacked = 9
	entOlder  = 16
	entNewer  = 21

	bucketExtent = 28

	extentNext = extentSlots * entrySize // 104
	extentLink = extentSize - 4          // 124
)

// Packed word layout (56 bits at entPacked).
const (
	keyLenBits   = 10
	valueLenBits = 20
	expiryBits   = 26

	valueLenShift = keyLenBits
	expiryShift   = keyLenBits + valueLenBits

	maxValueLen = 1<<valueLenBits - 1
	noExpiry    = 1<<expiryBits - 1
)

const (
	noHash   = 0xFFFFFFFF
	noExtent = 0xFFFFFFFF
	noSlot   = slotID(1<<40 - 1)
)

var nativeLittle = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

func nativeEndianMarker() byte {
	if nativeLittle {
		return 0x00
	}

	return 0xFF
}

// getUint reads an unsigned integer of len(b) bytes (at most 8) in native
// byte order.
func getUint(b []byte) uint64 {
	var v uint64

	if nativeLittle {
		for i := len(b) - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}

		return v
	}

	for _, x := range b {
		v = v<<8 | uint64(x)
	}

	return v
}

// putUint writes the low len(b) bytes of v in native byte order.
func putUint(b []byte, v uint64) {
	if nativeLittle {
		for i := range b {
			b[i] = byte(v)
			v >>= 8
		}

		return
	}

	for i := len(b) - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// header is a view of the first headerSize bytes of the meta file.
type header []byte

func (h header) pageCount() uint32      { return uint32(getUint(h[offPageCount : offPageCount+3])) }
func (h header) hashTableSize() uint8   { return h[offHashTableSize] }
func (h header) timeOrigin() uint32     { return binary.NativeEndian.Uint32(h[offTimeOrigin:]) }
func (h header) extentsCount() uint32   { return binary.NativeEndian.Uint32(h[offExtentsCount:]) }
func (h header) extentsHead() []byte    { return h[offExtentsHead : offExtentsHead+4] }
func (h header) bytesUsed() uint64      { return binary.NativeEndian.Uint64(h[offBytesUsed:]) }
func (h header) bytesWasted() uint64    { return binary.NativeEndian.Uint64(h[offBytesWasted:]) }
func (h header) entriesUsed() uint64    { return binary.NativeEndian.Uint64(h[offEntriesUsed:]) }
func (h header) entriesSquared() uint64 { return binary.NativeEndian.Uint64(h[offEntriesSq:]) }
func (h header) oldest() slotID         { return slotID(getUint(h[offOldest : offOldest+5])) }
func (h header) newest() slotID         { return slotID(getUint(h[offNewest : offNewest+5])) }

func (h header) setExtentsCount(n uint32) { binary.NativeEndian.PutUint32(h[offExtentsCount:], n) }
func (h header) setOldest(id slotID)      { putUint(h[offOldest:offOldest+5], uint64(id)) }
func (h header) setNewest(id slotID)      { putUint(h[offNewest:offNewest+5], uint64(id)) }

// addBytes adjusts bytes_used and bytes_wasted by signed deltas.
func (h header) addBytes(used, wasted int64) {
	binary.NativeEndian.PutUint64(h[offBytesUsed:], uint64(int64(h.bytesUsed())+used))
	binary.NativeEndian.PutUint64(h[offBytesWasted:], uint64(int64(h.bytesWasted())+wasted))
}

// addEntries adjusts entries_used and entries_squared by signed deltas.
func (h header) addEntries(used, squared int64) {
	binary.NativeEndian.PutUint64(h[offEntriesUsed:], uint64(int64(h.entriesUsed())+used))
	binary.NativeEndian.PutUint64(h[offEntriesSq:], uint64(int64(h.entriesSquared())+squared))
}

// initHeader writes a fresh header for a store of the given geometry.
func initHeader(h header, pages uint32, order uint8, extents uint32, origin uint32) {
	fill(h[:headerSize], 0)
	copy(h[offMagic:], magic[:])
	h[offEndian] = nativeEndianMarker()
	h[offVersion] = formatVersion
	putUint(h[offPageCount:offPageCount+3], uint64(pages))
	binary.NativeEndian.PutUint32(h[offTimeOrigin:], origin)
	h[offHashTableSize] = order
	binary.NativeEndian.PutUint32(h[offExtentsCount:], extents)
	binary.NativeEndian.PutUint32(h[offExtentsHead:], noExtent)
	h.setOldest(noSlot)
	h.setNewest(noSlot)
}

// validateHeader checks the fields that do not depend on file sizes.
//
// Possible errors: [ErrProtocolMismatch], [ErrUnsupported].
func validateHeader(h header) error {
	if len(h) < headerSize {
		return fmt.Errorf("header is %d bytes, want %d: %w", len(h), headerSize, ErrProtocolMismatch)
	}

	if [4]byte(h[offMagic:offMagic+4]) != magic {
		return fmt.Errorf("invalid magic % x: %w", h[offMagic:offMagic+4], ErrProtocolMismatch)
	}

	if h[offEndian] != nativeEndianMarker() {
		return fmt.Errorf("byte order marker 0x%02x, host 0x%02x: %w", h[offEndian], nativeEndianMarker(), ErrProtocolMismatch)
	}

	if h[offVersion] != formatVersion {
		return fmt.Errorf("format version %d, want %d: %w", h[offVersion], formatVersion, ErrUnsupported)
	}

	for _, r := range reservedRanges {
		for _, b := range h[r[0]:r[1]] {
			if b != 0 {
				return fmt.Errorf("reserved header bytes 0x%02x..0x%02x not zero: %w", r[0], r[1], ErrProtocolMismatch)
			}
		}
	}

	if n := h.pageCount(); n == 0 {
		return fmt.Errorf("page count is zero: %w", ErrProtocolMismatch)
	}

	if s := h.hashTableSize(); s < minHashTableSize || s > maxHashTableSize {
		return fmt.Errorf("hash table size %d outside %d..%d: %w", s, minHashTableSize, maxHashTableSize, ErrProtocolMismatch)
	}

	if n := h.extentsCount(); n == 0 || n > maxExtents {
		return fmt.Errorf("extents count %d outside 1..%d: %w", n, maxExtents, ErrProtocolMismatch)
	}

	l := newLayout(h.pageCount(), h.hashTableSize(), h.extentsCount())

	if head := binary.NativeEndian.Uint32(h.extentsHead()); head != noExtent && head >= h.extentsCount() {
		return fmt.Errorf("extent free head %d >= count %d: %w", head, h.extentsCount(), ErrProtocolMismatch)
	}

	oldest, newest := h.oldest(), h.newest()
	if (oldest == noSlot) != (newest == noSlot) {
		return fmt.Errorf("lru anchors %d/%d half empty: %w", oldest, newest, ErrProtocolMismatch)
	}

	if oldest != noSlot && (oldest >= l.slotSpace() || newest >= l.slotSpace()) {
		return fmt.Errorf("lru anchors %d/%d outside slot space %d: %w", oldest, newest, l.slotSpace(), ErrProtocolMismatch)
	}

	if used := h.entriesUsed(); used > uint64(l.slotSpace()) {
		return fmt.Errorf("entries used %d exceeds slot space %d: %w", used, l.slotSpace(), ErrProtocolMismatch)
	}

	return nil
}

// layout computes region offsets of the meta file.
type layout struct {
	pages   uint32
	order   uint8
	extents uint32
}

func newLayout(pages uint32, order uint8, extents uint32) layout {
	return layout{pages: pages, order: order, extents: extents}
}

func (l layout) buckets() uint64       { return 1 << l.order }
func (l layout) descriptorsOff() int64 { return headerSize }
func (l layout) bucketsOff() int64     { return headerSize + int64(l.pages)*descriptorSize }
func (l layout) extentsOff() int64     { return l.bucketsOff() + int64(l.buckets())*bucketSize }
func (l layout) metaSize() int64       { return l.extentsOff() + int64(l.extents)*extentSize }
func (l layout) dataSize() int64       { return int64(l.pages) * PageSize }

// slotSpace is one past the largest slot id.
func (l layout) slotSpace() slotID {
	return slotID(l.buckets()) + slotID(l.extents)*extentSlots
}

// defaultHashTableSize sizes the bucket array at about 512 buckets per page.
func defaultHashTableSize(pages int) int {
	order := minHashTableSize
	for order < 24 && (1<<order) < pages*512 {
		order++
	}

	return order
}

// entry holds the payload fields of a hash entry.
type entry struct {
	hash     uint32
	page     uint32
	chunk    uint32
	keyLen   int
	valueLen int
	expiry   uint32
}

func (e entry) size() int { return e.keyLen + e.valueLen }

// entryBuf is a view of one 26-byte hash entry.
type entryBuf []byte

func (b entryBuf) hash() uint32  { return binary.NativeEndian.Uint32(b[entHash:]) }
func (b entryBuf) used() bool    { return b.hash() != noHash }
func (b entryBuf) older() slotID { return slotID(getUint(b[entOlder : entOlder+5])) }
func (b entryBuf) newer() slotID { return slotID(getUint(b[entNewer : entNewer+5])) }

func (b entryBuf) setOlder(id slotID) { putUint(b[entOlder:entOlder+5], uint64(id)) }
func (b entryBuf) setNewer(id slotID) { putUint(b[entNewer:entNewer+5], uint64(id)) }

func (b entryBuf) get() entry {
	packed := getUint(b[entPacked : entPacked+7])

	return entry{
		hash:     b.hash(),
		page:     uint32(getUint(b[entPage : entPage+3])),
		chunk:    uint32(getUint(b[entChunk : entChunk+2])),
		keyLen:   int(packed&(1<<keyLenBits-1)) + 1,
		valueLen: int(packed >> valueLenShift & maxValueLen),
		expiry:   uint32(packed >> expiryShift & noExpiry),
	}
}

// set writes the payload fields of e, leaving the LRU links untouched.
func (b entryBuf) set(e entry) {
	binary.NativeEndian.PutUint32(b[entHash:], e.hash)
	putUint(b[entPage:entPage+3], uint64(e.page))
	putUint(b[entChunk:entChunk+2], uint64(e.chunk))

	packed := uint64(e.keyLen-1) | uint64(e.valueLen)<<valueLenShift | uint64(e.expiry)<<expiryShift
	putUint(b[entPacked:entPacked+7], packed)
}

// clear marks the entry unused.
func (b entryBuf) clear() { fill(b[:entrySize], 0xFF) }

// descriptor is a view of one 8-byte page descriptor.
type descriptor []byte

func (d descriptor) typ() uint8             { return d[0] }
func (d descriptor) unused() bool           { return d[0] == pageTypeUnused }
func (d descriptor) freeChunks() uint32     { return uint32(binary.NativeEndian.Uint16(d[1:])) }
func (d descriptor) head() []byte           { return d[4:6] }
func (d descriptor) bitmap() uint16         { return binary.NativeEndian.Uint16(d[4:]) }
func (d descriptor) setBitmap(v uint16)     { binary.NativeEndian.PutUint16(d[4:], v) }
func (d descriptor) setFreeChunks(n uint32) { binary.NativeEndian.PutUint16(d[1:], uint16(n)) }

// reset marks the page unused.
func (d descriptor) reset() {
	fill(d[:descriptorSize], 0)
	d[0] = pageTypeUnused
}

// Page type geometry. Type t holds 65536>>t chunks of 16<<t bytes; a type-16
// page is one 1 MiB chunk. The free_chunks field is 16 bits wide, so a type-0
// page gives up its last chunk and index 65535 serves as the list sentinel.

func chunkSize(t uint8) int { return 16 << t }

func chunksPerPage(t uint8) uint32 {
	if t == 0 {
		return 1<<16 - 1
	}

	return 1 << (16 - uint32(t))
}

// chunkCapacity is the key+value capacity of one chunk of type t.
func chunkCapacity(t uint8) int {
	c := chunkSize(t)
	if t <= maxListType {
		c -= linkBytes
	}

	if t >= minExtType {
		c -= extBytes
	}

	return c
}

// typeFor returns the smallest page type whose chunks hold need bytes.
func typeFor(need int) (uint8, bool) {
	for t := uint8(0); t < pageTypes; t++ {
		if chunkCapacity(t) >= need {
			return t, true
		}
	}

	return 0, false
}

// pageSizeOS is the system page size, used for aligning msync ranges.
var pageSizeOS = unix.Getpagesize()

// msyncRange flushes data[offset:offset+length], widened to whole OS pages.
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 || offset < 0 || offset >= len(data) {
		return nil
	}

	end := min(offset+length, len(data))
	start := offset / pageSizeOS * pageSizeOS
	end = min((end+pageSizeOS-1)/pageSizeOS*pageSizeOS, len(data))

	if err := unix.Msync(data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w: %w", ErrSystemIO, err)
	}

	return nil
}
