package mmcache

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMeta builds an initialized meta image in memory.
func newTestMeta(t *testing.T, pages uint32, order uint8, extents uint32) []byte {
	t.Helper()

	l := newLayout(pages, order, extents)

	r, err := newMetaImage(l, 0)
	require.NoError(t, err)

	meta, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Len(t, meta, int(l.metaSize()))
	require.NoError(t, validateHeader(header(meta[:headerSize])))

	return meta
}

func newTestIndex(t *testing.T, order uint8, extents uint32) *hashIndex {
	t.Helper()

	x, err := newHashIndex(newTestMeta(t, 1, order, extents))
	require.NoError(t, err)

	return x
}

// collidingEntry returns an entry whose hash lands in bucket b; i makes the
// hash unique.
func collidingEntry(b uint32, i int) entry {
	return entry{hash: b | uint32(i+1)<<16, page: 0, chunk: uint32(i), keyLen: 1, valueLen: 1, expiry: noExpiry}
}

func lruHashes(x *hashIndex) []uint32 {
	var out []uint32

	x.walk(func(_ slotID, e entry) bool {
		out = append(out, e.hash)

		return true
	})

	return out
}

func sumSquares(x *hashIndex) uint64 {
	var sum uint64

	for b := range uint32(1) << x.order {
		n := uint64(x.chainLen(b))
		sum += n * n
	}

	return sum
}

func Test_HashIndex_Insert_Chains_Extents_When_Bucket_Collides(t *testing.T) {
	t.Parallel()

	x := newTestIndex(t, minHashTableSize, 8)

	var want []uint32

	for i := range 6 {
		e := collidingEntry(5, i)
		_, err := x.insert(e)
		require.NoError(t, err)

		want = append(want, e.hash)
	}

	require.NoError(t, x.free.Attach())

	assert.Equal(t, int64(6), x.chainLen(5))
	assert.Equal(t, uint32(6), x.free.Free(), "primary + 4 slots + 1 slot needs two extents")
	assert.Equal(t, uint64(6), x.hdr.entriesUsed())
	assert.Equal(t, uint64(36), x.hdr.entriesSquared())
	assert.Equal(t, want, lruHashes(x))

	for i := range 6 {
		e := collidingEntry(5, i)

		_, got, ok := x.lookup(e.hash, func(entry) bool { return true })
		require.True(t, ok, "entry %d", i)
		assert.Equal(t, e, got)
	}
}

func Test_HashIndex_Remove_Keeps_Chain_Dense_And_Frees_Empty_Extent(t *testing.T) {
	t.Parallel()

	x := newTestIndex(t, minHashTableSize, 8)

	for i := range 6 {
		_, err := x.insert(collidingEntry(9, i))
		require.NoError(t, err)
	}

	id, _, ok := x.lookup(collidingEntry(9, 1).hash, func(entry) bool { return true })
	require.True(t, ok)
	require.NoError(t, x.remove(id))

	require.NoError(t, x.free.Attach())
	assert.Equal(t, uint32(7), x.free.Free(), "tail extent returned")
	assert.Equal(t, int64(5), x.chainLen(9))
	assert.Equal(t, uint64(25), x.hdr.entriesSquared())
	assert.Equal(t, sumSquares(x), x.hdr.entriesSquared())

	// the tail entry moved into the hole; LRU order is unaffected by moves
	want := []uint32{
		collidingEntry(9, 0).hash,
		collidingEntry(9, 2).hash,
		collidingEntry(9, 3).hash,
		collidingEntry(9, 4).hash,
		collidingEntry(9, 5).hash,
	}
	assert.Equal(t, want, lruHashes(x))

	moved, _, ok := x.lookup(collidingEntry(9, 5).hash, func(entry) bool { return true })
	require.True(t, ok)
	assert.Equal(t, id, moved)

	// drain the bucket in arbitrary order
	for _, i := range []int{3, 0, 5, 2, 4} {
		id, _, ok := x.lookup(collidingEntry(9, i).hash, func(entry) bool { return true })
		require.True(t, ok, "entry %d", i)
		require.NoError(t, x.remove(id))
		assert.Equal(t, sumSquares(x), x.hdr.entriesSquared())
	}

	require.NoError(t, x.free.Attach())
	assert.Equal(t, uint32(8), x.free.Free())
	assert.Zero(t, x.hdr.entriesUsed())
	assert.Equal(t, noSlot, x.hdr.oldest())
	assert.Equal(t, noSlot, x.hdr.newest())
	assert.Empty(t, lruHashes(x))
}

func Test_HashIndex_Insert_Returns_ErrExtentsFull_When_No_Extent_Is_Free(t *testing.T) {
	t.Parallel()

	x := newTestIndex(t, minHashTableSize, 1)

	for i := range 5 {
		_, err := x.insert(collidingEntry(1, i))
		require.NoError(t, err)
	}

	_, err := x.insert(collidingEntry(1, 5))
	require.ErrorIs(t, err, errExtentsFull)

	// other buckets still take their primary slot
	_, err = x.insert(collidingEntry(2, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), x.hdr.entriesUsed())
}

func Test_HashIndex_Touch_Moves_Entry_To_Newest(t *testing.T) {
	t.Parallel()

	x := newTestIndex(t, minHashTableSize, 4)

	ids := make([]slotID, 4)

	for i := range ids {
		id, err := x.insert(collidingEntry(uint32(i%2), i))
		require.NoError(t, err)

		ids[i] = id
	}

	x.touch(ids[0])
	x.touch(ids[2])
	x.touch(ids[2])

	want := []uint32{
		collidingEntry(1, 1).hash,
		collidingEntry(1, 3).hash,
		collidingEntry(0, 0).hash,
		collidingEntry(0, 2).hash,
	}
	assert.Equal(t, want, lruHashes(x))

	id, e, ok := x.oldest()
	require.True(t, ok)
	assert.Equal(t, ids[1], id)
	assert.Equal(t, collidingEntry(1, 1), e)
}

func Test_HashIndex_Lookup_Skips_Entries_Rejected_By_Match(t *testing.T) {
	t.Parallel()

	x := newTestIndex(t, minHashTableSize, 4)

	// same hash, different chunks: a full 32-bit collision
	a := entry{hash: 0x1234_0007, chunk: 1, keyLen: 3, valueLen: 1, expiry: noExpiry}
	b := entry{hash: 0x1234_0007, chunk: 2, keyLen: 3, valueLen: 1, expiry: noExpiry}

	_, err := x.insert(a)
	require.NoError(t, err)
	_, err = x.insert(b)
	require.NoError(t, err)

	_, got, ok := x.lookup(a.hash, func(e entry) bool { return e.chunk == 2 })
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, _, ok = x.lookup(a.hash, func(entry) bool { return false })
	assert.False(t, ok)
}
