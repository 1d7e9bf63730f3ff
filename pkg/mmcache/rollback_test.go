package mmcache

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunksInUse counts allocated chunks across all typed pages.
func chunksInUse(p *pageAllocator) uint64 {
	var n uint64

	for page := range p.count {
		d := p.descriptor(page)
		if !d.unused() {
			n += uint64(chunksPerPage(d.typ()) - d.freeChunks())
		}
	}

	return n
}

func openSmallIndex(t *testing.T, extents int) *Cache {
	t.Helper()

	c, err := Open(Options{
		Path:           filepath.Join(t.TempDir(), "store"),
		PageCount:      1,
		HashTableSize:  minHashTableSize,
		InitialExtents: extents,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })

	return c
}

// putUntilError returns the first failing put and how many succeeded before.
func putUntilError(t *testing.T, c *Cache) (int, error) {
	t.Helper()

	for i := range 5000 {
		if err := c.Put(fmt.Appendf(nil, "key-%d", i), []byte("v")); err != nil {
			return i, err
		}
	}

	t.Fatal("every put succeeded")

	return 0, nil
}

func Test_Cache_Put_Returns_Chunk_When_Extent_Allocation_Fails(t *testing.T) {
	t.Parallel()

	c := openSmallIndex(t, 8)

	hdr := header(c.meta)
	binary.NativeEndian.PutUint32(hdr.extentsHead(), hdr.extentsCount()+5)

	n, err := putUntilError(t, c)
	require.ErrorIs(t, err, ErrProtocolMismatch)

	_, p, err := c.view()
	require.NoError(t, err)

	assert.Equal(t, uint64(n), header(c.meta).entriesUsed())
	assert.Equal(t, uint64(n), chunksInUse(p), "failed put leaked its chunk")
}

func Test_Cache_Put_Returns_Chunk_Before_Growing_Extents(t *testing.T) {
	t.Parallel()

	c := openSmallIndex(t, 1)

	// growth fails at ftruncate
	fd := c.metaFd
	c.metaFd = -1

	t.Cleanup(func() { c.metaFd = fd })

	n, err := putUntilError(t, c)
	require.ErrorIs(t, err, ErrSystemIO)

	c.metaFd = fd

	_, p, err := c.view()
	require.NoError(t, err)

	assert.Equal(t, uint64(n), header(c.meta).entriesUsed())
	assert.Equal(t, uint64(n), chunksInUse(p), "failed put leaked its chunk")

	rep, err := c.Verify()
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%v", rep.Problems)
}
