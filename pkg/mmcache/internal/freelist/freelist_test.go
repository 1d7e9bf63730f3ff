package freelist_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/mmcache/pkg/mmcache/internal/freelist"
)

func newList(t *testing.T, count, stride, width int) (*freelist.List, []byte) {
	t.Helper()

	region := make([]byte, count*stride)
	head := make([]byte, width)

	l, err := freelist.New(region, head, stride, width, uint32(count), 0)
	require.NoError(t, err)

	l.Init()

	return l, region
}

func Test_List_Alloc_Returns_Ascending_Indices_When_Freshly_Initialized(t *testing.T) {
	t.Parallel()

	l, _ := newList(t, 10, 16, 2)

	for want := uint32(0); want < 10; want++ {
		idx, payload, err := l.Alloc()
		require.NoError(t, err)
		assert.Equal(t, want, idx)
		assert.Len(t, payload, 14)
	}

	_, _, err := l.Alloc()
	require.ErrorIs(t, err, freelist.ErrNoSpace)
	assert.Equal(t, uint32(0), l.Free())
	assert.Equal(t, uint32(10), l.Allocated())
}

func Test_List_Alloc_Reuses_Last_Freed_Slot_When_Slots_Are_Freed(t *testing.T) {
	t.Parallel()

	l, _ := newList(t, 10, 16, 2)

	payloads := make([][]byte, 10)
	for i := range payloads {
		_, p, err := l.Alloc()
		require.NoError(t, err)

		payloads[i] = p
	}

	require.NoError(t, l.FreePayload(payloads[3]))
	require.NoError(t, l.FreePayload(payloads[7]))

	idx, _, err := l.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), idx)

	idx, _, err = l.Alloc()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), idx)

	_, _, err = l.Alloc()
	require.ErrorIs(t, err, freelist.ErrNoSpace)
}

func Test_List_Counters_Stay_Consistent_When_Alloc_And_Free_Interleave(t *testing.T) {
	t.Parallel()

	l, _ := newList(t, 64, 32, 4)

	var held []uint32

	for i := range 200 {
		if i%3 == 2 && len(held) > 0 {
			require.NoError(t, l.FreeSlot(held[0]))
			held = held[1:]
		} else {
			idx, _, err := l.Alloc()
			if err != nil {
				require.ErrorIs(t, err, freelist.ErrNoSpace)

				continue
			}

			held = append(held, idx)
		}

		assert.Equal(t, l.Len(), l.Free()+l.Allocated())
		assert.Equal(t, uint32(len(held)), l.Allocated())
	}

	require.NoError(t, l.Attach())
	assert.Equal(t, uint32(len(held)), l.Allocated())
}

func Test_List_FreePayload_Returns_ErrBadSlot_When_Pointer_Is_Not_On_Slot_Boundary(t *testing.T) {
	t.Parallel()

	l, region := newList(t, 4, 16, 2)

	_, p, err := l.Alloc()
	require.NoError(t, err)

	require.ErrorIs(t, l.FreePayload(p[1:]), freelist.ErrBadSlot)
	require.ErrorIs(t, l.FreePayload(make([]byte, 4)), freelist.ErrBadSlot)
	require.ErrorIs(t, l.FreePayload(region[len(region)-2:]), freelist.ErrBadSlot)
	require.NoError(t, l.FreePayload(p))
}

func Test_List_Attach_Returns_ErrBadSlot_When_Chain_Has_Cycle(t *testing.T) {
	t.Parallel()

	l, region := newList(t, 4, 8, 2)

	// slot 2 links back to slot 0
	region[2*8+6] = 0
	region[2*8+7] = 0

	require.ErrorIs(t, l.Attach(), freelist.ErrBadSlot)
}

func Test_List_Attach_Counts_Free_Slots_When_Reopened(t *testing.T) {
	t.Parallel()

	region := make([]byte, 16*8)
	head := make([]byte, 2)

	l, err := freelist.New(region, head, 8, 2, 16, 0)
	require.NoError(t, err)
	l.Init()

	for range 5 {
		_, _, err := l.Alloc()
		require.NoError(t, err)
	}

	again, err := freelist.New(region, head, 8, 2, 16, 0)
	require.NoError(t, err)
	require.NoError(t, again.Attach())
	assert.Equal(t, uint32(11), again.Free())
}

func Test_List_Extend_Hands_Out_Lowest_New_Slot_When_Grown(t *testing.T) {
	t.Parallel()

	region := make([]byte, 4*128)
	head := make([]byte, 4)

	l, err := freelist.New(region, head, 128, 4, 2, 0)
	require.NoError(t, err)
	l.Init()

	_, _, err = l.Alloc()
	require.NoError(t, err)

	require.NoError(t, l.Extend(region, 4))
	assert.Equal(t, uint32(3), l.Free())

	var got []uint32

	for range 3 {
		idx, _, err := l.Alloc()
		require.NoError(t, err)

		got = append(got, idx)
	}

	assert.Equal(t, []uint32{2, 3, 1}, got)
}

func Test_New_Returns_ErrGeometry_When_Parameters_Are_Inconsistent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		region int
		head   int
		stride int
		width  int
		count  uint32
	}{
		{name: "BadWidth", region: 64, head: 3, stride: 16, width: 3, count: 4},
		{name: "HeadSize", region: 64, head: 4, stride: 16, width: 2, count: 4},
		{name: "StrideTooSmall", region: 64, head: 2, stride: 2, width: 2, count: 4},
		{name: "RegionTooSmall", region: 63, head: 2, stride: 16, width: 2, count: 4},
		{name: "CountBeyondSentinel", region: 65536 * 4, head: 2, stride: 4, width: 2, count: 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := freelist.New(make([]byte, tt.region), make([]byte, tt.head), tt.stride, tt.width, tt.count, 0)
			require.ErrorIs(t, err, freelist.ErrGeometry)
		})
	}
}
