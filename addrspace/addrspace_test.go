package addrspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndContains(t *testing.T) {
	s := NewSet()
	require.False(t, s.Contains(5))

	s.Add(5)
	require.True(t, s.Contains(5))
	require.False(t, s.Contains(4))
	require.False(t, s.Contains(6))
}

func TestAddManyMergesAdjacentRuns(t *testing.T) {
	s := NewSet()
	s.AddMany([]uint64{0, 1, 2, 3, 4})

	for i := uint64(0); i <= 4; i++ {
		require.True(t, s.Contains(i), "address %d should be in the set", i)
	}
	require.Equal(t, 5, s.Len())

	tail, ok := s.Tail()
	require.True(t, ok)
	require.Equal(t, uint64(4), tail)

	min, ok := s.Min()
	require.True(t, ok)
	require.Equal(t, uint64(0), min)
}

func TestAddOutOfOrderStillMerges(t *testing.T) {
	s := NewSet()
	s.Add(10)
	s.Add(2)
	s.Add(6)
	s.Add(3)
	s.Add(11)

	require.Equal(t, 5, s.Len())
	tail, ok := s.Tail()
	require.True(t, ok)
	require.Equal(t, uint64(11), tail)
}

func TestRangeIsInclusiveAndSparse(t *testing.T) {
	s := NewSet()
	s.AddMany([]uint64{0, 2, 4, 6, 8})

	got := s.Range(0, 8)
	require.Equal(t, []uint64{0, 2, 4, 6, 8}, got)

	got = s.Range(3, 5)
	require.Equal(t, []uint64{4}, got)

	got = s.Range(9, 20)
	require.Empty(t, got)
}

func TestTrimPrefixDropsAddressesAtOrBelow(t *testing.T) {
	s := NewSet()
	s.AddMany([]uint64{0, 1, 2, 3, 4, 5})

	s.TrimPrefix(2)

	require.False(t, s.Contains(0))
	require.False(t, s.Contains(2))
	require.True(t, s.Contains(3))
	require.True(t, s.Contains(5))
	require.Equal(t, 3, s.Len())
}

func TestTrimPrefixToEmptyClearsTail(t *testing.T) {
	s := NewSet()
	s.AddMany([]uint64{0, 1, 2})

	s.TrimPrefix(5)

	require.Equal(t, 0, s.Len())
	_, ok := s.Tail()
	require.False(t, ok, "a fully-trimmed set must not report a stale tail")
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	s := NewSet()
	s.AddMany([]uint64{0, 1, 2, 10, 11, 20})

	b := s.Marshal()
	require.NotEmpty(t, b)

	restored := Unmarshal(b)
	require.Equal(t, s.Len(), restored.Len())
	for _, addr := range []uint64{0, 1, 2, 10, 11, 20} {
		require.True(t, restored.Contains(addr))
	}
	require.False(t, restored.Contains(3))

	tail, ok := restored.Tail()
	require.True(t, ok)
	require.Equal(t, uint64(20), tail)
}

func TestUnmarshalEmptyProducesEmptySet(t *testing.T) {
	s := Unmarshal(nil)
	require.Equal(t, 0, s.Len())
	_, ok := s.Tail()
	require.False(t, ok)
}
