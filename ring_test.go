package reach

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingLatestTracksInsertions(t *testing.T) {
	ring := NewRing[int](3)

	_, ok := ring.GetLatest()
	require.False(t, ok, "empty ring has no latest value")

	for i := 1; i <= 10; i++ {
		ring.Insert(i)
		latest, ok := ring.GetLatest()
		require.True(t, ok)
		require.Equal(t, i, latest)
	}
}

func TestRingLookback(t *testing.T) {
	const capacity = 5
	ring := NewRing[int](capacity)

	for i := 1; i <= 7; i++ {
		ring.Insert(i)
	}

	latest, ok := ring.GetPrevious(0)
	require.True(t, ok)
	require.Equal(t, 7, latest)

	oldest, ok := ring.GetPrevious(4)
	require.True(t, ok)
	require.Equal(t, 3, oldest)

	_, ok = ring.GetPrevious(5)
	require.False(t, ok, "capacity bounds the lookback window")
	_, ok = ring.GetPrevious(100)
	require.False(t, ok)
}

func TestRingPartialFill(t *testing.T) {
	ring := NewRing[string](4)
	ring.Insert("a")
	ring.Insert("b")

	prev, ok := ring.GetPrevious(1)
	require.True(t, ok)
	require.Equal(t, "a", prev)

	_, ok = ring.GetPrevious(2)
	require.False(t, ok, "never-filled slots are absent")
}

func TestRingWraparoundEvictsOldest(t *testing.T) {
	const capacity = 3
	ring := NewRing[int](capacity)

	for i := 0; i <= capacity; i++ {
		ring.Insert(i)
	}

	// value 0 has been overwritten, no lookback distance reaches it.
	for i := 0; i < capacity; i++ {
		v, ok := ring.GetPrevious(i)
		require.True(t, ok)
		require.NotEqual(t, 0, v)
	}
}
