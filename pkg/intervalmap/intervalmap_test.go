package intervalmap_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoio/dwarfscope/pkg/intervalmap"
)

func TestSetSplitsOverlappingRanges(t *testing.T) {
	var m intervalmap.Map[string]
	m.Set(10, 20, "a")
	m.Set(15, 30, "b")
	m.Set(12, 13, "c")

	for p, want := range map[uint64]string{10: "a", 11: "a", 12: "c", 13: "a", 14: "a", 15: "b", 29: "b"} {
		got, ok := m.Get(p)
		require.True(t, ok, "point %d", p)
		assert.Equal(t, want, got, "point %d", p)
	}
	_, ok := m.Get(30)
	assert.False(t, ok)
	_, ok = m.Get(9)
	assert.False(t, ok)

	assert.Equal(t, []intervalmap.Range{{10, 12}, {12, 13}, {13, 15}, {15, 30}}, m.Ranges())
}

func TestUnboundedAndRightBound(t *testing.T) {
	var m intervalmap.Map[int]
	m.Set(100, intervalmap.Unbounded, 1)
	m.Set(0, 10, 2)
	m.Set(50, 60, 3)

	v, ok := m.Get(1 << 40)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	next, ok := m.RightBound(5)
	require.True(t, ok)
	assert.Equal(t, uint64(50), next)

	next, ok = m.RightBound(20)
	require.True(t, ok)
	assert.Equal(t, uint64(50), next)

	_, ok = m.RightBound(200)
	assert.False(t, ok)

	r, v, ok := m.Floor(70)
	require.True(t, ok)
	assert.Equal(t, intervalmap.Range{50, 60}, r)
	assert.Equal(t, 3, v)

	_, _, ok = m.Floor(0)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	var m intervalmap.Map[int]
	m.Set(0, 100, 7)
	m.Delete(40, 60)
	assert.Equal(t, []intervalmap.Range{{0, 40}, {60, 100}}, m.Ranges())
	_, ok := m.Get(50)
	assert.False(t, ok)
}

func TestWhole(t *testing.T) {
	assert.True(t, intervalmap.Whole.Contains(0))
	assert.True(t, intervalmap.Whole.Contains(intervalmap.Unbounded-1))
	assert.False(t, intervalmap.Whole.Empty())
}

// Every point must report the value of the latest assignment covering it,
// and stored ranges must stay sorted and disjoint.
func TestRandomAssignmentsMatchModel(t *testing.T) {
	const domain = 200
	rng := rand.New(rand.NewSource(1))

	for round := 0; round < 50; round++ {
		var m intervalmap.Map[int]
		var model [domain]int

		for op := 1; op <= 40; op++ {
			a := uint64(rng.Intn(domain))
			b := uint64(rng.Intn(domain))
			if a > b {
				a, b = b, a
			}
			m.Set(a, b, op)
			for p := a; p < b; p++ {
				model[p] = op
			}

			ranges := m.Ranges()
			for i := 1; i < len(ranges); i++ {
				require.LessOrEqual(t, ranges[i-1].End, ranges[i].Start, "overlap after op %d", op)
			}
		}

		for p := uint64(0); p < domain; p++ {
			got, ok := m.Get(p)
			if model[p] == 0 {
				assert.False(t, ok, "point %d", p)
				continue
			}
			require.True(t, ok, "point %d", p)
			assert.Equal(t, model[p], got, "point %d", p)
		}
	}
}
