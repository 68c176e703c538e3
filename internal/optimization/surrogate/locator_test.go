package surrogate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKDTreeLocatorMatchesExhaustive(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	xs, fs, gs := randomSamples(rng, 40, 3)

	exhaustive, err := New(xs[:10], fs[:10], gs[:10], 2)
	require.NoError(t, err)
	indexed, err := New(xs[:10], fs[:10], gs[:10], 2, WithLocator(NewKDTreeLocator()))
	require.NoError(t, err)

	// grow both incrementally
	require.NoError(t, exhaustive.AddPoints(xs[10:], fs[10:], gs[10:]))
	require.NoError(t, indexed.AddPoints(xs[10:], fs[10:], gs[10:]))

	for trial := 0; trial < 50; trial++ {
		x := []float64{2*rng.Float64() - 1, 2*rng.Float64() - 1, 2*rng.Float64() - 1}

		i1, d1, err := exhaustive.Nearest(x)
		require.NoError(t, err)
		i2, d2, err := indexed.Nearest(x)
		require.NoError(t, err)
		assert.Equal(t, i1, i2)
		assert.Equal(t, d1, d2)

		v1, err := exhaustive.Eval(x)
		require.NoError(t, err)
		v2, err := indexed.Eval(x)
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
	}
}

func TestNearestTiesResolveToLowestIndex(t *testing.T) {
	store := NewSampleStore(1)
	// samples 1 and 3 are equidistant from 0.5; sample 2 duplicates sample 1
	require.NoError(t, store.Add(
		[][]float64{{5}, {0}, {0}, {1}},
		[]float64{0, 0, 0, 0},
		[][]float64{{0}, {0}, {0}, {0}},
	))

	tree := NewKDTreeLocator()
	tree.Insert(store, 0)

	for _, loc := range []Locator{ExhaustiveLocator{}, tree} {
		i, _ := loc.Nearest(store, []float64{0.5}, DefaultDelta)
		assert.Equal(t, 1, i, "%T", loc)

		i, _ = loc.Nearest(store, []float64{0}, DefaultDelta)
		assert.Equal(t, 1, i, "%T", loc)
	}
}

func TestNearestEmptyStore(t *testing.T) {
	store := NewSampleStore(2)
	tree := NewKDTreeLocator()
	tree.Insert(store, 0)

	i, _ := ExhaustiveLocator{}.Nearest(store, []float64{0, 0}, DefaultDelta)
	assert.Equal(t, -1, i)
	i, _ = tree.Nearest(store, []float64{0, 0}, DefaultDelta)
	assert.Equal(t, -1, i)
}
