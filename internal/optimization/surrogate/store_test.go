package surrogate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

func TestSampleStore(t *testing.T) {
	s := NewSampleStore(2)
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Locations())
	assert.Nil(t, s.Gradients())
	assert.Nil(t, s.Values())

	require.NoError(t, s.Add(
		[][]float64{{1, 2}, {3, 4}},
		[]float64{5, 6},
		[][]float64{{7, 8}, {9, 10}},
	))
	require.Equal(t, 2, s.Len())
	assert.Equal(t, []float64{3, 4}, s.Location(1))
	assert.Equal(t, []float64{9, 10}, s.Gradient(1))
	assert.Equal(t, 6.0, s.Value(1))

	X := s.Locations()
	r, c := X.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 3.0, X.At(1, 0))

	// exported matrices are copies
	X.Set(0, 0, 100)
	assert.Equal(t, 1.0, s.Location(0)[0])

	assert.Equal(t, 8.0, s.Gradients().At(0, 1))
	assert.Equal(t, 5.0, s.Values().AtVec(0))
}

func TestSampleStoreViewsDoNotGrowIntoNeighbours(t *testing.T) {
	s := NewSampleStore(1)
	require.NoError(t, s.Add([][]float64{{1}, {2}}, []float64{0, 0}, [][]float64{{0}, {0}}))

	v := s.Location(0)
	v = append(v, 42)
	assert.Equal(t, 2.0, s.Location(1)[0], "append on a view must reallocate")
	assert.Len(t, v, 2)
}

func TestSampleStoreRejectsMismatch(t *testing.T) {
	s := NewSampleStore(2)
	err := s.Add([][]float64{{1, 2}}, []float64{1}, [][]float64{{1, 2, 3}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, optimization.ErrDimensionMismatch))
	assert.Equal(t, 0, s.Len())
}
