package surrogate

import (
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// SampleStore is an append-only collection of (location, value, gradient)
// samples of a fixed dimension. Rows are stored contiguously.
type SampleStore struct {
	dim int
	x   []float64
	f   []float64
	g   []float64
}

// NewSampleStore creates an empty store for samples of dimension dim
func NewSampleStore(dim int) *SampleStore {
	return &SampleStore{dim: dim}
}

// Add validates and appends a batch. Either the whole batch is stored or,
// on error, nothing is.
func (s *SampleStore) Add(locations [][]float64, values []float64, gradients [][]float64) error {
	const op = "SampleStore.Add"

	n := len(locations)
	if len(values) != n {
		return optimization.DimensionMismatch("sample_store", op, len(values), n)
	}
	if len(gradients) != n {
		return optimization.DimensionMismatch("sample_store", op, len(gradients), n)
	}
	for i := 0; i < n; i++ {
		if len(locations[i]) != s.dim {
			return optimization.DimensionMismatch("sample_store", op, len(locations[i]), s.dim)
		}
		if len(gradients[i]) != s.dim {
			return optimization.DimensionMismatch("sample_store", op, len(gradients[i]), s.dim)
		}
	}

	for i := 0; i < n; i++ {
		s.x = append(s.x, locations[i]...)
		s.g = append(s.g, gradients[i]...)
	}
	s.f = append(s.f, values...)
	return nil
}

// Len returns the number of stored samples
func (s *SampleStore) Len() int {
	return len(s.f)
}

// Dim returns the sample dimension
func (s *SampleStore) Dim() int {
	return s.dim
}

// Location returns a view of the i-th location. Callers must not modify it.
func (s *SampleStore) Location(i int) []float64 {
	return s.x[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
}

// Gradient returns a view of the i-th gradient. Callers must not modify it.
func (s *SampleStore) Gradient(i int) []float64 {
	return s.g[i*s.dim : (i+1)*s.dim : (i+1)*s.dim]
}

// Value returns the i-th function value
func (s *SampleStore) Value(i int) float64 {
	return s.f[i]
}

// Locations returns a copy of the locations as a (n, dim) matrix,
// or nil if the store is empty.
func (s *SampleStore) Locations() *mat.Dense {
	if s.Len() == 0 {
		return nil
	}
	return mat.NewDense(s.Len(), s.dim, append([]float64(nil), s.x...))
}

// Gradients returns a copy of the gradients as a (n, dim) matrix,
// or nil if the store is empty.
func (s *SampleStore) Gradients() *mat.Dense {
	if s.Len() == 0 {
		return nil
	}
	return mat.NewDense(s.Len(), s.dim, append([]float64(nil), s.g...))
}

// Values returns a copy of the function values
func (s *SampleStore) Values() *mat.VecDense {
	if s.Len() == 0 {
		return nil
	}
	return mat.NewVecDense(s.Len(), append([]float64(nil), s.f...))
}
