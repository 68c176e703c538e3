package problems

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestGradients(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
	}{
		{name: "quadratic", x: []float64{0.3, -0.7}},
		{name: "rosenbrock", x: []float64{-1.2, 1, 0.5}},
		{name: "robustquad", x: []float64{0.4, 1.3, 0.2, -0.1}},
		{name: "betatestex", x: []float64{1.5, 0.35}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			designDim := 1
			if tt.name == "robustquad" || tt.name == "rosenbrock" {
				designDim = 2
			}
			spec, err := Get(tt.name, designDim)
			require.NoError(t, err)
			require.Equal(t, len(tt.x), spec.Function.Dim())
			assert.Equal(t, spec.Function.Dim(), spec.DesignDim+spec.UncertainDim)

			got := spec.Function.Grad(tt.x)
			want := fd.Gradient(nil, spec.Function.Eval, tt.x, &fd.Settings{Formula: fd.Central})
			for i := range want {
				assert.InDelta(t, want[i], got[i], 1e-5*math.Max(1, math.Abs(want[i])), "component %d", i)
			}
		})
	}
}

func TestGetErrors(t *testing.T) {
	_, err := Get("nope", 1)
	assert.Error(t, err)

	_, err = Get("quadratic", 0)
	assert.Error(t, err)

	_, err = Get("betatestex", 2)
	assert.Error(t, err)

	assert.Equal(t, []string{"betatestex", "quadratic", "robustquad", "rosenbrock"}, Names())
}

func TestKnownValues(t *testing.T) {
	assert.Equal(t, 0.0, Rosenbrock{N: 3}.Eval([]float64{1, 1, 1}))
	assert.Equal(t, 0.0, NewQuadratic(2).Eval([]float64{1, 1}))
	assert.InDelta(t, 1.0, RobustQuadratic{N: 1}.Eval([]float64{0, 0}), 1e-15)
}
