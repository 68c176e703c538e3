package evaluator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
)

func TestRunDriverUnbounded(t *testing.T) {
	// f = (d-1)^2 + (u-1)^2, so sigma does not depend on d
	s := newTestStat(t, statOpts{fn: problems.NewQuadratic(2), sampler: "collocation", initial: 4, x0: -2})

	runs, err := s.RunDriver(context.Background())
	require.NoError(t, err)
	assert.Greater(t, runs, 1)

	d := s.DesignVariableValues()["x_d"][0]
	assert.InDelta(t, 1.0, d, 1e-4)

	_, err = s.Value(OutputMuSigma)
	assert.NoError(t, err, "driver leaves the evaluator converged")
}

func TestRunDriverTrustRegion(t *testing.T) {
	s := newTestStat(t, statOpts{fn: problems.NewQuadratic(2), sampler: "collocation", initial: 4, x0: 0})

	s.SetTrustRegion(optimization.DesignPoint{"x_d": {0}}, 0.25)
	_, err := s.RunDriver(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.25, s.DesignVariableValues()["x_d"][0], 1e-3)

	// the region is consumed by one call
	_, err = s.RunDriver(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.DesignVariableValues()["x_d"][0], 1e-4)
}

func TestRunDriverBounds(t *testing.T) {
	fn := problems.NewQuadratic(2)
	s := newTestStat(t, statOpts{fn: fn, sampler: "collocation", initial: 3, x0: -1})
	s.vars = []optimization.DesignVariable{{Name: "x_d", Size: 1, Lower: []float64{-2}, Upper: []float64{0.5}}}

	_, err := s.RunDriver(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, s.DesignVariableValues()["x_d"][0], 1e-3)

	s.driver.Method = "bfgs"
	_, err = s.RunDriver(context.Background())
	assert.Error(t, err)

	s.driver.Method = "simplex"
	s.vars = designVars
	_, err = s.RunDriver(context.Background())
	assert.Error(t, err)
}

func TestRunDriverSurrogate(t *testing.T) {
	s := newTestStat(t, statOpts{fn: problems.NewQuadratic(2), sampler: "lhs", initial: 20, x0: 0.8,
		surrogate: &SurrogateConfig{Rho: 10, EvalPoints: 20}})

	_, err := s.RunDriver(context.Background())
	assert.Error(t, err, "unbounded surrogate search is rejected")

	s.SetTrustRegion(optimization.DesignPoint{"x_d": {0.8}}, 0.3)
	runs, err := s.RunDriver(context.Background())
	require.NoError(t, err)
	assert.Greater(t, runs, 0)
	assert.Equal(t, 20, s.Fidelity(), "driving does not add samples")
	d := s.DesignVariableValues()["x_d"][0]
	assert.GreaterOrEqual(t, d, 0.5)
	assert.LessOrEqual(t, d, 1.1)
}
