package runner

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
)

func smallRun() config.Run {
	run := config.DefaultRun()
	run.Controller.MaxIter = 4
	run.Controller.Print = 0
	run.Truth.Samples = 40
	run.Model.Samples = 6
	run.Model.Surrogate.EvalPoints = 30
	return run
}

func TestBuild(t *testing.T) {
	s, err := Build(smallRun())
	require.NoError(t, err)

	assert.Equal(t, "model", s.Model.Name())
	assert.Equal(t, "truth", s.Truth.Name())
	assert.True(t, s.Model.Surrogate())
	assert.False(t, s.Truth.Surrogate())
	assert.Equal(t, 2, s.Problem.Function.Dim())
	assert.Equal(t, []float64{2}, s.Model.DesignVariableValues()[DesignVariable])
}

func TestBuildRejectsConfiguration(t *testing.T) {
	run := smallRun()
	run.Problem.Name = "missing"
	_, err := Build(run)
	require.Error(t, err)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)

	run = smallRun()
	run.Controller.TrustRadius = 0.5
	run.Model.Sampler = "collocation"
	_, err = Build(run)
	assert.NoError(t, err)
}

func TestExecute(t *testing.T) {
	run := smallRun()
	run.Controller.GTol = 1e-12

	res, err := Execute(context.Background(), run)
	require.NoError(t, err)

	assert.Equal(t, optimization.StatusIterLimit, res.Status)
	assert.False(t, res.Success)
	assert.Equal(t, run.Controller.MaxIter, res.Iterations)
	assert.Len(t, res.Records, res.Iterations)
	assert.Greater(t, res.ModelCalls, 0)
	assert.Greater(t, res.TruthCalls, 0)
	assert.False(t, math.IsNaN(res.Objective))

	x := res.Design[DesignVariable]
	require.Len(t, x, 1)
	assert.GreaterOrEqual(t, x[0], -3.0)
	assert.LessOrEqual(t, x[0], 3.0)
}

func TestExecuteReplicated(t *testing.T) {
	const ranks = 3
	members, err := group.NewLocal(ranks)
	require.NoError(t, err)

	results := make([]*optimization.Result, ranks)
	eg, ctx := errgroup.WithContext(context.Background())
	for _, m := range members {
		m := m
		eg.Go(func() error {
			res, err := Execute(ctx, smallRun(), WithGroup(m))
			if err != nil {
				return err
			}
			results[m.Rank()] = res
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for r := 1; r < ranks; r++ {
		assert.InDeltaSlice(t, results[0].Design[DesignVariable], results[r].Design[DesignVariable], 1e-12)
		assert.Equal(t, results[0].Iterations, results[r].Iterations)
		assert.Equal(t, results[0].ModelLevel, results[r].ModelLevel)
	}
}
