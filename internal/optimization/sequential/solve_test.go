package sequential

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// fakeEval is a one-variable evaluator with objective z^2. Its driver
// multiplies z by shrink.
type fakeEval struct {
	name      string
	vars      []optimization.DesignVariable
	z         float64
	fidelity  int
	shrink    float64
	iters     int
	surrogate bool
	gradient  func(z float64) float64
	samples   *optimization.SampleSet

	ran      bool
	refined  []int
	trained  int
	radii    []float64
	centers  []float64
	tols     []float64
	runCalls int
}

func newFake(name string, z float64, fidelity int) *fakeEval {
	return &fakeEval{
		name:     name,
		vars:     []optimization.DesignVariable{{Name: "z", Size: 1}},
		z:        z,
		fidelity: fidelity,
		shrink:   0.5,
		iters:    2,
		gradient: func(z float64) float64 { return 2 * z },
		samples: &optimization.SampleSet{
			Locations: [][]float64{{0}, {1}, {2}},
			Values:    []float64{0, 1, 4},
			Gradients: [][]float64{{0}, {2}, {4}},
		},
	}
}

func (f *fakeEval) Name() string                                   { return f.name }
func (f *fakeEval) DesignVariables() []optimization.DesignVariable { return f.vars }
func (f *fakeEval) Fidelity() int                                  { return f.fidelity }
func (f *fakeEval) Objective() string                              { return "f" }

func (f *fakeEval) SetDesignVariables(p optimization.DesignPoint) error {
	if err := optimization.CheckDesignPoint(f.vars, p); err != nil {
		return err
	}
	f.z = p["z"][0]
	f.ran = false
	return nil
}

func (f *fakeEval) DesignVariableValues() optimization.DesignPoint {
	return optimization.DesignPoint{"z": {f.z}}
}

func (f *fakeEval) Run(ctx context.Context) error {
	f.ran = true
	f.runCalls++
	return ctx.Err()
}

func (f *fakeEval) Value(name string) ([]float64, error) {
	if !f.ran {
		return nil, optimization.InsufficientData("fake", "Value")
	}
	return []float64{f.z * f.z}, nil
}

func (f *fakeEval) ComputeGradient(context.Context) (*mat.Dense, error) {
	return mat.NewDense(2, 1, []float64{f.gradient(f.z), 2 * f.z}), nil
}

func (f *fakeEval) Functions() []optimization.FunctionSpec {
	return []optimization.FunctionSpec{{Name: "f", RequiresState: true}, {Name: "mass"}}
}

func (f *fakeEval) RunDriver(ctx context.Context) (int, error) {
	f.z *= f.shrink
	return f.iters, f.Run(ctx)
}

func (f *fakeEval) SetTrustRegion(center optimization.DesignPoint, radius float64) {
	f.radii = append(f.radii, radius)
	f.centers = append(f.centers, center["z"][0])
}

func (f *fakeEval) Surrogate() bool { return f.surrogate }

func (f *fakeEval) Refine(_ context.Context, count int) (int, error) {
	f.refined = append(f.refined, count)
	f.fidelity += count
	return f.fidelity, nil
}

func (f *fakeEval) Train(s *optimization.SampleSet) (int, error) {
	f.trained += s.Len()
	f.fidelity += s.Len()
	return f.fidelity, nil
}

func (f *fakeEval) SetTolerance(tol float64, _ int) { f.tols = append(f.tols, tol) }

func (f *fakeEval) CurrentSamples() *optimization.SampleSet { return f.samples.Clone() }

// plainEval hides the optional capabilities of fakeEval
type plainEval struct{ optimization.Evaluator }

func testOptions() Options {
	opts := DefaultOptions()
	opts.Print = 0
	return opts
}

func TestZeroGradientConvergesInOneIteration(t *testing.T) {
	model := newFake("model", 1, 10)
	truth := newFake("truth", 1, 100)
	truth.gradient = func(float64) float64 { return 0 }

	opts := testOptions()
	opts.GTol = 1e-6
	opts.MaxIter = 1

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	res, err := s.SolveFull(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, optimization.StatusConverged, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 0, res.Refinements)
	assert.Empty(t, model.refined)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 0, res.Records[0].Refinement)
	assert.Equal(t, 0.0, res.GradientNorm)
}

func TestIterationLimitIsNotAnError(t *testing.T) {
	model := newFake("model", 1, 10)
	truth := newFake("truth", 1, 100)
	truth.gradient = func(float64) float64 { return 1 }

	opts := testOptions()
	opts.MaxIter = 3

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	res, err := s.SolveFull(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, optimization.StatusIterLimit, res.Status)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, 3, res.Refinements)
	assert.Equal(t, []int{5, 5, 5}, model.refined)
	assert.Equal(t, 25, res.ModelLevel)
	assert.Equal(t, []int{2, 2, 2}, res.BreakIters)

	// fidelity-weighted call counts: (iters+1) model runs at 10, 15 and 20
	assert.Equal(t, 3*10+3*15+3*20, res.ModelCalls)
	assert.Equal(t, 300, res.TruthCalls)
	assert.Equal(t, res.ModelCalls+res.TruthCalls, res.TotalCalls())

	assert.Equal(t, []int{10, 15, 20}, []int{res.Records[0].Fidelity, res.Records[1].Fidelity, res.Records[2].Fidelity})
}

func TestConvergesAfterRefinement(t *testing.T) {
	model := newFake("model", 1, 10)
	truth := newFake("truth", 1, 100)

	opts := testOptions()
	opts.GTol = 1e-2

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	res, err := s.SolveFull(context.Background())
	require.NoError(t, err)

	// gerr = 2*z with z halved every iteration: 2^-k < 1e-2 first at k=7
	assert.True(t, res.Success)
	assert.Equal(t, 8, res.Iterations)
	assert.Equal(t, 7, res.Refinements)
	assert.Less(t, res.GradientNorm, opts.GTol)
	assert.InDelta(t, math.Pow(2, -8), res.Design["z"][0], 1e-15)

	recs := s.Records()
	require.Len(t, recs, 8)
	assert.InDelta(t, 0.75, recs[0].Pred, 1e-15)
	assert.Equal(t, 0.0, recs[0].Ared)
	assert.InDelta(t, 0.25-0.0625, recs[1].Ared, 1e-15)
	assert.Equal(t, 0.0, recs[3].ObjectiveError, "model and truth share the objective")
	assert.Equal(t, 0, recs[7].Refinement)

	assert.Len(t, res.Model.History, 8)
	assert.Len(t, res.Truth.History, 8)
	assert.Equal(t, 8, res.Truth.FunctionCalls)
	assert.Equal(t, "truth", res.Truth.Evaluator)
}

func TestGradientScaledRefinement(t *testing.T) {
	model := newFake("model", 1, 10)
	truth := newFake("truth", 1, 100)

	opts := testOptions()
	opts.GTol = 1e-2
	opts.MaxIter = 2
	opts.RefStrategy = RefineGradientScaled

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	_, err = s.SolveFull(context.Background())
	require.NoError(t, err)

	// k=0: gclose=0, fac=-0.1 -> flat 5
	// k=1: gclose=1-0.49/0.99, fac=gclose-15/100 -> 5+35
	assert.Equal(t, []int{5, 40}, model.refined)
}

func TestUseTruthToTrain(t *testing.T) {
	model := newFake("model", 1, 10)
	model.surrogate = true
	truth := newFake("truth", 1, 100)

	opts := testOptions()
	opts.MaxIter = 2
	opts.UseTruthToTrain = true

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	res, err := s.SolveFull(context.Background())
	require.NoError(t, err)

	assert.Empty(t, model.refined)
	assert.Equal(t, 6, model.trained)
	assert.Equal(t, 3, res.Records[0].Refinement)
	assert.Equal(t, 16, res.ModelLevel)

	// a model without a surrogate falls back to sampling
	model = newFake("model", 1, 10)
	s, err = New(model, newFake("truth", 1, 100), opts)
	require.NoError(t, err)
	_, err = s.SolveFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{5, 5}, model.refined)
}

func TestApproximateTruthTolerance(t *testing.T) {
	model := newFake("model", 1, 10)
	truth := newFake("truth", 1, 100)

	opts := testOptions()
	opts.MaxIter = 2
	opts.ApproximateTruth = true
	opts.Omega = 2

	s, err := New(model, truth, opts)
	require.NoError(t, err)
	_, err = s.SolveFull(context.Background())
	require.NoError(t, err)

	// pred = 0.75*z^2 with z = 1 then 0.5
	require.Len(t, truth.tols, 2)
	assert.InDelta(t, math.Sqrt(0.25*0.75), truth.tols[0], 1e-15)
	assert.InDelta(t, math.Sqrt(0.25*0.75*0.25), truth.tols[1], 1e-15)

	assert.Equal(t, 0.0, s.truthTolerance(-1), "non-positive prediction disables adaptation")
}

func TestTrustRadius(t *testing.T) {
	model := newFake("model", 1, 10)
	opts := testOptions()
	opts.MaxIter = 2
	opts.TrustRadius = 0.3

	s, err := New(model, newFake("truth", 1, 100), opts)
	require.NoError(t, err)
	_, err = s.SolveFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0.3}, model.radii)

	s, err = New(plainEval{model}, newFake("truth", 1, 100), opts)
	require.NoError(t, err)
	assert.True(t, errors.Is(s.Setup(), optimization.ErrConfiguration))
}

func TestSetupErrors(t *testing.T) {
	mismatched := newFake("truth", 1, 100)
	mismatched.vars = []optimization.DesignVariable{{Name: "z", Size: 2}}

	badPoint := newFake("model", 1, 10)
	badPoint.vars = []optimization.DesignVariable{{Name: "w", Size: 1}}

	tests := []struct {
		name         string
		model, truth optimization.Evaluator
	}{
		{name: "nil model", model: nil, truth: newFake("truth", 1, 1)},
		{name: "nil truth", model: newFake("model", 1, 1), truth: nil},
		{name: "model without driver", model: plainEval{newFake("model", 1, 1)}, truth: newFake("truth", 1, 1)},
		{name: "different variables", model: newFake("model", 1, 1), truth: mismatched},
		{name: "point does not match variables", model: badPoint, truth: func() *fakeEval {
			f := newFake("truth", 1, 1)
			f.vars = badPoint.vars
			return f
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.model, tt.truth, testOptions())
			require.NoError(t, err)
			_, err = s.SolveFull(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, optimization.ErrConfiguration), "got %v", err)
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{name: "zero gtol", mutate: func(o *Options) { o.GTol = 0 }},
		{name: "nan gtol", mutate: func(o *Options) { o.GTol = math.NaN() }},
		{name: "zero max_iter", mutate: func(o *Options) { o.MaxIter = 0 }},
		{name: "negative flat", mutate: func(o *Options) { o.FlatRefinement = -1 }},
		{name: "unknown strategy", mutate: func(o *Options) { o.RefStrategy = 2 }},
		{name: "zero approximate max", mutate: func(o *Options) { o.ApproximateTruth = true; o.ApproximateTruthMax = 0 }},
		{name: "zero omega", mutate: func(o *Options) { o.Omega = 0 }},
		{name: "eta order", mutate: func(o *Options) { o.Eta1 = 0.9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(newFake("m", 1, 1), newFake("t", 1, 1), opts)
			assert.True(t, errors.Is(err, optimization.ErrConfiguration))
		})
	}
}

func TestTerminationProperty(t *testing.T) {
	for maxIter := 1; maxIter <= 6; maxIter++ {
		for _, gtol := range []float64{1e-6, 1e-2, 0.3, 5} {
			opts := testOptions()
			opts.MaxIter = maxIter
			opts.GTol = gtol

			s, err := New(newFake("model", 1, 4), newFake("truth", 1, 4), opts)
			require.NoError(t, err)
			res, err := s.SolveFull(context.Background())
			require.NoError(t, err)

			assert.LessOrEqual(t, res.Iterations, maxIter)
			if res.Success {
				assert.Less(t, res.GradientNorm, gtol)
			} else {
				assert.Equal(t, maxIter, res.Iterations)
			}
		}
	}
}

type countingRecorder struct {
	mu         sync.Mutex
	iterations int
	results    int
}

func (r *countingRecorder) ObserveIteration(string, optimization.RefinementRecord) {
	r.mu.Lock()
	r.iterations++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveResult(string, *optimization.Result, time.Duration) {
	r.mu.Lock()
	r.results++
	r.mu.Unlock()
}

func TestReplicatedSolve(t *testing.T) {
	const ranks = 3
	members, err := group.NewLocal(ranks)
	require.NoError(t, err)
	rec := &countingRecorder{}

	results := make([]*optimization.Result, ranks)
	models := make([]*fakeEval, ranks)
	eg, ctx := errgroup.WithContext(context.Background())
	for _, m := range members {
		m := m
		eg.Go(func() error {
			// replicas start from different points; rank 0's wins
			model := newFake("model", 1+float64(m.Rank()), 10)
			models[m.Rank()] = model
			truth := newFake("truth", 0, 100)
			opts := testOptions()
			opts.GTol = 1e-2
			opts.TrustRadius = 1

			s, err := New(model, truth, opts, WithGroup(m), WithRecorder(rec), WithName("replica"))
			if err != nil {
				return err
			}
			results[m.Rank()], err = s.SolveFull(ctx)
			return err
		})
	}
	require.NoError(t, eg.Wait())

	for _, r := range results[1:] {
		assert.Equal(t, results[0].Iterations, r.Iterations)
		assert.Equal(t, results[0].Design, r.Design)
	}
	assert.Equal(t, 8, results[0].Iterations)
	assert.Equal(t, ranks*8, rec.iterations)

	// every rank centers its trust region on rank 0's point
	require.NotEmpty(t, models[0].centers)
	assert.Equal(t, 1.0, models[0].centers[0])
	for _, m := range models[1:] {
		assert.Equal(t, models[0].centers, m.centers)
	}
	assert.Equal(t, ranks, rec.results)
}
