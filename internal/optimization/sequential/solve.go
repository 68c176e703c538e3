// Package sequential implements the two-fidelity refinement loop: optimize a
// cheap model, validate the candidate against the truth, refine the model,
// and repeat until the truth gradient norm drops below gtol.
package sequential

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// Recorder observes solve progress. Implementations must be safe for
// concurrent use by several solves.
type Recorder interface {
	ObserveIteration(solver string, rec optimization.RefinementRecord)
	ObserveResult(solver string, res *optimization.Result, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveIteration(string, optimization.RefinementRecord)    {}
func (nopRecorder) ObserveResult(string, *optimization.Result, time.Duration) {}

// Option configures the collaborators of a FullSolve
type Option func(*FullSolve)

// WithGroup sets the process group the solve runs on
func WithGroup(g group.Group) Option {
	return func(s *FullSolve) { s.group = g }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *FullSolve) { s.logger = l }
}

// WithRecorder sets the progress recorder
func WithRecorder(r Recorder) Option {
	return func(s *FullSolve) { s.recorder = r }
}

// WithName labels the solve in logs and metrics
func WithName(name string) Option {
	return func(s *FullSolve) { s.name = name }
}

// FullSolve runs the sequential refinement loop on one rank of a group.
type FullSolve struct {
	name     string
	model    optimization.Evaluator
	truth    optimization.Evaluator
	opts     Options
	group    group.Group
	logger   *zap.Logger
	recorder Recorder

	// resolved by Setup
	driver    optimization.Driver
	refinable optimization.Refinable
	vars      []optimization.DesignVariable
	objective string
	objRow    int
	ready     bool

	mu      sync.RWMutex
	records []optimization.RefinementRecord
}

// New validates opts and returns a controller. Evaluators are checked by Setup.
func New(model, truth optimization.Evaluator, opts Options, deps ...Option) (*FullSolve, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &FullSolve{
		name:     "sequential",
		model:    model,
		truth:    truth,
		opts:     opts,
		group:    group.Single(),
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, d := range deps {
		d(s)
	}
	s.logger = s.logger.Named("sequential_full_solve")
	return s, nil
}

// Options returns a copy of the controller options
func (s *FullSolve) Options() Options { return s.opts }

// Setup checks that both evaluators are present and agree on their design
// variables and objective.
func (s *FullSolve) Setup() error {
	const op = "FullSolve.Setup"
	errf := func(format string, args ...interface{}) error {
		return optimization.ConfigurationErrorf("sequential", op, format, args...)
	}
	if s.model == nil || s.truth == nil {
		return errf("both model and truth evaluators must be set")
	}
	driver, ok := s.model.(optimization.Driver)
	if !ok {
		return errf("model evaluator %s has no driver", s.model.Name())
	}
	refinable, ok := s.model.(optimization.Refinable)
	if !ok {
		return errf("model evaluator %s cannot be refined", s.model.Name())
	}
	if _, ok := s.model.(optimization.TrustBounded); !ok && s.opts.TrustRadius >= 0 {
		return errf("trust_radius is set but model evaluator %s cannot be bounded", s.model.Name())
	}

	vars := s.model.DesignVariables()
	if !optimization.SameDesignVariables(vars, s.truth.DesignVariables()) {
		return errf("model and truth declare different design variables")
	}
	if s.model.Objective() != s.truth.Objective() {
		return errf("model objective %q differs from truth objective %q", s.model.Objective(), s.truth.Objective())
	}
	objRow := -1
	for i, f := range s.truth.Functions() {
		if f.Name == s.truth.Objective() {
			objRow = i
		}
	}
	if objRow < 0 {
		return errf("truth does not list its objective %q among its functions", s.truth.Objective())
	}
	if err := optimization.CheckDesignPoint(vars, s.model.DesignVariableValues()); err != nil {
		return err
	}

	s.driver = driver
	s.refinable = refinable
	s.vars = vars
	s.objective = s.model.Objective()
	s.objRow = objRow
	s.ready = true
	return nil
}

// Records returns a copy of the refinement records appended so far
func (s *FullSolve) Records() []optimization.RefinementRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]optimization.RefinementRecord(nil), s.records...)
}

func (s *FullSolve) appendRecord(rec optimization.RefinementRecord) {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.recorder.ObserveIteration(s.name, rec)
}

func (s *FullSolve) objectiveValue(e optimization.Evaluator) (float64, error) {
	v, err := e.Value(s.objective)
	if err != nil {
		return 0, err
	}
	if len(v) != 1 {
		return 0, optimization.DimensionMismatch("sequential", "objectiveValue", len(v), 1)
	}
	return v[0], nil
}

// place broadcasts p from rank 0 and sets it on e
func (s *FullSolve) place(ctx context.Context, e optimization.Evaluator, p optimization.DesignPoint) (optimization.DesignPoint, error) {
	shared, err := group.BroadcastPoint(ctx, s.group, 0, s.vars, p)
	if err != nil {
		return nil, err
	}
	if err := e.SetDesignVariables(shared); err != nil {
		return nil, err
	}
	return shared, nil
}

// subproblem re-evaluates the model at z and runs its driver. It returns the
// model objective before and after, and the driver iteration count.
func (s *FullSolve) subproblem(ctx context.Context, z optimization.DesignPoint) (float64, float64, int, error) {
	center, err := s.place(ctx, s.model, z)
	if err != nil {
		return 0, 0, 0, err
	}
	if err := s.model.Run(ctx); err != nil {
		return 0, 0, 0, err
	}
	fcent, err := s.objectiveValue(s.model)
	if err != nil {
		return 0, 0, 0, err
	}

	if s.opts.TrustRadius >= 0 {
		s.model.(optimization.TrustBounded).SetTrustRegion(center, s.opts.TrustRadius)
		if err := s.group.Barrier(ctx); err != nil {
			return 0, 0, 0, err
		}
	}

	iters, err := s.driver.RunDriver(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	fcand, err := s.objectiveValue(s.model)
	if err != nil {
		return 0, 0, 0, err
	}
	return fcent, fcand, iters, nil
}

// truthEval runs the truth at z and returns its objective and gradient norm
func (s *FullSolve) truthEval(ctx context.Context, z optimization.DesignPoint, pred float64) (float64, float64, error) {
	if _, err := s.place(ctx, s.truth, z); err != nil {
		return 0, 0, err
	}
	if s.opts.ApproximateTruth {
		if a, ok := s.truth.(optimization.Approximable); ok {
			a.SetTolerance(s.truthTolerance(pred), s.opts.ApproximateTruthMax)
		}
	}
	if err := s.truth.Run(ctx); err != nil {
		return 0, 0, err
	}
	ftru, err := s.objectiveValue(s.truth)
	if err != nil {
		return 0, 0, err
	}
	G, err := s.truth.ComputeGradient(ctx)
	if err != nil {
		return 0, 0, err
	}
	rows, _ := G.Dims()
	if s.objRow >= rows {
		return 0, 0, optimization.DimensionMismatch("sequential", "truthEval", rows, s.objRow+1)
	}
	return ftru, floats.Norm(G.RawRowView(s.objRow), 2), nil
}

// truthTolerance maps the predicted reduction to a truth accuracy request.
// A non-positive prediction asks for no adaptation.
func (s *FullSolve) truthTolerance(pred float64) float64 {
	base := math.Min(s.opts.Eta1, 1-s.opts.Eta2) * pred
	if !(base > 0) {
		return 0
	}
	return math.Pow(base, 1/s.opts.Omega)
}

// refinement returns the number of samples to add this iteration
func (s *FullSolve) refinement(gerr, gerr0 float64, reflevel int) int {
	refjump := s.opts.FlatRefinement
	if s.opts.RefStrategy != RefineGradientScaled {
		return refjump
	}
	grange := gerr0 - s.opts.GTol
	rcap := float64(s.truth.Fidelity())
	if grange == 0 || rcap <= 0 {
		return refjump
	}
	gclose := 1 - math.Abs((gerr-s.opts.GTol)/grange)
	fac := gclose - float64(reflevel)/rcap
	return refjump + max(0, int(fac*rcap))
}

// refine grows the model and returns the new level and the number of
// samples applied.
func (s *FullSolve) refine(ctx context.Context, refjump int) (int, int, error) {
	if s.opts.UseTruthToTrain && s.refinable.Surrogate() {
		if src, ok := s.truth.(optimization.SampleSource); ok {
			samples := src.CurrentSamples()
			level, err := s.refinable.Train(samples)
			return level, samples.Len(), err
		}
	}
	level, err := s.refinable.Refine(ctx, refjump)
	return level, refjump, err
}

// SolveFull runs outer iterations until the truth gradient norm drops below
// gtol or MaxIter iterations have run. Hitting the iteration cap is reported
// through the result status, not as an error.
func (s *FullSolve) SolveFull(ctx context.Context) (*optimization.Result, error) {
	const op = "FullSolve.SolveFull"
	start := time.Now()
	if !s.ready {
		if err := s.Setup(); err != nil {
			return nil, err
		}
	}
	wrap := func(err error, stage string) error {
		return optimization.WrapErrorf(err, "sequential: %s: %s", op, stage)
	}

	res := &optimization.Result{
		Status: optimization.StatusIterLimit,
		Model:  optimization.OptimizationState{Evaluator: s.model.Name()},
		Truth:  optimization.OptimizationState{Evaluator: s.truth.Name()},
	}

	zk := s.model.DesignVariableValues()
	if err := optimization.CheckDesignPoint(s.vars, zk); err != nil {
		return nil, err
	}
	reflevel := s.model.Fidelity()

	var (
		gerr0, ftruPrev float64
		havePrev        bool
	)
	for k := 0; k < s.opts.MaxIter; k++ {
		res.Iterations = k + 1

		fcent, fcand, iters, err := s.subproblem(ctx, zk)
		if err != nil {
			return nil, wrap(err, "subproblem")
		}
		fidelity := s.model.Fidelity()
		// +1 for the re-evaluation at the center
		res.ModelCalls += fidelity * (iters + 1)
		res.BreakIters = append(res.BreakIters, iters)
		res.Model.Iterations++
		res.Model.FunctionCalls += iters + 1
		zk = s.model.DesignVariableValues()
		pred := fcent - fcand

		ftru, gerr, err := s.truthEval(ctx, zk, pred)
		if err != nil {
			return nil, wrap(err, "truth evaluation")
		}
		res.TruthCalls += s.truth.Fidelity()
		res.Truth.Iterations++
		res.Truth.FunctionCalls++

		var ared float64
		if havePrev {
			ared = ftruPrev - ftru
		}
		ferr := math.Abs(fcand - ftru)
		if k == 0 {
			gerr0 = gerr
		}
		res.Model.Record(zk, fcand)
		res.Truth.Record(zk, ftru)
		res.Design = zk.Clone()
		res.Objective = ftru
		res.GradientNorm = gerr
		res.ModelError = ferr

		rec := optimization.RefinementRecord{
			Iteration:      k,
			Pred:           pred,
			Ared:           ared,
			ObjectiveError: ferr,
			GradientError:  gerr,
			Fidelity:       reflevel,
			DriverIters:    iters,
		}

		if s.opts.Print > 0 {
			s.logger.Info("Outer iteration",
				zap.Int("iteration", k),
				zap.Float64("pred", pred),
				zap.Float64("ared", ared),
				zap.Float64("objective", ftru),
				zap.Float64("objective_error", ferr),
				zap.Float64("gradient_error", gerr),
				zap.Int("fidelity", reflevel),
				zap.Int("driver_iterations", iters),
			)
		}

		if gerr < s.opts.GTol {
			s.appendRecord(rec)
			res.Success = true
			res.Status = optimization.StatusConverged
			break
		}

		refjump := s.refinement(gerr, gerr0, reflevel)
		level, applied, err := s.refine(ctx, refjump)
		if err != nil {
			return nil, wrap(err, "refine")
		}
		rec.Refinement = applied
		s.appendRecord(rec)
		res.Refinements++
		reflevel = level
		ftruPrev, havePrev = ftru, true
	}

	res.ModelLevel = reflevel
	res.Records = s.Records()

	s.recorder.ObserveResult(s.name, res, time.Since(start))
	s.logger.Info("Solve finished",
		zap.Bool("success", res.Success),
		zap.String("status", string(res.Status)),
		zap.Int("iterations", res.Iterations),
		zap.Int("refinements", res.Refinements),
		zap.Float64("gradient_error", res.GradientNorm),
		zap.Int("model_calls", res.ModelCalls),
		zap.Int("truth_calls", res.TruthCalls),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

var _ optimization.Solver = (*FullSolve)(nil)
