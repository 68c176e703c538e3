// Package runner assembles a sequential solve from a run description: the
// test problem, the samplers and Stat evaluators of both fidelities and the
// controller that couples them.
package runner

import (
	"context"

	"go.uber.org/zap"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/evaluator"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
	"github.com/copyleftdev/mfsolve/internal/optimization/sampling"
	"github.com/copyleftdev/mfsolve/internal/optimization/sequential"
	"github.com/copyleftdev/mfsolve/internal/optimization/surrogate"
)

// DesignVariable is the name of the single design vector of a run
const DesignVariable = "x"

// truthSeedOffset separates the truth's random stream from the model's
const truthSeedOffset = 7919

type settings struct {
	group    group.Group
	logger   *zap.Logger
	recorder sequential.Recorder
}

// Option configures Build
type Option func(*settings)

// WithGroup runs the solve as one rank of g
func WithGroup(g group.Group) Option {
	return func(s *settings) { s.group = g }
}

// WithLogger sets the logger handed to every component
func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRecorder observes outer iterations and the final result
func WithRecorder(r sequential.Recorder) Option {
	return func(s *settings) { s.recorder = r }
}

// Solve holds the assembled components of a run
type Solve struct {
	Run        config.Run
	Problem    problems.Spec
	Model      *evaluator.Stat
	Truth      *evaluator.Stat
	Controller *sequential.FullSolve
}

// Build normalizes run and wires its components. Nothing is evaluated.
func Build(run config.Run, opts ...Option) (*Solve, error) {
	st := settings{group: group.Single(), logger: zap.NewNop()}
	for _, o := range opts {
		o(&st)
	}

	run, err := run.Normalized()
	if err != nil {
		return nil, err
	}
	spec, err := problems.Get(run.Problem.Name, run.Problem.DesignDim)
	if err != nil {
		return nil, optimization.ConfigurationErrorf("runner", "Build", "%v", err)
	}
	dists, err := sampling.NewDistributions(run.Problem.Uncertain)
	if err != nil {
		return nil, optimization.ConfigurationErrorf("runner", "Build", "%v", err)
	}

	vars := []optimization.DesignVariable{{
		Name:  DesignVariable,
		Size:  spec.DesignDim,
		Lower: run.Problem.Lower,
		Upper: run.Problem.Upper,
	}}
	initial := optimization.DesignPoint{DesignVariable: run.Problem.Initial}

	build := func(name string, ec config.EvaluatorConfig, seed uint64) (*evaluator.Stat, error) {
		sampler, err := sampling.New(ec.Sampler, spec.Function, run.Problem.Initial, dists, ec.RetainUncertainPoints,
			sampling.WithExternalOnly(ec.ExternalOnly),
			sampling.WithGroup(st.group),
			sampling.WithLogger(st.logger.With(zap.String("fidelity", name))),
			sampling.WithSeed(seed),
		)
		if err != nil {
			return nil, err
		}

		cfg := evaluator.Config{
			Name:            name,
			Function:        spec.Function,
			DesignVariables: vars,
			Initial:         initial,
			Sampler:         sampler,
			InitialSamples:  ec.Samples,
			Eta:             run.Problem.SigmaWeight,
			Distributions:   dists,
			Driver: evaluator.DriverConfig{
				Method:        ec.Driver.Method,
				MaxIterations: ec.Driver.MaxIterations,
				GradientTol:   ec.Driver.GradientTol,
			},
			Seed:   seed,
			Logger: st.logger,
		}
		if sc := ec.Surrogate; sc != nil {
			blend, err := surrogate.ParseBlend(sc.Blend)
			if err != nil {
				return nil, err
			}
			cfg.Surrogate = &evaluator.SurrogateConfig{
				Rho:        sc.Rho,
				Delta:      sc.Delta,
				Kernel:     sc.Kernel,
				Blend:      blend,
				KDTree:     sc.KDTree,
				EvalPoints: sc.EvalPoints,
			}
		}
		return evaluator.NewStat(cfg)
	}

	model, err := build("model", run.Model, run.Seed)
	if err != nil {
		return nil, err
	}
	truth, err := build("truth", run.Truth, run.Seed+truthSeedOffset)
	if err != nil {
		return nil, err
	}

	deps := []sequential.Option{
		sequential.WithGroup(st.group),
		sequential.WithLogger(st.logger),
		sequential.WithName(run.Name),
	}
	if st.recorder != nil {
		deps = append(deps, sequential.WithRecorder(st.recorder))
	}
	ctrl, err := sequential.New(model, truth, run.Controller, deps...)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Setup(); err != nil {
		return nil, err
	}

	return &Solve{
		Run:        run,
		Problem:    spec,
		Model:      model,
		Truth:      truth,
		Controller: ctrl,
	}, nil
}

// Execute builds run and solves it
func Execute(ctx context.Context, run config.Run, opts ...Option) (*optimization.Result, error) {
	s, err := Build(run, opts...)
	if err != nil {
		return nil, err
	}
	return s.Controller.SolveFull(ctx)
}
