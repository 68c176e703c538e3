package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/mfsolve/internal/errors"
	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/kernels"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
	"github.com/copyleftdev/mfsolve/internal/optimization/sampling"
	"github.com/copyleftdev/mfsolve/internal/optimization/sequential"
	"github.com/copyleftdev/mfsolve/internal/optimization/surrogate"
)

// Run describes one two-fidelity solve: the problem, the controller and the
// model and truth evaluators.
type Run struct {
	Name       string             `yaml:"name" json:"name"`
	Seed       uint64             `yaml:"seed" json:"seed"`
	Problem    Problem            `yaml:"problem" json:"problem"`
	Controller sequential.Options `yaml:"controller" json:"controller"`
	Model      EvaluatorConfig    `yaml:"model" json:"model"`
	Truth      EvaluatorConfig    `yaml:"truth" json:"truth"`
}

// Problem selects a test function and its uncertain inputs. A single entry
// in Initial, Lower, Upper or Uncertain applies to every component.
type Problem struct {
	Name        string                      `yaml:"name" json:"name"`
	DesignDim   int                         `yaml:"design_dim" json:"design_dim"`
	Initial     []float64                   `yaml:"initial" json:"initial"`
	Lower       []float64                   `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper       []float64                   `yaml:"upper,omitempty" json:"upper,omitempty"`
	SigmaWeight float64                     `yaml:"sigma_weight" json:"sigma_weight"`
	Uncertain   []sampling.DistributionSpec `yaml:"uncertain" json:"uncertain"`
}

// EvaluatorConfig configures one fidelity
type EvaluatorConfig struct {
	// Sampler is random, lhs or collocation
	Sampler               string           `yaml:"sampler" json:"sampler"`
	Samples               int              `yaml:"samples" json:"samples"`
	RetainUncertainPoints bool             `yaml:"retain_uncertain_points" json:"retain_uncertain_points"`
	ExternalOnly          bool             `yaml:"external_only" json:"external_only"`
	Surrogate             *SurrogateConfig `yaml:"surrogate,omitempty" json:"surrogate,omitempty"`
	Driver                DriverConfig     `yaml:"driver" json:"driver"`
}

// SurrogateConfig selects a POU surrogate for the evaluator
type SurrogateConfig struct {
	Rho        float64 `yaml:"rho" json:"rho"`
	Delta      float64 `yaml:"delta,omitempty" json:"delta,omitempty"`
	Kernel     string  `yaml:"kernel,omitempty" json:"kernel,omitempty"`
	Blend      string  `yaml:"blend,omitempty" json:"blend,omitempty"`
	KDTree     bool    `yaml:"kdtree" json:"kdtree"`
	EvalPoints int     `yaml:"eval_points,omitempty" json:"eval_points,omitempty"`
}

// DriverConfig tunes the inner optimizer of a model
type DriverConfig struct {
	Method        string  `yaml:"method,omitempty" json:"method,omitempty"`
	MaxIterations int     `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	GradientTol   float64 `yaml:"gradient_tol,omitempty" json:"gradient_tol,omitempty"`
}

// DefaultRun is a one-dimensional robust quadratic solved with an LHS
// trained surrogate against a 200 point sampled truth.
func DefaultRun() Run {
	opts := sequential.DefaultOptions()
	opts.GTol = 1e-3
	opts.MaxIter = 30

	return Run{
		Name: "robustquad",
		Seed: 1,
		Problem: Problem{
			Name:        "robustquad",
			DesignDim:   1,
			Initial:     []float64{2},
			Lower:       []float64{-3},
			Upper:       []float64{3},
			SigmaWeight: 1,
			Uncertain:   []sampling.DistributionSpec{{Kind: "uniform", Lower: 0, Upper: 1}},
		},
		Controller: opts,
		Model: EvaluatorConfig{
			Sampler:      string(sampling.MethodLHS),
			Samples:      10,
			ExternalOnly: true,
			Surrogate:    &SurrogateConfig{Rho: 10, Blend: surrogate.BlendWeighted.String()},
		},
		Truth: EvaluatorConfig{
			Sampler:               string(sampling.MethodLHS),
			Samples:               200,
			RetainUncertainPoints: true,
		},
	}
}

// ParseRun overlays data on DefaultRun. data may be YAML or JSON; unknown
// keys are rejected. The result is normalized and validated.
func ParseRun(data []byte) (Run, error) {
	run := DefaultRun()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&run); err != nil && err != io.EOF {
		return Run{}, errors.Wrap(fmt.Errorf("%w: %v", optimization.ErrConfiguration, err), "parse run")
	}
	return run.Normalized()
}

// LoadRunFile reads and parses a run file
func LoadRunFile(path string) (Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Run{}, errors.Wrapf(err, "read run file %s", path)
	}
	run, err := ParseRun(data)
	if err != nil {
		return Run{}, errors.Wrapf(err, "run file %s", path)
	}
	return run, nil
}

func broadcast(vals []float64, n int) []float64 {
	if len(vals) != 1 || n == 1 {
		return vals
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = vals[0]
	}
	return out
}

// Normalized expands single-entry vectors to the problem sizes and
// validates the result. The receiver is not modified.
func (r Run) Normalized() (Run, error) {
	const op = "Run.Normalized"
	errf := func(format string, args ...interface{}) (Run, error) {
		return Run{}, optimization.ConfigurationErrorf("config", op, format, args...)
	}

	spec, err := problems.Get(r.Problem.Name, r.Problem.DesignDim)
	if err != nil {
		return errf("%v", err)
	}
	n := spec.DesignDim

	p := r.Problem
	p.Initial = broadcast(append([]float64(nil), p.Initial...), n)
	p.Lower = broadcast(append([]float64(nil), p.Lower...), n)
	p.Upper = broadcast(append([]float64(nil), p.Upper...), n)
	if len(p.Uncertain) == 1 && spec.UncertainDim > 1 {
		one := p.Uncertain[0]
		p.Uncertain = make([]sampling.DistributionSpec, spec.UncertainDim)
		for i := range p.Uncertain {
			p.Uncertain[i] = one
		}
	} else {
		p.Uncertain = append([]sampling.DistributionSpec(nil), p.Uncertain...)
	}

	switch {
	case len(p.Initial) != n:
		return errf("initial has %d entries, problem %q has %d design variables", len(p.Initial), p.Name, n)
	case len(p.Lower) != len(p.Upper):
		return errf("lower and upper bounds differ in length")
	case len(p.Lower) != 0 && len(p.Lower) != n:
		return errf("bounds have %d entries, problem %q has %d design variables", len(p.Lower), p.Name, n)
	case len(p.Uncertain) != spec.UncertainDim:
		return errf("problem %q has %d uncertain inputs, %d distributions given", p.Name, spec.UncertainDim, len(p.Uncertain))
	case p.SigmaWeight < 0:
		return errf("sigma_weight must be non-negative, got %g", p.SigmaWeight)
	}
	for i := range p.Lower {
		if p.Lower[i] > p.Upper[i] {
			return errf("lower bound %g above upper bound %g at %d", p.Lower[i], p.Upper[i], i)
		}
		if p.Initial[i] < p.Lower[i] || p.Initial[i] > p.Upper[i] {
			return errf("initial point %g outside [%g, %g] at %d", p.Initial[i], p.Lower[i], p.Upper[i], i)
		}
	}
	if _, err := sampling.NewDistributions(p.Uncertain); err != nil {
		return errf("%v", err)
	}
	if err := r.Controller.Validate(); err != nil {
		return Run{}, err
	}
	for _, e := range []struct {
		name string
		cfg  EvaluatorConfig
	}{{"model", r.Model}, {"truth", r.Truth}} {
		if err := e.cfg.validate(e.name); err != nil {
			return Run{}, err
		}
	}
	if r.Model.Surrogate == nil {
		return errf("the model evaluator needs a surrogate")
	}

	r.Problem = p
	if r.Name == "" {
		r.Name = p.Name
	}
	if r.Model.Surrogate != nil {
		s := *r.Model.Surrogate
		r.Model.Surrogate = &s
	}
	if r.Truth.Surrogate != nil {
		s := *r.Truth.Surrogate
		r.Truth.Surrogate = &s
	}
	return r, nil
}

func (e EvaluatorConfig) validate(name string) error {
	const op = "EvaluatorConfig.validate"
	errf := func(format string, args ...interface{}) error {
		return optimization.ConfigurationErrorf("config", op, name+": "+format, args...)
	}
	switch e.Sampler {
	case "", string(sampling.MethodRandom), string(sampling.MethodLHS), "collocation":
	default:
		return errf("unknown sampler %q", e.Sampler)
	}
	if e.Samples < 0 {
		return errf("samples must be non-negative, got %d", e.Samples)
	}
	switch e.Driver.Method {
	case "", "bfgs", "nelder-mead":
	default:
		return errf("unknown driver method %q", e.Driver.Method)
	}
	if s := e.Surrogate; s != nil {
		if !(s.Rho > 0) {
			return errf("surrogate rho must be positive, got %g", s.Rho)
		}
		if s.Delta < 0 {
			return errf("surrogate delta must be non-negative, got %g", s.Delta)
		}
		if _, err := surrogate.ParseBlend(s.Blend); err != nil {
			return errf("%v", err)
		}
		if _, err := kernels.New(s.Kernel, s.Rho); err != nil {
			return errf("%v", err)
		}
	}
	return nil
}
