package evaluator

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/mfsolve/internal/optimization"
)

// DriverConfig controls the inner optimization of RunDriver
type DriverConfig struct {
	// Method is "bfgs", "nelder-mead" or empty to pick by bounds
	Method        string
	MaxIterations int
	GradientTol   float64
	FunctionTol   float64
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 200
	}
	if c.GradientTol <= 0 {
		c.GradientTol = 1e-8
	}
	if c.FunctionTol <= 0 {
		c.FunctionTol = 1e-12
	}
	return c
}

// abortConverger stops the optimizer as soon as an evaluation has failed
type abortConverger struct {
	inner optimize.Converger
	err   *error
}

func (c abortConverger) Init(dim int) { c.inner.Init(dim) }

func (c abortConverger) Converged(loc *optimize.Location) optimize.Status {
	if *c.err != nil {
		return optimize.Failure
	}
	return c.inner.Converged(loc)
}

// bounds returns the box the driver searches: declared variable bounds
// intersected with the trust region, if one is set.
func (s *Stat) bounds() (lower, upper []float64, bounded bool) {
	n := s.designDim
	lower = make([]float64, n)
	upper = make([]float64, n)
	i := 0
	for _, v := range s.vars {
		for k := 0; k < v.Size; k++ {
			lower[i], upper[i] = math.Inf(-1), math.Inf(1)
			if v.Bounded() {
				lower[i], upper[i] = v.Lower[k], v.Upper[k]
				bounded = true
			}
			i++
		}
	}
	if s.trustRadius >= 0 && s.trustCenter != nil {
		c := s.trustCenter.Flatten(s.vars)
		for i := range c {
			lower[i] = math.Max(lower[i], c[i]-s.trustRadius)
			upper[i] = math.Min(upper[i], c[i]+s.trustRadius)
		}
		bounded = true
	}
	return lower, upper, bounded
}

func clampTo(dst, x, lower, upper []float64) []float64 {
	for i := range x {
		dst[i] = math.Max(lower[i], math.Min(x[i], upper[i]))
	}
	return dst
}

// RunDriver minimizes the objective from the current design point and leaves
// the evaluator converged at the optimum. It returns the number of statistic
// evaluations the search performed.
func (s *Stat) RunDriver(ctx context.Context) (int, error) {
	const op = "Stat.RunDriver"
	lower, upper, bounded := s.bounds()
	// the trust region applies to one call only
	s.trustRadius = -1
	s.trustCenter = nil

	if s.surrogateCfg != nil && !bounded {
		// gradient-enhanced expansions extrapolate linearly away from the data
		return 0, optimization.ConfigurationErrorf("evaluator", op, "surrogate-backed driver needs variable bounds or a trust region")
	}

	x0 := clampTo(make([]float64, s.designDim), s.point.Flatten(s.vars), lower, upper)

	var (
		evalErr error
		runs    int
		lastX   []float64
		lastF   float64
		lastG   []float64
		buf     = make([]float64, s.designDim)
	)
	eval := func(x []float64) (float64, []float64) {
		clampTo(buf, x, lower, upper)
		if lastX != nil && slices.Equal(buf, lastX) {
			return lastF, lastG
		}
		if evalErr != nil {
			return math.Inf(1), nil
		}
		if err := s.SetDesignVariables(optimization.Unflatten(s.vars, buf)); err != nil {
			evalErr = err
			return math.Inf(1), nil
		}
		if err := s.Run(ctx); err != nil {
			evalErr = err
			return math.Inf(1), nil
		}
		runs++
		f := s.mu + s.eta*s.sigma
		g := make([]float64, s.designDim)
		for i := range g {
			g[i] = s.dmu[i] + s.eta*s.dsigma[i]
		}
		lastX, lastF, lastG = slices.Clone(buf), f, g
		return f, g
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			f, _ := eval(x)
			return f
		},
	}

	method := s.driver.Method
	if method == "" {
		method = "bfgs"
		if bounded {
			method = "nelder-mead"
		}
	}

	var m optimize.Method
	switch method {
	case "bfgs":
		if bounded {
			return 0, optimization.ConfigurationErrorf("evaluator", op, "bfgs cannot honor bounds or a trust region")
		}
		problem.Grad = func(grad, x []float64) {
			_, g := eval(x)
			if g == nil {
				for i := range grad {
					grad[i] = math.NaN()
				}
				return
			}
			copy(grad, g)
		}
		m = &optimize.BFGS{}
	case "nelder-mead":
		size := 0.1
		for i := range lower {
			if w := upper[i] - lower[i]; !math.IsInf(w, 0) && w > 0 {
				size = math.Min(size, 0.25*w)
			}
		}
		m = &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: size,
		}
	default:
		return 0, optimization.ConfigurationErrorf("evaluator", op, "unknown driver method %q", method)
	}

	settings := &optimize.Settings{
		MajorIterations:   s.driver.MaxIterations,
		GradientThreshold: s.driver.GradientTol,
		Converger: abortConverger{
			inner: &optimize.FunctionConverge{
				Absolute:   s.driver.FunctionTol,
				Relative:   s.driver.FunctionTol,
				Iterations: 20,
			},
			err: &evalErr,
		},
	}

	result, err := optimize.Minimize(problem, x0, settings, m)
	if evalErr != nil {
		return runs, optimization.WrapError(evalErr, "evaluator: "+op)
	}
	if result == nil {
		if err == nil {
			err = optimization.NewError("optimizer returned no result")
		}
		return runs, optimization.WrapError(err, "evaluator: "+op)
	}
	if err != nil {
		s.logger.Warn("Driver stopped early",
			zap.Error(err),
			zap.String("status", result.Status.String()),
		)
	}

	best := clampTo(make([]float64, s.designDim), result.X, lower, upper)
	if err := s.SetDesignVariables(optimization.Unflatten(s.vars, best)); err != nil {
		return runs, err
	}
	if err := s.Run(ctx); err != nil {
		return runs, optimization.WrapError(err, "evaluator: "+op)
	}
	runs++

	s.logger.Debug("Driver finished",
		zap.String("method", method),
		zap.Int("runs", runs),
		zap.Int("major_iterations", result.Stats.MajorIterations),
		zap.Float64("objective", s.mu+s.eta*s.sigma),
	)
	return runs, nil
}
