package sampling

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"
)

// Distribution is a univariate law for one uncertain input. Draws go
// through the quantile so every sampler shares one random stream.
type Distribution interface {
	Quantile(p float64) float64
	Mean() float64
}

// DistributionSpec is the serialized form of a Distribution.
//
//	uniform: Lower, Upper (or Params [lower, upper])
//	beta:    Params [alpha, beta] scaled to [Lower, Upper], default [0, 1]
//	normal:  Params [mu, sigma]
type DistributionSpec struct {
	Kind   string    `yaml:"kind" json:"kind"`
	Params []float64 `yaml:"params,omitempty" json:"params,omitempty"`
	Lower  float64   `yaml:"lower,omitempty" json:"lower,omitempty"`
	Upper  float64   `yaml:"upper,omitempty" json:"upper,omitempty"`
}

// NewDistribution builds the distribution described by spec
func NewDistribution(spec DistributionSpec) (Distribution, error) {
	switch strings.ToLower(spec.Kind) {
	case "uniform":
		lo, hi := spec.Lower, spec.Upper
		if len(spec.Params) == 2 {
			lo, hi = spec.Params[0], spec.Params[1]
		}
		if !(lo < hi) {
			return nil, fmt.Errorf("uniform needs lower < upper, got [%g, %g]", lo, hi)
		}
		return distuv.Uniform{Min: lo, Max: hi}, nil

	case "beta":
		if len(spec.Params) != 2 || spec.Params[0] <= 0 || spec.Params[1] <= 0 {
			return nil, fmt.Errorf("beta needs two positive shape parameters, got %v", spec.Params)
		}
		lo, hi := spec.Lower, spec.Upper
		if lo == 0 && hi == 0 {
			hi = 1
		}
		if !(lo < hi) {
			return nil, fmt.Errorf("beta needs lower < upper, got [%g, %g]", lo, hi)
		}
		return scaledBeta{b: distuv.Beta{Alpha: spec.Params[0], Beta: spec.Params[1]}, lo: lo, hi: hi}, nil

	case "normal":
		if len(spec.Params) != 2 || spec.Params[1] <= 0 {
			return nil, fmt.Errorf("normal needs [mu, sigma] with sigma > 0, got %v", spec.Params)
		}
		return distuv.Normal{Mu: spec.Params[0], Sigma: spec.Params[1]}, nil

	default:
		return nil, fmt.Errorf("unknown distribution %q", spec.Kind)
	}
}

// NewDistributions builds one distribution per spec
func NewDistributions(specs []DistributionSpec) ([]Distribution, error) {
	out := make([]Distribution, len(specs))
	for i, s := range specs {
		d, err := NewDistribution(s)
		if err != nil {
			return nil, fmt.Errorf("uncertain input %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// scaledBeta is a beta law mapped affinely onto [lo, hi]
type scaledBeta struct {
	b      distuv.Beta
	lo, hi float64
}

func (s scaledBeta) Mean() float64 {
	return s.lo + (s.hi-s.lo)*s.b.Mean()
}

// Quantile inverts the CDF by bisection; distuv.Beta has no closed form.
func (s scaledBeta) Quantile(p float64) float64 {
	if p <= 0 {
		return s.lo
	}
	if p >= 1 {
		return s.hi
	}
	a, b := 0.0, 1.0
	for i := 0; i < 100 && b-a > 1e-14; i++ {
		m := 0.5 * (a + b)
		if s.b.CDF(m) < p {
			a = m
		} else {
			b = m
		}
	}
	return s.lo + (s.hi-s.lo)*0.5*(a+b)
}

// probability bounds used when mapping stratified draws through a quantile
const (
	pMin = 1e-12
	pMax = 1 - 1e-12
)

func clampProb(p float64) float64 {
	return math.Max(pMin, math.Min(p, pMax))
}
