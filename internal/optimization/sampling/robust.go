package sampling

import (
	"context"
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
)

// RobustSampler draws random or Latin hypercube uncertain points.
//
// When the center moves, retained points are re-evaluated at the new center.
// Without retention the same number of points is redrawn instead.
type RobustSampler struct {
	*base
	method Method
	retain bool
	rng    *rand.Rand
	redraw bool
}

// NewRobustSampler returns an empty sampler; call Generate to draw points.
func NewRobustSampler(fn problems.Function, center []float64, dists []Distribution, method Method, retain bool, opts ...Option) (*RobustSampler, error) {
	b, err := newBase(fn, center, dists, opts)
	if err != nil {
		return nil, err
	}
	switch method {
	case "":
		method = MethodRandom
	case MethodRandom, MethodLHS:
	default:
		return nil, optimization.ConfigurationErrorf("sampler", "NewRobustSampler", "unknown sampling method %q", method)
	}
	return &RobustSampler{
		base:   b,
		method: method,
		retain: retain,
		rng:    NewRand(b.seed),
	}, nil
}

// Method returns the draw method
func (s *RobustSampler) Method() Method { return s.method }

// Retain reports whether uncertain points survive a center move
func (s *RobustSampler) Retain() bool { return s.retain }

func (s *RobustSampler) SetCenter(center []float64) {
	if s.setCenter(center) && !s.retain && len(s.points) > 0 {
		s.redraw = true
	}
}

func (s *RobustSampler) Growth(count int) int { return max(count, 0) }

func (s *RobustSampler) draw(ctx context.Context, n int) ([][]float64, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.share(ctx, Draw(s.method, s.rng, s.dists, n))
}

func (s *RobustSampler) refresh(ctx context.Context) error {
	if !s.redraw {
		return nil
	}
	points, err := s.draw(ctx, len(s.points))
	if err != nil {
		return err
	}
	s.points = points
	s.redraw = false
	s.invalidate()
	return nil
}

func (s *RobustSampler) Generate(ctx context.Context, count int) (*optimization.SampleSet, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	fresh, err := s.draw(ctx, count)
	if err != nil {
		return nil, err
	}
	s.points = append(s.points, fresh...)

	var out *optimization.SampleSet
	if s.externalOnly {
		out, err = s.evaluate(ctx, fresh)
	} else {
		out, err = s.full(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.current = out
	s.logger.Debug("Generated samples",
		zap.String("method", string(s.method)),
		zap.Int("added", len(fresh)),
		zap.Int("total", len(s.points)),
		zap.Int("returned", out.Len()),
	)
	return out.Clone(), nil
}

func (s *RobustSampler) Samples(ctx context.Context) (*optimization.SampleSet, error) {
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	out, err := s.full(ctx)
	if err != nil {
		return nil, err
	}
	s.current = out
	return out.Clone(), nil
}
