package sampling

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
)

// CollocationSampler places uncertain points on an equal-probability
// midpoint tensor grid. Generate raises the per-dimension level by count, so
// fidelity grows as level^d.
type CollocationSampler struct {
	*base
	level int
}

// NewCollocationSampler returns a sampler at level 0 (no points)
func NewCollocationSampler(fn problems.Function, center []float64, dists []Distribution, opts ...Option) (*CollocationSampler, error) {
	b, err := newBase(fn, center, dists, opts)
	if err != nil {
		return nil, err
	}
	return &CollocationSampler{base: b}, nil
}

// Level returns the number of grid points per uncertain dimension
func (s *CollocationSampler) Level() int { return s.level }

func (s *CollocationSampler) SetCenter(center []float64) {
	s.setCenter(center)
}

// Growth counts the grid points gained by raising the level by count
func (s *CollocationSampler) Growth(count int) int {
	if count <= 0 {
		return 0
	}
	return gridSize(s.level+count, len(s.dists)) - len(s.points)
}

func gridSize(level, dim int) int {
	n := 1
	for range dim {
		n *= level
	}
	return n
}

func (s *CollocationSampler) Generate(ctx context.Context, count int) (*optimization.SampleSet, error) {
	var fresh [][]float64
	if count > 0 {
		prev := s.points
		s.level += count
		s.points = MidpointGrid(s.dists, s.level)
		s.invalidate()
		for _, p := range s.points {
			if !containsPoint(prev, p) {
				fresh = append(fresh, p)
			}
		}
	}

	var (
		out *optimization.SampleSet
		err error
	)
	if s.externalOnly {
		out, err = s.evaluate(ctx, fresh)
	} else {
		out, err = s.full(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.current = out
	s.logger.Debug("Raised collocation level",
		zap.Int("level", s.level),
		zap.Int("total", len(s.points)),
		zap.Int("returned", out.Len()),
	)
	return out.Clone(), nil
}

func (s *CollocationSampler) Samples(ctx context.Context) (*optimization.SampleSet, error) {
	out, err := s.full(ctx)
	if err != nil {
		return nil, err
	}
	s.current = out
	return out.Clone(), nil
}

func containsPoint(set [][]float64, p []float64) bool {
	for _, q := range set {
		if slices.Equal(q, p) {
			return true
		}
	}
	return false
}
