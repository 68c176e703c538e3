// Package sampling draws uncertain-input samples around a design center and
// evaluates a black-box function at the joint locations [center, u].
package sampling

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
)

// Sampler produces evaluated samples for one evaluator. The fidelity of a
// sampler is the number of uncertain points it currently holds.
type Sampler interface {
	// Dim is the joint location dimension
	Dim() int

	// Len is the number of uncertain points held
	Len() int

	// SetCenter moves the design block of every location
	SetCenter(center []float64)

	// Center returns a copy of the design center
	Center() []float64

	// Generate adds count uncertain points. With ExternalOnly it returns
	// just the new samples, otherwise the full set at the current center.
	Generate(ctx context.Context, count int) (*optimization.SampleSet, error)

	// Growth is the number of points Generate(count) would add
	Growth(count int) int

	// Samples returns the full set evaluated at the current center
	Samples(ctx context.Context) (*optimization.SampleSet, error)

	// Current returns the set handed out by the last Generate or Samples call
	Current() *optimization.SampleSet

	// ExternalOnly reports whether Generate restricts its output to new samples
	ExternalOnly() bool
}

// Option configures a sampler
type Option func(*base)

// WithExternalOnly restricts Generate to newly added samples
func WithExternalOnly(v bool) Option {
	return func(b *base) { b.externalOnly = v }
}

// WithGroup shares drawn points from rank 0 so replicas stay identical
func WithGroup(g group.Group) Option {
	return func(b *base) { b.group = g }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(b *base) { b.logger = l }
}

// WithSeed fixes the random stream
func WithSeed(seed uint64) Option {
	return func(b *base) { b.seed = seed }
}

// base holds the uncertain points and a cache of their evaluations at the
// last center.
type base struct {
	fn           problems.Function
	designDim    int
	dists        []Distribution
	center       []float64
	points       [][]float64
	externalOnly bool
	group        group.Group
	logger       *zap.Logger
	seed         uint64

	cache       *optimization.SampleSet
	cacheCenter []float64
	current     *optimization.SampleSet
}

func newBase(fn problems.Function, center []float64, dists []Distribution, opts []Option) (*base, error) {
	const op = "sampling.New"
	if fn == nil {
		return nil, optimization.ConfigurationErrorf("sampler", op, "function is nil")
	}
	if len(dists) == 0 {
		return nil, optimization.ConfigurationErrorf("sampler", op, "at least one uncertain input is required")
	}
	if len(center)+len(dists) != fn.Dim() {
		return nil, optimization.DimensionMismatch("sampler", op, len(center)+len(dists), fn.Dim())
	}
	b := &base{
		fn:        fn,
		designDim: len(center),
		dists:     dists,
		center:    slices.Clone(center),
		group:     group.Single(),
		logger:    zap.NewNop(),
		seed:      1,
	}
	for _, o := range opts {
		o(b)
	}
	b.logger = b.logger.Named("sampler")
	return b, nil
}

func (b *base) Dim() int           { return b.fn.Dim() }
func (b *base) Len() int           { return len(b.points) }
func (b *base) Center() []float64  { return slices.Clone(b.center) }
func (b *base) ExternalOnly() bool { return b.externalOnly }

func (b *base) Current() *optimization.SampleSet { return b.current.Clone() }

func (b *base) setCenter(center []float64) bool {
	if slices.Equal(center, b.center) {
		return false
	}
	b.center = slices.Clone(center)
	return true
}

// share replaces points with rank 0's copy
func (b *base) share(ctx context.Context, points [][]float64) ([][]float64, error) {
	if b.group.Size() == 1 {
		return points, nil
	}
	du := len(b.dists)
	var flat []float64
	if b.group.Rank() == 0 {
		flat = make([]float64, 0, len(points)*du)
		for _, p := range points {
			flat = append(flat, p...)
		}
	}
	flat, err := b.group.Broadcast(ctx, 0, flat)
	if err != nil {
		return nil, optimization.WrapError(err, "sampler: broadcast points")
	}
	out := make([][]float64, len(flat)/du)
	for i := range out {
		out[i] = flat[i*du : (i+1)*du : (i+1)*du]
	}
	return out, nil
}

func (b *base) evaluate(ctx context.Context, points [][]float64) (*optimization.SampleSet, error) {
	set := &optimization.SampleSet{
		Locations: make([][]float64, len(points)),
		Values:    make([]float64, len(points)),
		Gradients: make([][]float64, len(points)),
	}
	for i, u := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x := make([]float64, 0, b.fn.Dim())
		x = append(x, b.center...)
		x = append(x, u...)
		set.Locations[i] = x
		set.Values[i] = b.fn.Eval(x)
		set.Gradients[i] = b.fn.Grad(x)
	}
	return set, nil
}

// full returns every point evaluated at the current center, evaluating only
// what the cache does not cover.
func (b *base) full(ctx context.Context) (*optimization.SampleSet, error) {
	if b.cache == nil || !slices.Equal(b.cacheCenter, b.center) {
		b.cache = &optimization.SampleSet{}
		b.cacheCenter = slices.Clone(b.center)
	}
	if have := b.cache.Len(); have < len(b.points) {
		fresh, err := b.evaluate(ctx, b.points[have:])
		if err != nil {
			return nil, err
		}
		b.cache.Append(fresh)
	}
	return b.cache.Clone(), nil
}

func (b *base) invalidate() {
	b.cache = nil
	b.cacheCenter = nil
}

// New builds a sampler by kind: "random", "lhs" or "collocation"
func New(kind string, fn problems.Function, center []float64, dists []Distribution, retain bool, opts ...Option) (Sampler, error) {
	switch kind {
	case "collocation":
		return NewCollocationSampler(fn, center, dists, opts...)
	case "", string(MethodRandom), string(MethodLHS):
		return NewRobustSampler(fn, center, dists, Method(kind), retain, opts...)
	default:
		return nil, optimization.ConfigurationErrorf("sampler", "sampling.New", "unknown sampler %q", kind)
	}
}
