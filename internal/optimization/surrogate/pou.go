// Package surrogate implements a gradient-enhanced partition-of-unity
// surrogate. Each stored sample contributes a first-order Taylor expansion
// f_i + g_i.(x - x_i), and the expansions are blended with weights that decay
// with the regularized distance from the query point.
package surrogate

import (
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/kernels"
)

// DefaultDelta regularizes the distance function at the sample locations
const DefaultDelta = 1e-10

// Blend selects what Eval returns from the weighted local expansions
type Blend int

const (
	// BlendWeighted returns sum(local_i*w_i)/sum(w_i)
	BlendWeighted Blend = iota
	// BlendReciprocal returns 1/sum(w_i), ignoring the local expansions
	BlendReciprocal
)

// String implements fmt.Stringer
func (b Blend) String() string {
	switch b {
	case BlendWeighted:
		return "weighted"
	case BlendReciprocal:
		return "reciprocal"
	default:
		return "unknown"
	}
}

// ParseBlend converts a name to a Blend
func ParseBlend(name string) (Blend, error) {
	switch name {
	case "", "weighted":
		return BlendWeighted, nil
	case "reciprocal":
		return BlendReciprocal, nil
	default:
		return 0, optimization.ConfigurationErrorf("surrogate", "ParseBlend", "unknown blend %q", name)
	}
}

// POU is a gradient-enhanced partition-of-unity surrogate. rho and delta are
// fixed at construction; the sample store only grows.
type POU struct {
	store *SampleStore

	rho   float64
	delta float64

	kernelName string
	kernel     kernels.Kernel
	blend      Blend
	locator    Locator

	logger *zap.Logger
}

// Option configures a POU at construction
type Option func(*POU)

// WithDelta sets the distance regularization constant
func WithDelta(delta float64) Option {
	return func(p *POU) { p.delta = delta }
}

// WithBlend selects the blend mode
func WithBlend(b Blend) Option {
	return func(p *POU) { p.blend = b }
}

// WithKernel selects the weight kernel by name ("exponential", "gaussian")
func WithKernel(name string) Option {
	return func(p *POU) { p.kernelName = name }
}

// WithLocator replaces the exhaustive nearest-sample scan
func WithLocator(l Locator) Option {
	return func(p *POU) { p.locator = l }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *POU) { p.logger = l }
}

// New builds a surrogate from n >= 1 samples. The dimension is taken from the
// first location.
func New(locations [][]float64, values []float64, gradients [][]float64, rho float64, opts ...Option) (*POU, error) {
	const op = "New"

	p := &POU{
		rho:     rho,
		delta:   DefaultDelta,
		blend:   BlendWeighted,
		locator: ExhaustiveLocator{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("surrogate")

	if len(locations) == 0 {
		return nil, optimization.InsufficientData("surrogate", op)
	}
	if !(p.delta > 0) {
		return nil, optimization.ConfigurationErrorf("surrogate", op, "delta must be positive, got %v", p.delta)
	}
	if p.blend != BlendWeighted && p.blend != BlendReciprocal {
		return nil, optimization.ConfigurationErrorf("surrogate", op, "unknown blend %d", int(p.blend))
	}
	k, err := kernels.New(p.kernelName, rho)
	if err != nil {
		return nil, optimization.ConfigurationErrorf("surrogate", op, "%v", err)
	}
	p.kernel = k

	dim := len(locations[0])
	if dim == 0 {
		return nil, optimization.DimensionMismatch("surrogate", op, 0, 1)
	}
	p.store = NewSampleStore(dim)
	if err := p.store.Add(locations, values, gradients); err != nil {
		return nil, err
	}
	p.locator.Insert(p.store, 0)

	p.logger.Debug("Built POU surrogate",
		zap.Int("samples", p.store.Len()),
		zap.Int("dim", dim),
		zap.Float64("rho", rho),
		zap.Float64("delta", p.delta),
		zap.Stringer("blend", p.blend),
	)
	return p, nil
}

// AddPoints appends samples. Evaluation always reads the current store, so
// no refit is needed.
func (p *POU) AddPoints(locations [][]float64, values []float64, gradients [][]float64) error {
	from := p.store.Len()
	if err := p.store.Add(locations, values, gradients); err != nil {
		return err
	}
	p.locator.Insert(p.store, from)

	p.logger.Debug("Added surrogate samples",
		zap.Int("added", len(locations)),
		zap.Int("samples", p.store.Len()),
	)
	return nil
}

// AddSampleSet appends a SampleSet
func (p *POU) AddSampleSet(s *optimization.SampleSet) error {
	if s.Len() == 0 {
		return nil
	}
	return p.AddPoints(s.Locations, s.Values, s.Gradients)
}

// Len returns the number of samples
func (p *POU) Len() int { return p.store.Len() }

// Dim returns the input dimension
func (p *POU) Dim() int { return p.store.Dim() }

// Rho returns the locality hyperparameter
func (p *POU) Rho() float64 { return p.rho }

// Delta returns the distance regularization constant
func (p *POU) Delta() float64 { return p.delta }

// Blend returns the blend mode
func (p *POU) Blend() Blend { return p.blend }

// Store returns the underlying sample store. Callers must not modify it.
func (p *POU) Store() *SampleStore { return p.store }

func (p *POU) check(x []float64, op string) error {
	if p.store.Len() == 0 {
		return optimization.InsufficientData("surrogate", op)
	}
	if len(x) != p.store.Dim() {
		return optimization.DimensionMismatch("surrogate", op, len(x), p.store.Dim())
	}
	for i, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return optimization.NonFinite("surrogate", op, i, v)
		}
	}
	return nil
}

// Eval returns the surrogate estimate at x
func (p *POU) Eval(x []float64) (float64, error) {
	const op = "POU.Eval"
	if err := p.check(x, op); err != nil {
		return 0, err
	}

	_, mindist := p.locator.Nearest(p.store, x, p.delta)
	diff := make([]float64, p.store.Dim())

	var numer, denom float64
	for i := 0; i < p.store.Len(); i++ {
		xi := p.store.Location(i)
		floats.SubTo(diff, x, xi)

		dist := regDist(x, xi, p.delta)
		local := p.store.Value(i) + floats.Dot(p.store.Gradient(i), diff)
		w := p.kernel.Weight(dist, mindist)

		numer += local * w
		denom += w
	}

	if p.blend == BlendReciprocal {
		return 1 / denom, nil
	}
	return numer / denom, nil
}

// EvalGrad returns the gradient of Eval with respect to x. The nearest-sample
// index is treated as locally constant, which holds everywhere except at
// distance ties.
func (p *POU) EvalGrad(x []float64) ([]float64, error) {
	const op = "POU.EvalGrad"
	if err := p.check(x, op); err != nil {
		return nil, err
	}

	dim := p.store.Dim()
	imin, mindist := p.locator.Nearest(p.store, x, p.delta)

	dmindist := make([]float64, dim)
	floats.SubTo(dmindist, x, p.store.Location(imin))
	floats.Scale(1/mindist, dmindist)

	diff := make([]float64, dim)
	dw := make([]float64, dim)
	dnumer := make([]float64, dim)
	ddenom := make([]float64, dim)

	var numer, denom float64
	for i := 0; i < p.store.Len(); i++ {
		xi := p.store.Location(i)
		gi := p.store.Gradient(i)
		floats.SubTo(diff, x, xi)

		dist := regDist(x, xi, p.delta)
		local := p.store.Value(i) + floats.Dot(gi, diff)
		w := p.kernel.Weight(dist, mindist)
		wDist, wMin := p.kernel.Derivative(dist, mindist)

		// dw = wDist * (x - xi)/dist + wMin * dmindist
		floats.ScaleTo(dw, wDist/dist, diff)
		floats.AddScaled(dw, wMin, dmindist)

		numer += local * w
		denom += w

		floats.AddScaled(dnumer, w, gi)
		floats.AddScaled(dnumer, local, dw)
		floats.Add(ddenom, dw)
	}

	grad := make([]float64, dim)
	if p.blend == BlendReciprocal {
		floats.ScaleTo(grad, -1/(denom*denom), ddenom)
		return grad, nil
	}

	// (dnumer*denom - numer*ddenom) / denom^2
	floats.ScaleTo(grad, 1/denom, dnumer)
	floats.AddScaled(grad, -numer/(denom*denom), ddenom)
	return grad, nil
}

// Predict evaluates the surrogate at each row of X
func (p *POU) Predict(X mat.Matrix) (*mat.VecDense, error) {
	const op = "POU.Predict"
	if X == nil {
		return nil, optimization.InsufficientData("surrogate", op)
	}
	r, c := X.Dims()
	if c != p.store.Dim() {
		return nil, optimization.DimensionMismatch("surrogate", op, c, p.store.Dim())
	}
	out := mat.NewVecDense(r, nil)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(row, i, X)
		v, err := p.Eval(row)
		if err != nil {
			return nil, err
		}
		out.SetVec(i, v)
	}
	return out, nil
}

// Nearest returns the index and regularized distance of the closest sample
func (p *POU) Nearest(x []float64) (int, float64, error) {
	if err := p.check(x, "POU.Nearest"); err != nil {
		return -1, math.Inf(1), err
	}
	i, d := p.locator.Nearest(p.store, x, p.delta)
	return i, d, nil
}
