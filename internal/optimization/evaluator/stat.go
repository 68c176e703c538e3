// Package evaluator implements the robust-statistic evaluator used as both
// the model and the truth of a two-fidelity solve. It minimizes
//
//	musigma(d) = mean_u f(d, u) + eta * stddev_u f(d, u)
//
// where the moments are taken over sampled uncertain inputs u, either
// directly from black-box evaluations or through a POU surrogate trained on
// them.
package evaluator

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
	"github.com/copyleftdev/mfsolve/internal/optimization/sampling"
	"github.com/copyleftdev/mfsolve/internal/optimization/surrogate"
)

// Output names
const (
	OutputMuSigma = "musigma"
	OutputMu      = "mu"
	OutputSigma   = "sigma"
	OutputMass    = "mass"
)

const (
	defaultInitialSamples = 10
	defaultEvalPoints     = 100
)

// SurrogateConfig turns the evaluator into a surrogate-backed model
type SurrogateConfig struct {
	Rho    float64
	Delta  float64
	Kernel string
	Blend  surrogate.Blend
	KDTree bool

	// EvalPoints is the size of the fixed uncertain design the statistic
	// is integrated over.
	EvalPoints int
}

// Config holds the parameters of a Stat evaluator
type Config struct {
	Name            string
	Function        problems.Function
	DesignVariables []optimization.DesignVariable
	Initial         optimization.DesignPoint
	Sampler         sampling.Sampler
	InitialSamples  int
	Eta             float64

	// Distributions of the uncertain block; required with Surrogate
	Distributions []sampling.Distribution
	Surrogate     *SurrogateConfig
	Driver        DriverConfig
	Seed          uint64
	Logger        *zap.Logger
}

// Stat evaluates mean-plus-sigma statistics of a black-box function.
type Stat struct {
	name      string
	fn        problems.Function
	vars      []optimization.DesignVariable
	designDim int
	point     optimization.DesignPoint
	sampler   sampling.Sampler
	initial   int
	eta       float64
	driver    DriverConfig
	logger    *zap.Logger

	surrogateCfg *SurrogateConfig
	pou          *surrogate.POU
	evalPoints   [][]float64

	// approximate mode
	tol         float64
	maxFidelity int

	// trust region for the next RunDriver call; radius < 0 disables it
	trustCenter optimization.DesignPoint
	trustRadius float64

	ran     bool
	mu      float64
	sigma   float64
	dmu     []float64
	dsigma  []float64
	samples int
}

// NewStat validates cfg and returns an evaluator positioned at cfg.Initial
func NewStat(cfg Config) (*Stat, error) {
	const op = "NewStat"
	if cfg.Function == nil {
		return nil, optimization.ConfigurationErrorf("evaluator", op, "function is nil")
	}
	if cfg.Sampler == nil {
		return nil, optimization.ConfigurationErrorf("evaluator", op, "sampler is nil")
	}
	if len(cfg.DesignVariables) == 0 {
		return nil, optimization.ConfigurationErrorf("evaluator", op, "no design variables declared")
	}
	designDim := optimization.TotalSize(cfg.DesignVariables)
	if designDim >= cfg.Function.Dim() {
		return nil, optimization.DimensionMismatch("evaluator", op, designDim, cfg.Function.Dim()-1)
	}
	if cfg.Sampler.Dim() != cfg.Function.Dim() {
		return nil, optimization.DimensionMismatch("evaluator", op, cfg.Sampler.Dim(), cfg.Function.Dim())
	}
	if err := optimization.CheckDesignPoint(cfg.DesignVariables, cfg.Initial); err != nil {
		return nil, err
	}
	if cfg.Eta < 0 {
		return nil, optimization.ConfigurationErrorf("evaluator", op, "eta must be non-negative, got %g", cfg.Eta)
	}
	if cfg.InitialSamples <= 0 {
		cfg.InitialSamples = defaultInitialSamples
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Function.Name()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Stat{
		name:        cfg.Name,
		fn:          cfg.Function,
		vars:        append([]optimization.DesignVariable(nil), cfg.DesignVariables...),
		designDim:   designDim,
		point:       cfg.Initial.Clone(),
		sampler:     cfg.Sampler,
		initial:     cfg.InitialSamples,
		eta:         cfg.Eta,
		driver:      cfg.Driver.withDefaults(),
		logger:      cfg.Logger.Named("stat_evaluator").With(zap.String("evaluator", cfg.Name)),
		trustRadius: -1,
	}

	if sc := cfg.Surrogate; sc != nil {
		if sc.Rho <= 0 {
			return nil, optimization.ConfigurationErrorf("evaluator", op, "surrogate rho must be positive, got %g", sc.Rho)
		}
		uncertainDim := cfg.Function.Dim() - designDim
		if len(cfg.Distributions) != uncertainDim {
			return nil, optimization.DimensionMismatch("evaluator", op, len(cfg.Distributions), uncertainDim)
		}
		sc := *sc
		if sc.EvalPoints <= 0 {
			sc.EvalPoints = defaultEvalPoints
		}
		s.surrogateCfg = &sc
		s.evalPoints = sampling.LatinHypercube(sampling.NewRand(cfg.Seed+1), cfg.Distributions, sc.EvalPoints)
	}
	return s, nil
}

func (s *Stat) Name() string { return s.name }

func (s *Stat) DesignVariables() []optimization.DesignVariable {
	return append([]optimization.DesignVariable(nil), s.vars...)
}

func (s *Stat) SetDesignVariables(p optimization.DesignPoint) error {
	if err := optimization.CheckDesignPoint(s.vars, p); err != nil {
		return err
	}
	s.point = p.Clone()
	s.ran = false
	return nil
}

func (s *Stat) DesignVariableValues() optimization.DesignPoint { return s.point.Clone() }

func (s *Stat) Objective() string { return OutputMuSigma }

func (s *Stat) Functions() []optimization.FunctionSpec {
	return []optimization.FunctionSpec{
		{Name: OutputMuSigma, RequiresState: true},
		{Name: OutputMu, RequiresState: true},
		{Name: OutputSigma, RequiresState: true},
		{Name: OutputMass, RequiresState: false},
	}
}

// Fidelity is the surrogate size, or the number of sampled uncertain points
func (s *Stat) Fidelity() int {
	if s.surrogateCfg != nil {
		if s.pou == nil {
			return 0
		}
		return s.pou.Len()
	}
	return s.sampler.Len()
}

// Surrogate reports whether a POU surrogate backs the statistic
func (s *Stat) Surrogate() bool { return s.surrogateCfg != nil }

// CurrentSamples returns the samples behind the latest evaluation
func (s *Stat) CurrentSamples() *optimization.SampleSet { return s.sampler.Current() }

// SetTolerance makes Run grow the sample count until the standard error of
// the mean drops to tol or maxFidelity samples are held. tol <= 0 disables
// the adaptation.
func (s *Stat) SetTolerance(tol float64, maxFidelity int) {
	s.tol = tol
	s.maxFidelity = maxFidelity
}

// Run recomputes the statistic at the current design point
func (s *Stat) Run(ctx context.Context) error {
	const op = "Stat.Run"
	if err := ctx.Err(); err != nil {
		return err
	}
	center := s.point.Flatten(s.vars)
	s.sampler.SetCenter(center)

	var (
		values []float64
		grads  [][]float64
		err    error
	)
	if s.surrogateCfg != nil {
		values, grads, err = s.surrogateMoments(ctx, center)
	} else {
		values, grads, err = s.sampledMoments(ctx)
	}
	if err != nil {
		return optimization.WrapError(err, "evaluator: "+op)
	}

	s.moments(values, grads)
	s.ran = true
	s.logger.Debug("Evaluated statistic",
		zap.Float64("mu", s.mu),
		zap.Float64("sigma", s.sigma),
		zap.Int("samples", s.samples),
		zap.Int("fidelity", s.Fidelity()),
	)
	return nil
}

func (s *Stat) sampledMoments(ctx context.Context) ([]float64, [][]float64, error) {
	if s.sampler.Len() == 0 {
		if _, err := s.sampler.Generate(ctx, s.initial); err != nil {
			return nil, nil, err
		}
	}
	set, err := s.sampler.Samples(ctx)
	if err != nil {
		return nil, nil, err
	}

	for s.tol > 0 && set.Len() < s.maxFidelity && standardError(set.Values) > s.tol {
		room := s.maxFidelity - set.Len()
		grow := min(set.Len(), room)
		// a step can add more points than it asks for (collocation levels)
		for grow > 0 && s.sampler.Growth(grow) > room {
			grow--
		}
		if grow == 0 {
			break
		}
		if _, err := s.sampler.Generate(ctx, grow); err != nil {
			return nil, nil, err
		}
		if set, err = s.sampler.Samples(ctx); err != nil {
			return nil, nil, err
		}
	}
	return set.Values, set.Gradients, nil
}

func (s *Stat) surrogateMoments(ctx context.Context, center []float64) ([]float64, [][]float64, error) {
	if err := s.ensureTrained(ctx); err != nil {
		return nil, nil, err
	}
	values := make([]float64, len(s.evalPoints))
	grads := make([][]float64, len(s.evalPoints))
	x := make([]float64, s.fn.Dim())
	copy(x, center)
	for j, u := range s.evalPoints {
		copy(x[s.designDim:], u)
		v, err := s.pou.Eval(x)
		if err != nil {
			return nil, nil, err
		}
		g, err := s.pou.EvalGrad(x)
		if err != nil {
			return nil, nil, err
		}
		values[j] = v
		grads[j] = g
	}
	return values, grads, nil
}

func (s *Stat) ensureTrained(ctx context.Context) error {
	if s.pou != nil {
		return nil
	}
	s.sampler.SetCenter(s.point.Flatten(s.vars))
	set, err := s.sampler.Generate(ctx, s.initial)
	if err != nil {
		return err
	}
	return s.train(set)
}

func (s *Stat) train(set *optimization.SampleSet) error {
	if s.pou == nil {
		sc := s.surrogateCfg
		opts := []surrogate.Option{
			surrogate.WithBlend(sc.Blend),
			surrogate.WithKernel(sc.Kernel),
			surrogate.WithLogger(s.logger),
		}
		if sc.Delta > 0 {
			opts = append(opts, surrogate.WithDelta(sc.Delta))
		}
		if sc.KDTree {
			opts = append(opts, surrogate.WithLocator(surrogate.NewKDTreeLocator()))
		}
		pou, err := surrogate.New(set.Locations, set.Values, set.Gradients, sc.Rho, opts...)
		if err != nil {
			return err
		}
		s.pou = pou
		return nil
	}
	return s.pou.AddSampleSet(s.unseen(set))
}

// unseen drops samples that coincide with one already in the surrogate
func (s *Stat) unseen(set *optimization.SampleSet) *optimization.SampleSet {
	out := &optimization.SampleSet{}
	floor := math.Sqrt(s.pou.Delta())
	for i, x := range set.Locations {
		if _, d, err := s.pou.Nearest(x); err == nil && d <= floor {
			continue
		}
		out.Locations = append(out.Locations, x)
		out.Values = append(out.Values, set.Values[i])
		out.Gradients = append(out.Gradients, set.Gradients[i])
	}
	return out
}

// moments computes mu, sigma and their design gradients from samples
func (s *Stat) moments(values []float64, grads [][]float64) {
	n := len(values)
	s.samples = n
	s.dmu = make([]float64, s.designDim)
	s.dsigma = make([]float64, s.designDim)

	if n < 2 {
		s.mu = values[0]
		s.sigma = 0
		copy(s.dmu, grads[0][:s.designDim])
		return
	}

	s.mu, s.sigma = stat.MeanStdDev(values, nil)
	for j, g := range grads {
		gd := g[:s.designDim]
		floats.Add(s.dmu, gd)
		if s.sigma > 0 {
			floats.AddScaled(s.dsigma, values[j]-s.mu, gd)
		}
	}
	floats.Scale(1/float64(n), s.dmu)
	if s.sigma > 0 {
		floats.Scale(1/(float64(n-1)*s.sigma), s.dsigma)
	}
}

func standardError(values []float64) float64 {
	if len(values) < 2 {
		return math.Inf(1)
	}
	return stat.StdDev(values, nil) / math.Sqrt(float64(len(values)))
}

func (s *Stat) mass() float64 {
	x := s.point.Flatten(s.vars)
	return floats.Dot(x, x)
}

func (s *Stat) spec(name string) (optimization.FunctionSpec, bool) {
	for _, f := range s.Functions() {
		if f.Name == name {
			return f, true
		}
	}
	return optimization.FunctionSpec{}, false
}

// Value returns the last computed value of the named output. State-free
// outputs are available before Run.
func (s *Stat) Value(name string) ([]float64, error) {
	const op = "Stat.Value"
	f, ok := s.spec(name)
	if !ok {
		return nil, optimization.ConfigurationErrorf("evaluator", op, "unknown output %q", name)
	}
	if !f.RequiresState {
		return []float64{s.mass()}, nil
	}
	if !s.ran {
		return nil, optimization.InsufficientData("evaluator", op).WithComponent(s.name)
	}
	switch name {
	case OutputMu:
		return []float64{s.mu}, nil
	case OutputSigma:
		return []float64{s.sigma}, nil
	}
	return []float64{s.mu + s.eta*s.sigma}, nil
}

// ComputeGradient returns the design gradient of every output in Functions
// order. State-free rows are closed form; the rest are assembled from the
// sampled moments of the last Run.
func (s *Stat) ComputeGradient(ctx context.Context) (*mat.Dense, error) {
	const op = "Stat.ComputeGradient"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fns := s.Functions()
	stateful := optimization.FilterFunctions(fns, optimization.RequiresState)
	if len(stateful) > 0 && !s.ran {
		return nil, optimization.InsufficientData("evaluator", op).WithComponent(s.name)
	}

	rows := make(map[string][]float64, len(fns))
	for _, f := range optimization.FilterFunctions(fns, optimization.StateFree) {
		row := make([]float64, s.designDim)
		floats.ScaleTo(row, 2, s.point.Flatten(s.vars))
		rows[f.Name] = row
	}
	for _, f := range stateful {
		rows[f.Name] = s.momentGradient(f.Name)
	}

	G := mat.NewDense(len(fns), s.designDim, nil)
	for i, f := range fns {
		G.SetRow(i, rows[f.Name])
	}
	return G, nil
}

func (s *Stat) momentGradient(name string) []float64 {
	row := make([]float64, s.designDim)
	switch name {
	case OutputMu:
		copy(row, s.dmu)
	case OutputSigma:
		copy(row, s.dsigma)
	default:
		floats.AddScaledTo(row, s.dmu, s.eta, s.dsigma)
	}
	return row
}

// Refine adds count samples around the current design point
func (s *Stat) Refine(ctx context.Context, count int) (int, error) {
	const op = "Stat.Refine"
	if count <= 0 {
		return s.Fidelity(), nil
	}
	s.sampler.SetCenter(s.point.Flatten(s.vars))

	if s.surrogateCfg != nil {
		if err := s.ensureTrained(ctx); err != nil {
			return 0, optimization.WrapError(err, "evaluator: "+op)
		}
		set, err := s.sampler.Generate(ctx, count)
		if err != nil {
			return 0, optimization.WrapError(err, "evaluator: "+op)
		}
		if err := s.train(set); err != nil {
			return 0, optimization.WrapError(err, "evaluator: "+op)
		}
	} else if _, err := s.sampler.Generate(ctx, count); err != nil {
		return 0, optimization.WrapError(err, "evaluator: "+op)
	}

	s.ran = false
	s.logger.Info("Refined evaluator",
		zap.Int("added", count),
		zap.Int("fidelity", s.Fidelity()),
	)
	return s.Fidelity(), nil
}

// Train adds externally produced samples to the surrogate
func (s *Stat) Train(set *optimization.SampleSet) (int, error) {
	const op = "Stat.Train"
	if s.surrogateCfg == nil {
		return 0, optimization.ConfigurationErrorf("evaluator", op, "%s is not surrogate-backed", s.name)
	}
	if set.Len() == 0 {
		return s.Fidelity(), nil
	}
	if err := s.train(set); err != nil {
		return 0, optimization.WrapError(err, "evaluator: "+op)
	}
	s.ran = false
	return s.Fidelity(), nil
}

// SetTrustRegion limits the next RunDriver call to a box of half-width
// radius around center.
func (s *Stat) SetTrustRegion(center optimization.DesignPoint, radius float64) {
	s.trustCenter = center.Clone()
	s.trustRadius = radius
}

var (
	_ optimization.Driver       = (*Stat)(nil)
	_ optimization.Refinable    = (*Stat)(nil)
	_ optimization.Approximable = (*Stat)(nil)
	_ optimization.SampleSource = (*Stat)(nil)
	_ optimization.TrustBounded = (*Stat)(nil)
)
