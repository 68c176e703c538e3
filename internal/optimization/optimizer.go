package optimization

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Solver defines the interface for two-fidelity solve loops
type Solver interface {
	// SolveFull runs outer iterations until convergence or the iteration cap
	SolveFull(ctx context.Context) (*Result, error)

	// Records returns the refinement records appended so far
	Records() []RefinementRecord
}

// DesignVariable describes one named design input of an evaluator.
// Lower and Upper are optional; nil means unbounded.
type DesignVariable struct {
	Name  string
	Size  int
	Lower []float64
	Upper []float64
}

// Bounded reports whether both bounds are declared
func (v DesignVariable) Bounded() bool {
	return len(v.Lower) == v.Size && len(v.Upper) == v.Size
}

// DesignPoint maps design variable names to their values
type DesignPoint map[string][]float64

// Clone returns a deep copy of the point
func (p DesignPoint) Clone() DesignPoint {
	if p == nil {
		return nil
	}
	out := make(DesignPoint, len(p))
	for k, v := range p {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Flatten concatenates the values of vars in declaration order
func (p DesignPoint) Flatten(vars []DesignVariable) []float64 {
	out := make([]float64, 0, TotalSize(vars))
	for _, v := range vars {
		out = append(out, p[v.Name]...)
	}
	return out
}

// Unflatten splits x into a DesignPoint following vars
func Unflatten(vars []DesignVariable, x []float64) DesignPoint {
	out := make(DesignPoint, len(vars))
	i := 0
	for _, v := range vars {
		out[v.Name] = append([]float64(nil), x[i:i+v.Size]...)
		i += v.Size
	}
	return out
}

// TotalSize returns the flattened length of vars
func TotalSize(vars []DesignVariable) int {
	n := 0
	for _, v := range vars {
		n += v.Size
	}
	return n
}

// CheckDesignPoint verifies that p carries exactly the variables in vars
// with matching sizes.
func CheckDesignPoint(vars []DesignVariable, p DesignPoint) error {
	const op = "CheckDesignPoint"
	if len(p) != len(vars) {
		return ConfigurationErrorf("design_point", op, "point has %d variables, evaluator declares %d", len(p), len(vars))
	}
	for _, v := range vars {
		val, ok := p[v.Name]
		if !ok {
			return ConfigurationErrorf("design_point", op, "missing design variable %q", v.Name)
		}
		if len(val) != v.Size {
			return ConfigurationErrorf("design_point", op, "design variable %q has size %d, declared %d", v.Name, len(val), v.Size)
		}
	}
	return nil
}

// SameDesignVariables reports whether a and b declare the same names and sizes,
// regardless of order.
func SameDesignVariables(a, b []DesignVariable) bool {
	if len(a) != len(b) {
		return false
	}
	sizes := make(map[string]int, len(a))
	for _, v := range a {
		sizes[v.Name] = v.Size
	}
	for _, v := range b {
		if s, ok := sizes[v.Name]; !ok || s != v.Size {
			return false
		}
	}
	return true
}

// FunctionSpec is a typed capability descriptor for an evaluator output.
// RequiresState marks functions whose derivatives need the converged
// internal state (sampled statistics) rather than a closed form.
type FunctionSpec struct {
	Name          string
	RequiresState bool
}

// RequiresState selects functions whose gradients need evaluator state
func RequiresState(f FunctionSpec) bool { return f.RequiresState }

// StateFree selects functions with closed-form gradients
func StateFree(f FunctionSpec) bool { return !f.RequiresState }

// FilterFunctions returns the specs accepted by keep, preserving order
func FilterFunctions(specs []FunctionSpec, keep func(FunctionSpec) bool) []FunctionSpec {
	out := make([]FunctionSpec, 0, len(specs))
	for _, s := range specs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// FunctionNames returns the names of specs
func FunctionNames(specs []FunctionSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

// Evaluator is the contract shared by the model and the truth.
type Evaluator interface {
	// Name identifies the evaluator in logs and results
	Name() string

	// DesignVariables returns the declared inputs in a fixed order
	DesignVariables() []DesignVariable

	// SetDesignVariables replaces the current design point
	SetDesignVariables(p DesignPoint) error

	// DesignVariableValues returns a copy of the current design point
	DesignVariableValues() DesignPoint

	// Run re-converges the evaluator at the current design point
	Run(ctx context.Context) error

	// Value returns the last computed value of the named output
	Value(name string) ([]float64, error)

	// ComputeGradient returns d(function)/d(design) with one row per
	// function in Functions() order and one column per flattened variable
	ComputeGradient(ctx context.Context) (*mat.Dense, error)

	// Fidelity is the cost-weighting unit of one evaluation
	Fidelity() int

	// Objective names the output being minimized
	Objective() string

	// Functions describes the available outputs
	Functions() []FunctionSpec
}

// Driver is an evaluator that can optimize its own design variables
type Driver interface {
	Evaluator

	// RunDriver minimizes the objective starting from the current design
	// point and leaves the evaluator at the optimum. It returns the number
	// of driver iterations performed.
	RunDriver(ctx context.Context) (int, error)
}

// TrustBounded drivers accept a trust region for the next RunDriver call
type TrustBounded interface {
	SetTrustRegion(center DesignPoint, radius float64)
}

// Refinable evaluators can increase their fidelity with more samples
type Refinable interface {
	// Surrogate reports whether the evaluator is backed by a trained surrogate
	Surrogate() bool

	// Refine adds count samples and returns the new fidelity level
	Refine(ctx context.Context, count int) (int, error)

	// Train adds externally produced samples and returns the new fidelity level
	Train(samples *SampleSet) (int, error)
}

// Approximable evaluators can run at a reduced, tolerance-driven accuracy
type Approximable interface {
	SetTolerance(tol float64, maxFidelity int)
}

// SampleSource exposes the samples used by the most recent evaluation
type SampleSource interface {
	CurrentSamples() *SampleSet
}

// SampleSet is a batch of locations with function values and gradients.
type SampleSet struct {
	Locations [][]float64
	Values    []float64
	Gradients [][]float64
}

// Len returns the number of samples in the set
func (s *SampleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Locations)
}

// Append adds the samples of other to s
func (s *SampleSet) Append(other *SampleSet) {
	if other == nil {
		return
	}
	s.Locations = append(s.Locations, other.Locations...)
	s.Values = append(s.Values, other.Values...)
	s.Gradients = append(s.Gradients, other.Gradients...)
}

// Clone returns a deep copy of the set
func (s *SampleSet) Clone() *SampleSet {
	if s == nil {
		return nil
	}
	out := &SampleSet{
		Locations: make([][]float64, len(s.Locations)),
		Values:    append([]float64(nil), s.Values...),
		Gradients: make([][]float64, len(s.Gradients)),
	}
	for i, x := range s.Locations {
		out.Locations[i] = append([]float64(nil), x...)
	}
	for i, g := range s.Gradients {
		out.Gradients[i] = append([]float64(nil), g...)
	}
	return out
}

// HistoryEntry is one (design point, objective) pair
type HistoryEntry struct {
	Point     DesignPoint `json:"point"`
	Objective float64     `json:"objective"`
}

// OptimizationState tracks one evaluator during a solve
type OptimizationState struct {
	Evaluator     string         `json:"evaluator"`
	Point         DesignPoint    `json:"point"`
	Iterations    int            `json:"iterations"`
	FunctionCalls int            `json:"function_calls"`
	History       []HistoryEntry `json:"history"`
}

// Record appends a history entry and moves the current point
func (s *OptimizationState) Record(p DesignPoint, objective float64) {
	s.Point = p.Clone()
	s.History = append(s.History, HistoryEntry{Point: p.Clone(), Objective: objective})
}

// RefinementRecord captures one outer iteration. Records are appended and
// never modified afterwards.
type RefinementRecord struct {
	Iteration      int     `json:"iteration"`
	Pred           float64 `json:"pred"`
	Ared           float64 `json:"ared"`
	ObjectiveError float64 `json:"objective_error"`
	GradientError  float64 `json:"gradient_error"`
	Fidelity       int     `json:"fidelity"`
	Refinement     int     `json:"refinement"`
	DriverIters    int     `json:"driver_iterations"`
}

// Status is the terminal state of a solve
type Status string

const (
	// StatusConverged means the truth gradient norm dropped below gtol
	StatusConverged Status = "converged"
	// StatusIterLimit means max_iter outer iterations ran without converging
	StatusIterLimit Status = "iteration_limit"
)

// Result contains the outcome of a solve
type Result struct {
	Success      bool               `json:"success"`
	Status       Status             `json:"status"`
	Iterations   int                `json:"iterations"`
	Refinements  int                `json:"refinements"`
	Design       DesignPoint        `json:"design"`
	Objective    float64            `json:"objective"`
	GradientNorm float64            `json:"gradient_norm"`
	ModelError   float64            `json:"model_error"`
	ModelLevel   int                `json:"model_level"`
	ModelCalls   int                `json:"model_calls"`
	TruthCalls   int                `json:"truth_calls"`
	BreakIters   []int              `json:"break_iters"`
	Records      []RefinementRecord `json:"records"`
	Model        OptimizationState  `json:"model"`
	Truth        OptimizationState  `json:"truth"`
}

// TotalCalls returns the fidelity-weighted number of model and truth samples
func (r *Result) TotalCalls() int {
	return r.ModelCalls + r.TruthCalls
}

// SortedNames returns the variable names of p in lexical order
func (p DesignPoint) SortedNames() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
