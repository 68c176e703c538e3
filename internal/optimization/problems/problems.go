// Package problems provides analytic black-box functions with gradients used
// as stand-ins for the expensive analyses. Every function is defined over a
// joint location [design..., uncertain...].
package problems

import (
	"fmt"
	"math"
	"sort"
)

// Function is a scalar function with an analytic gradient
type Function interface {
	// Name returns the registry name
	Name() string

	// Dim returns the length of the joint location
	Dim() int

	// Eval returns f(x)
	Eval(x []float64) float64

	// Grad returns df/dx
	Grad(x []float64) []float64
}

// Quadratic is sum_i c_i*(x_i - a_i)^2
type Quadratic struct {
	Center  []float64
	Weights []float64
}

// NewQuadratic returns a quadratic centered at 1 with unit weights
func NewQuadratic(dim int) *Quadratic {
	q := &Quadratic{Center: make([]float64, dim), Weights: make([]float64, dim)}
	for i := range q.Center {
		q.Center[i] = 1
		q.Weights[i] = 1
	}
	return q
}

func (q *Quadratic) Name() string { return "quadratic" }
func (q *Quadratic) Dim() int     { return len(q.Center) }

func (q *Quadratic) Eval(x []float64) float64 {
	var sum float64
	for i, a := range q.Center {
		d := x[i] - a
		sum += q.Weights[i] * d * d
	}
	return sum
}

func (q *Quadratic) Grad(x []float64) []float64 {
	g := make([]float64, len(x))
	for i, a := range q.Center {
		g[i] = 2 * q.Weights[i] * (x[i] - a)
	}
	return g
}

// Rosenbrock is the extended Rosenbrock function
type Rosenbrock struct {
	N int
}

func (r Rosenbrock) Name() string { return "rosenbrock" }
func (r Rosenbrock) Dim() int     { return r.N }

func (r Rosenbrock) Eval(x []float64) float64 {
	var sum float64
	for i := 0; i < len(x)-1; i++ {
		a := 1 - x[i]
		b := x[i+1] - x[i]*x[i]
		sum += a*a + 100*b*b
	}
	return sum
}

func (r Rosenbrock) Grad(x []float64) []float64 {
	g := make([]float64, len(x))
	for i := 0; i < len(x)-1; i++ {
		b := x[i+1] - x[i]*x[i]
		g[i] += -2*(1-x[i]) - 400*x[i]*b
		g[i+1] += 200 * b
	}
	return g
}

// RobustQuadratic couples design and uncertain variables:
//
//	f(d, u) = sum_i (d_i - 1 - u_i)^2 + u_i*d_i^2
//
// The uncertain dimension equals the design dimension. Its mean-plus-sigma
// minimizer moves with the spread of u, which exercises the statistic.
type RobustQuadratic struct {
	N int
}

func (r RobustQuadratic) Name() string { return "robustquad" }
func (r RobustQuadratic) Dim() int     { return 2 * r.N }

func (r RobustQuadratic) Eval(x []float64) float64 {
	var sum float64
	for i := 0; i < r.N; i++ {
		d, u := x[i], x[r.N+i]
		e := d - 1 - u
		sum += e*e + u*d*d
	}
	return sum
}

func (r RobustQuadratic) Grad(x []float64) []float64 {
	g := make([]float64, 2*r.N)
	for i := 0; i < r.N; i++ {
		d, u := x[i], x[r.N+i]
		e := d - 1 - u
		g[i] = 2*e + 2*u*d
		g[r.N+i] = -2*e + d*d
	}
	return g
}

// BetaTest is a smooth 1-design/1-uncertain test function whose uncertain
// input is typically beta distributed:
//
//	f(d, u) = exp(-u) * (d - 2)^2 + sin(3*u)*d + 0.1*d^4
type BetaTest struct{}

func (BetaTest) Name() string { return "betatestex" }
func (BetaTest) Dim() int     { return 2 }

func (BetaTest) Eval(x []float64) float64 {
	d, u := x[0], x[1]
	e := d - 2
	return math.Exp(-u)*e*e + math.Sin(3*u)*d + 0.1*d*d*d*d
}

func (BetaTest) Grad(x []float64) []float64 {
	d, u := x[0], x[1]
	e := d - 2
	return []float64{
		2*math.Exp(-u)*e + math.Sin(3*u) + 0.4*d*d*d,
		-math.Exp(-u)*e*e + 3*math.Cos(3*u)*d,
	}
}

// Spec identifies a registered function and the sizes of its two blocks
type Spec struct {
	Function     Function
	DesignDim    int
	UncertainDim int
}

type factory func(designDim int) (Spec, error)

var registry = map[string]factory{
	"quadratic": func(n int) (Spec, error) {
		return Spec{Function: NewQuadratic(2 * n), DesignDim: n, UncertainDim: n}, nil
	},
	"rosenbrock": func(n int) (Spec, error) {
		if n < 1 {
			return Spec{}, fmt.Errorf("rosenbrock needs at least one design variable")
		}
		return Spec{Function: Rosenbrock{N: n + 1}, DesignDim: n, UncertainDim: 1}, nil
	},
	"robustquad": func(n int) (Spec, error) {
		return Spec{Function: RobustQuadratic{N: n}, DesignDim: n, UncertainDim: n}, nil
	},
	"betatestex": func(n int) (Spec, error) {
		if n != 1 {
			return Spec{}, fmt.Errorf("betatestex has exactly one design variable, got %d", n)
		}
		return Spec{Function: BetaTest{}, DesignDim: 1, UncertainDim: 1}, nil
	},
}

// Get returns the named problem for the given design dimension
func Get(name string, designDim int) (Spec, error) {
	f, ok := registry[name]
	if !ok {
		return Spec{}, fmt.Errorf("unknown problem %q (available: %v)", name, Names())
	}
	if designDim < 1 {
		return Spec{}, fmt.Errorf("design dimension must be positive, got %d", designDim)
	}
	return f(designDim)
}

// Names lists the registered problems
func Names() []string {
	names := make([]string, 0, len(registry))
	for k := range registry {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
