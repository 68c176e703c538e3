package kernels

import (
	"math"
	"testing"
)

func TestExponentialKernel(t *testing.T) {
	tests := []struct {
		name     string
		dist     float64
		mindist  float64
		rho      float64
		expected float64
	}{
		{
			name:     "nearest sample",
			dist:     0.5,
			mindist:  0.5,
			rho:      10.0,
			expected: 1.0,
		},
		{
			name:     "farther sample",
			dist:     1.5,
			mindist:  0.5,
			rho:      2.0,
			expected: math.Exp(-2.0),
		},
		{
			name:     "small rho flattens weights",
			dist:     10.0,
			mindist:  0.0,
			rho:      1e-3,
			expected: math.Exp(-1e-2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kernel, err := NewExponentialKernel(tt.rho)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			result := kernel.Weight(tt.dist, tt.mindist)

			if math.Abs(result-tt.expected) > 1e-12 {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestKernelDerivatives(t *testing.T) {
	exp, _ := NewExponentialKernel(3.0)
	gauss, _ := NewGaussianKernel(0.7)
	const h = 1e-6

	for _, k := range []Kernel{exp, gauss} {
		dist, mindist := 1.3, 0.4
		dDist, dMin := k.Derivative(dist, mindist)

		fdDist := (k.Weight(dist+h, mindist) - k.Weight(dist-h, mindist)) / (2 * h)
		fdMin := (k.Weight(dist, mindist+h) - k.Weight(dist, mindist-h)) / (2 * h)

		if math.Abs(dDist-fdDist) > 1e-7 {
			t.Errorf("%T: dDist = %v, finite difference %v", k, dDist, fdDist)
		}
		if math.Abs(dMin-fdMin) > 1e-7 {
			t.Errorf("%T: dMin = %v, finite difference %v", k, dMin, fdMin)
		}
	}
}

func TestInvalidRho(t *testing.T) {
	for _, rho := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := NewExponentialKernel(rho); err == nil {
			t.Errorf("expected error for rho=%v", rho)
		}
		if _, err := NewGaussianKernel(rho); err == nil {
			t.Errorf("expected error for rho=%v", rho)
		}
	}
}

func TestNew(t *testing.T) {
	k, err := New("", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := k.(*ExponentialKernel); !ok {
		t.Errorf("default kernel should be exponential, got %T", k)
	}
	if got := k.Hyperparameters(); len(got) != 1 || got[0] != 2 {
		t.Errorf("unexpected hyperparameters %v", got)
	}
	if _, err := New("matern", 1); err == nil {
		t.Error("expected error for unknown kernel")
	}
}
