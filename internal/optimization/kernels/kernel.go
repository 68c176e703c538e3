package kernels

import (
	"fmt"
	"math"
)

// Kernel is a partition-of-unity weight function. It maps the regularized
// distance of a sample and the minimum regularized distance over all samples
// to an unnormalized blending weight.
type Kernel interface {
	// Weight computes the blending weight for a sample at distance dist
	Weight(dist, mindist float64) float64

	// Derivative returns dWeight/ddist and dWeight/dmindist
	Derivative(dist, mindist float64) (dDist, dMin float64)

	// Hyperparameters returns the kernel's hyperparameters
	Hyperparameters() []float64
}

// ExponentialKernel weights samples by exp(-rho*(dist-mindist))
type ExponentialKernel struct {
	// Locality parameter (larger = closer to nearest-sample interpolation)
	rho float64
}

// NewExponentialKernel creates a new exponential kernel with the given rho
func NewExponentialKernel(rho float64) (*ExponentialKernel, error) {
	if !(rho > 0) || math.IsInf(rho, 1) {
		return nil, fmt.Errorf("rho must be positive and finite, got %v", rho)
	}
	return &ExponentialKernel{rho: rho}, nil
}

// Weight computes exp(-rho*(dist-mindist))
func (k *ExponentialKernel) Weight(dist, mindist float64) float64 {
	return math.Exp(-k.rho * (dist - mindist))
}

// Derivative returns the partial derivatives of the weight
func (k *ExponentialKernel) Derivative(dist, mindist float64) (float64, float64) {
	w := k.Weight(dist, mindist)
	return -k.rho * w, k.rho * w
}

// Hyperparameters returns []float64{rho}
func (k *ExponentialKernel) Hyperparameters() []float64 {
	return []float64{k.rho}
}

// GaussianKernel weights samples by exp(-rho*(dist^2-mindist^2))
type GaussianKernel struct {
	rho float64
}

// NewGaussianKernel creates a new Gaussian kernel with the given rho
func NewGaussianKernel(rho float64) (*GaussianKernel, error) {
	if !(rho > 0) || math.IsInf(rho, 1) {
		return nil, fmt.Errorf("rho must be positive and finite, got %v", rho)
	}
	return &GaussianKernel{rho: rho}, nil
}

// Weight computes exp(-rho*(dist^2-mindist^2))
func (k *GaussianKernel) Weight(dist, mindist float64) float64 {
	return math.Exp(-k.rho * (dist*dist - mindist*mindist))
}

// Derivative returns the partial derivatives of the weight
func (k *GaussianKernel) Derivative(dist, mindist float64) (float64, float64) {
	w := k.Weight(dist, mindist)
	return -2 * k.rho * dist * w, 2 * k.rho * mindist * w
}

// Hyperparameters returns []float64{rho}
func (k *GaussianKernel) Hyperparameters() []float64 {
	return []float64{k.rho}
}

// New returns the kernel registered under name
func New(name string, rho float64) (Kernel, error) {
	switch name {
	case "", "exponential":
		return NewExponentialKernel(rho)
	case "gaussian":
		return NewGaussianKernel(rho)
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
}
