package sampling

import (
	"math/rand/v2"
)

// Method selects how uncertain points are drawn
type Method string

const (
	MethodRandom Method = "random"
	MethodLHS    Method = "lhs"
)

// LatinHypercube draws n points with one point per probability stratum in
// every dimension, mapped through each dimension's quantile.
func LatinHypercube(rng *rand.Rand, dists []Distribution, n int) [][]float64 {
	nDims := len(dists)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, nDims)
	}

	strata := make([]float64, n)
	for i, d := range dists {
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		for j := 0; j < n; j++ {
			samples[j][i] = d.Quantile(clampProb(strata[j]))
		}
	}
	return samples
}

// RandomPoints draws n independent points
func RandomPoints(rng *rand.Rand, dists []Distribution, n int) [][]float64 {
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, len(dists))
		for i, d := range dists {
			samples[j][i] = d.Quantile(clampProb(rng.Float64()))
		}
	}
	return samples
}

// Draw dispatches on method
func Draw(method Method, rng *rand.Rand, dists []Distribution, n int) [][]float64 {
	if method == MethodLHS {
		return LatinHypercube(rng, dists, n)
	}
	return RandomPoints(rng, dists, n)
}

// MidpointGrid returns the tensor grid with level points per dimension at
// the probability midpoints (j+0.5)/level. All points carry equal weight.
// The last dimension varies fastest.
func MidpointGrid(dists []Distribution, level int) [][]float64 {
	if level < 1 || len(dists) == 0 {
		return nil
	}
	axes := make([][]float64, len(dists))
	for i, d := range dists {
		axes[i] = make([]float64, level)
		for j := 0; j < level; j++ {
			axes[i][j] = d.Quantile((float64(j) + 0.5) / float64(level))
		}
	}

	total := 1
	for range dists {
		total *= level
	}
	grid := make([][]float64, total)
	idx := make([]int, len(dists))
	for k := 0; k < total; k++ {
		p := make([]float64, len(dists))
		for i := range dists {
			p[i] = axes[i][idx[i]]
		}
		grid[k] = p
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < level {
				break
			}
			idx[i] = 0
		}
	}
	return grid
}

// NewRand returns a PCG stream for seed
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
