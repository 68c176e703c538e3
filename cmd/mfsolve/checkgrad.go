package main

import (
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/mfsolve/internal/optimization/problems"
	"github.com/copyleftdev/mfsolve/internal/optimization/sampling"
	"github.com/copyleftdev/mfsolve/internal/optimization/surrogate"
)

var (
	cgProblem string
	cgDim     int
	cgSamples int
	cgPoints  int
	cgRho     float64
	cgBlend   string
	cgKernel  string
	cgStep    float64
	cgSeed    uint64
)

var checkGradCmd = &cobra.Command{
	Use:   "check-grad",
	Short: "Compare the analytic POU gradient with central differences",
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := problems.Get(cgProblem, cgDim)
		if err != nil {
			return err
		}
		blend, err := surrogate.ParseBlend(cgBlend)
		if err != nil {
			return err
		}

		dim := spec.Function.Dim()
		box := make([]sampling.Distribution, dim)
		for i := range box {
			if box[i], err = sampling.NewDistribution(sampling.DistributionSpec{Kind: "uniform", Lower: -1, Upper: 2}); err != nil {
				return err
			}
		}

		rng := sampling.NewRand(cgSeed)
		locs := sampling.LatinHypercube(rng, box, cgSamples)
		vals := make([]float64, len(locs))
		grads := make([][]float64, len(locs))
		for i, x := range locs {
			vals[i] = spec.Function.Eval(x)
			grads[i] = spec.Function.Grad(x)
		}
		pou, err := surrogate.New(locs, vals, grads, cgRho, surrogate.WithBlend(blend), surrogate.WithKernel(cgKernel))
		if err != nil {
			return err
		}

		eval := func(x []float64) float64 {
			v, err := pou.Eval(x)
			if err != nil {
				return math.NaN()
			}
			return v
		}
		settings := &fd.Settings{Formula: fd.Central, Step: cgStep}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "point\tvalue\t|grad|\tmax abs err\trel err")
		worst := 0.0
		numeric := make([]float64, dim)
		for i, x := range sampling.RandomPoints(rng, box, cgPoints) {
			analytic, err := pou.EvalGrad(x)
			if err != nil {
				return err
			}
			fd.Gradient(numeric, eval, x, settings)
			diff := floats.Distance(analytic, numeric, math.Inf(1))
			norm := floats.Norm(analytic, 2)
			rel := diff / math.Max(norm, 1)
			worst = math.Max(worst, rel)
			fmt.Fprintf(w, "%d\t%.6g\t%.6g\t%.3e\t%.3e\n", i, eval(x), norm, diff, rel)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("worst relative error %.3e over %d points (%s, %d samples, rho %g, %s blend)\n",
			worst, cgPoints, spec.Function.Name(), pou.Len(), cgRho, blend)
		return nil
	},
}

func init() {
	checkGradCmd.Flags().StringVar(&cgProblem, "problem", "betatestex", "Test problem")
	checkGradCmd.Flags().IntVar(&cgDim, "dim", 1, "Design dimension")
	checkGradCmd.Flags().IntVar(&cgSamples, "samples", 20, "Surrogate training samples")
	checkGradCmd.Flags().IntVar(&cgPoints, "points", 10, "Query points")
	checkGradCmd.Flags().Float64Var(&cgRho, "rho", 10, "Kernel rate")
	checkGradCmd.Flags().StringVar(&cgBlend, "blend", "weighted", "Blend mode (weighted, reciprocal)")
	checkGradCmd.Flags().StringVar(&cgKernel, "kernel", "exponential", "Weight kernel (exponential, gaussian)")
	checkGradCmd.Flags().Float64Var(&cgStep, "step", 1e-6, "Finite difference step")
	checkGradCmd.Flags().Uint64Var(&cgSeed, "seed", 1, "Random seed")
}
