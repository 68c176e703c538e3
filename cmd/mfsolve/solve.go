package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/group"
	"github.com/copyleftdev/mfsolve/internal/optimization"
	"github.com/copyleftdev/mfsolve/internal/runner"
)

var (
	runFile    string
	ranks      int
	quiet      bool
	outputFile string

	problemName string
	designDim   int
	seed        uint64
	maxIter     int
	gtol        float64
	refStrategy int
	trustRadius float64
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Run a sequential two-fidelity solve",
	Long: `Runs the model/truth refinement loop on a test problem. The run is read
from --config (YAML) when given; individual flags override it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, zlog, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = zlog.Sync() }()

		run, err := loadRun(cmd)
		if err != nil {
			return err
		}
		if ranks < 1 {
			return fmt.Errorf("--ranks must be at least 1, got %d", ranks)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		members, err := group.NewLocal(ranks)
		if err != nil {
			return err
		}
		results := make([]*optimization.Result, ranks)
		eg, ctx := errgroup.WithContext(ctx)
		for _, m := range members {
			m := m
			eg.Go(func() error {
				res, err := runner.Execute(ctx, run,
					runner.WithGroup(m),
					runner.WithLogger(zlog.With(zap.Int("rank", m.Rank()))),
				)
				if err != nil {
					return fmt.Errorf("rank %d: %w", m.Rank(), err)
				}
				results[m.Rank()] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			logger.Error("Solve failed", map[string]interface{}{"error": err.Error()})
			return err
		}

		res := results[0]
		logger.Info("Solve finished", map[string]interface{}{
			"status":      string(res.Status),
			"iterations":  res.Iterations,
			"objective":   res.Objective,
			"model_calls": res.ModelCalls,
			"truth_calls": res.TruthCalls,
		})
		return writeResult(res)
	},
}

// loadRun reads --config and applies the flags the user set
func loadRun(cmd *cobra.Command) (config.Run, error) {
	run := config.DefaultRun()
	if runFile != "" {
		var err error
		if run, err = config.LoadRunFile(runFile); err != nil {
			return config.Run{}, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("problem") {
		run.Problem.Name = problemName
		run.Name = problemName
	}
	if flags.Changed("dim") {
		run.Problem.DesignDim = designDim
	}
	if flags.Changed("seed") {
		run.Seed = seed
	}
	if flags.Changed("max-iter") {
		run.Controller.MaxIter = maxIter
	}
	if flags.Changed("gtol") {
		run.Controller.GTol = gtol
	}
	if flags.Changed("ref-strategy") {
		run.Controller.RefStrategy = refStrategy
	}
	if flags.Changed("trust-radius") {
		run.Controller.TrustRadius = trustRadius
	}
	if quiet {
		run.Controller.Print = 0
	}
	return run.Normalized()
}

func writeResult(res *optimization.Result) error {
	out := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func init() {
	solveCmd.Flags().StringVarP(&runFile, "config", "c", "", "Run file (YAML or JSON)")
	solveCmd.Flags().IntVar(&ranks, "ranks", config.GetEnvAsInt("MFSOLVE_RANKS", 1), "Number of in-process ranks")
	solveCmd.Flags().BoolVarP(&quiet, "quiet", "q", config.GetEnvAsBool("MFSOLVE_QUIET", false), "Suppress the per-iteration report")
	solveCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the result JSON to this file instead of stdout")

	solveCmd.Flags().StringVar(&problemName, "problem", "robustquad", "Test problem")
	solveCmd.Flags().IntVar(&designDim, "dim", 1, "Design dimension")
	solveCmd.Flags().Uint64Var(&seed, "seed", 1, "Random seed")
	solveCmd.Flags().IntVar(&maxIter, "max-iter", 50, "Maximum outer iterations")
	solveCmd.Flags().Float64Var(&gtol, "gtol", 1e-6, "Truth gradient tolerance")
	solveCmd.Flags().IntVar(&refStrategy, "ref-strategy", 0, "Refinement strategy (0 flat, 1 gradient scaled)")
	solveCmd.Flags().Float64Var(&trustRadius, "trust-radius", -1, "Subproblem trust radius, negative for none")
}
