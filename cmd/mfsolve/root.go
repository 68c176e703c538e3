package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/mfsolve/internal/config"
	"github.com/copyleftdev/mfsolve/internal/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "mfsolve",
	Short:         "Multi-fidelity robust optimization with POU surrogates",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger and its zap bridge
func newLogger() (*logging.Logger, *zap.Logger, error) {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  logLevel,
		Format: logFormat,
		Output: "stderr",
	})
	if err != nil {
		return nil, nil, err
	}
	return logger, logging.NewZapLogger(logger), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", config.GetEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", config.GetEnv("LOG_FORMAT", "text"), "Log format (json, text)")

	rootCmd.AddCommand(solveCmd)
	rootCmd.AddCommand(checkGradCmd)
}
