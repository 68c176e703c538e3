// Package config loads the service environment and the YAML run files that
// describe a two-fidelity solve.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/copyleftdev/mfsolve/internal/errors"
)

// Config is the environment of the solve service
type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Solve struct {
		// WorkerCount bounds the solves running at once
		WorkerCount int `env:"SOLVE_WORKER_COUNT" envDefault:"4"`
		// MaxJobs bounds the jobs kept in memory, finished ones included
		MaxJobs int `env:"SOLVE_MAX_JOBS" envDefault:"256"`
		// Timeout caps the wall time of a single solve; zero disables it
		Timeout time.Duration `env:"SOLVE_TIMEOUT" envDefault:"10m"`
	}
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}

	if cfg.Logging.Level == "" {
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		} else {
			cfg.Logging.Level = "info"
		}
	}

	if cfg.Solve.WorkerCount < 1 {
		return nil, errors.Errorf("SOLVE_WORKER_COUNT must be at least 1, got %d", cfg.Solve.WorkerCount)
	}
	if cfg.Solve.MaxJobs < cfg.Solve.WorkerCount {
		return nil, errors.Errorf("SOLVE_MAX_JOBS (%d) must not be below SOLVE_WORKER_COUNT (%d)",
			cfg.Solve.MaxJobs, cfg.Solve.WorkerCount)
	}

	return cfg, nil
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// GetEnvAsBool returns the value of the environment variable as bool or the default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	valueStr := GetEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
