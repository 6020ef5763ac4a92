package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

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
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Store struct {
		Path string `env:"STORE_PATH" envDefault:"data/covmatrix.db"`
	}
	Estimator struct {
		// Workers is the default number of goroutines evaluating stencils
		// per estimation job; 1 keeps the estimator sequential.
		Workers int `env:"ESTIMATOR_WORKERS" envDefault:"1"`
		// MaxDim caps the dimension of points the service accepts, since an
		// estimate costs O(N^2) objective evaluations.
		MaxDim int `env:"ESTIMATOR_MAX_DIM" envDefault:"64"`
		// DefaultStep is used when a request supplies no step size.
		DefaultStep float64 `env:"ESTIMATOR_DEFAULT_STEP" envDefault:"0.001"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	// Ensure the store's directory exists
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	if cfg.Estimator.Workers < 1 {
		cfg.Estimator.Workers = 1
	}

	return cfg, nil
}
