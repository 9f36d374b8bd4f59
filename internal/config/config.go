package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime settings shared by every command.
type Config struct {
	BackendURL     string        `env:"MASKSCRUB_BACKEND_URL"     envDefault:"http://localhost:8000/api"`
	RequestTimeout time.Duration `env:"MASKSCRUB_REQUEST_TIMEOUT" envDefault:"30s"`

	Lookahead           int `env:"MASKSCRUB_LOOKAHEAD"            envDefault:"48"`
	PrefetchConcurrency int `env:"MASKSCRUB_PREFETCH_CONCURRENCY" envDefault:"4"`
	FrameCacheCap       int `env:"MASKSCRUB_FRAME_CACHE_CAP"      envDefault:"0"`
	FPS                 int `env:"MASKSCRUB_FPS"                  envDefault:"24"`

	ExportPollInterval time.Duration `env:"MASKSCRUB_EXPORT_POLL_INTERVAL" envDefault:"500ms"`

	LogLevel     string `env:"LOG_LEVEL"     envDefault:"info"`
	MetricsAddr  string `env:"METRICS_ADDR"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT"`
	// Fraction of root spans sampled.
	TraceSampleRatio float64 `env:"OTLP_SAMPLE_RATIO" envDefault:"1"`

	DatabaseURL      string `env:"DATABASE_URL"`
	PostgresHost     string `env:"POSTGRES_HOST"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the cache layer cannot run with.
func (c *Config) Validate() error {
	if c.Lookahead < 0 {
		return fmt.Errorf("lookahead must be >= 0, got %d", c.Lookahead)
	}
	if c.PrefetchConcurrency < 1 {
		return fmt.Errorf("prefetch concurrency must be >= 1, got %d", c.PrefetchConcurrency)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be > 0, got %d", c.FPS)
	}
	if c.FrameCacheCap < 0 {
		return fmt.Errorf("frame cache cap must be >= 0, got %d", c.FrameCacheCap)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace sample ratio must be within [0, 1], got %g", c.TraceSampleRatio)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("backend url is required")
	}
	return nil
}

// PostgresURL returns DATABASE_URL, or builds one from POSTGRES_* variables,
// falling back to a local default.
func (c *Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.PostgresHost != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
	}
	return "postgres://localhost:5432/maskscrub"
}
