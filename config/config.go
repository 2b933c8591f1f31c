// Package config loads process configuration from the environment and
// builds the process logger.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
)

// Config holds runtime configuration for the server.
type Config struct {
	Addr           string        `envconfig:"ADDR" default:":8080"`
	DBPath         string        `envconfig:"DB_PATH" default:"marketplace.db"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout    time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownWait   time.Duration `envconfig:"SHUTDOWN_WAIT" default:"30s"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	RateLimit      int           `envconfig:"RATE_LIMIT" default:"100"` // requests per minute per IP, 0 disables
	AllowedOrigins []string      `envconfig:"ALLOWED_ORIGINS" default:"*"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"` // console or json
}

// Prefix is prepended to every variable name, e.g. SHOP_ADDR.
const Prefix = "SHOP"

// Load reads configuration from SHOP_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%s_SWEEP_INTERVAL must be positive, got %s", Prefix, c.SweepInterval)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%s_RATE_LIMIT must not be negative, got %d", Prefix, c.RateLimit)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("%s_LOG_LEVEL: %w", Prefix, err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%s_LOG_FORMAT must be console or json, got %q", Prefix, c.LogFormat)
	}
	return nil
}

// Logger builds the process logger writing to w (os.Stderr when nil).
func (c *Config) Logger(w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "marketplace-engine").Logger()
}
