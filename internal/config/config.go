// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultPort is the port served when neither the environment nor the
// project file names one.
const DefaultPort = 34872

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string // empty disables the metrics listener

	// Logging
	LogLevel  string
	LogFormat string

	// Watcher
	Debounce time.Duration

	// Change log retention
	RetentionCount int
	RetentionAge   time.Duration

	// Longest a subscribe request may block.
	PollTimeout time.Duration

	// Reject files no classification rule matches instead of mirroring
	// them as opaque instances.
	StrictFiles bool

	// Auth (optional; when set, API requests need an HS256 bearer token)
	AuthSecret string
}

// Load reads configuration from environment variables with defaults.
// Values that do not parse are reported rather than ignored.
func Load() (*Config, error) {
	var l loader
	cfg := &Config{
		ListenAddr:     l.str("LIVESYNC_LISTEN_ADDR", ":"+strconv.Itoa(DefaultPort)),
		MetricsAddr:    l.str("LIVESYNC_METRICS_ADDR", ""),
		LogLevel:       l.str("LIVESYNC_LOG_LEVEL", "info"),
		LogFormat:      l.str("LIVESYNC_LOG_FORMAT", "console"),
		Debounce:       env(&l, "LIVESYNC_DEBOUNCE", 50*time.Millisecond, time.ParseDuration),
		RetentionCount: env(&l, "LIVESYNC_RETENTION_COUNT", 1000, strconv.Atoi),
		RetentionAge:   env(&l, "LIVESYNC_RETENTION_AGE", 10*time.Minute, time.ParseDuration),
		PollTimeout:    env(&l, "LIVESYNC_POLL_TIMEOUT", 30*time.Second, time.ParseDuration),
		StrictFiles:    env(&l, "LIVESYNC_STRICT_FILES", false, strconv.ParseBool),
		AuthSecret:     l.str("LIVESYNC_AUTH_SECRET", ""),
	}
	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Debounce <= 0 {
		return fmt.Errorf("LIVESYNC_DEBOUNCE must be positive, got %s", c.Debounce)
	}
	if c.RetentionCount <= 0 {
		return fmt.Errorf("LIVESYNC_RETENTION_COUNT must be positive, got %d", c.RetentionCount)
	}
	if c.RetentionAge <= 0 {
		return fmt.Errorf("LIVESYNC_RETENTION_AGE must be positive, got %s", c.RetentionAge)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("LIVESYNC_POLL_TIMEOUT must be positive, got %s", c.PollTimeout)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LIVESYNC_LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	return nil
}

// loader collects parse failures while Load fills in the config.
type loader struct {
	errs []error
}

func (l *loader) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func env[T any](l *loader, key string, fallback T, parse func(string) (T, error)) T {
	raw := l.str(key, "")
	if raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("%s: invalid value %q: %w", key, raw, err))
		return fallback
	}
	return v
}
