// Package config loads the civisync YAML configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackoffConfig controls the retry schedule for failed uploads.
type BackoffConfig struct {
	// Base is the delay after the first failure; doubled on each
	// subsequent failure up to Cap.
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
	// MaxAttempts is the number of failed attempts after which a report
	// is dead-lettered instead of retried. Zero disables dead-lettering.
	MaxAttempts int `yaml:"max_attempts"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the top-level civisync configuration.
type Config struct {
	// APIBaseURL is the base URL of the remote issue-submission service.
	APIBaseURL string `yaml:"api_base_url"`
	// DBPath is the path of the local report queue database.
	DBPath string `yaml:"db_path"`
	// ListenAddr is the bind address of the local intake API.
	ListenAddr string `yaml:"listen_addr"`
	// ProbeInterval is how often the connectivity monitor checks the backend.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// UploadTimeout bounds a single report upload.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	Backoff       BackoffConfig `yaml:"backoff"`
	Log           LogConfig     `yaml:"log"`
}

// Default returns a configuration with all optional fields populated.
// APIBaseURL is intentionally left empty; it has no sensible default.
func Default() *Config {
	return &Config{
		DBPath:        "civisync.db",
		ListenAddr:    "127.0.0.1:8787",
		ProbeInterval: 30 * time.Second,
		UploadTimeout: 30 * time.Second,
		Backoff: BackoffConfig{
			Base:        30 * time.Second,
			Cap:         30 * time.Minute,
			MaxAttempts: 10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML configuration file, applies defaults for unset
// fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for nonsensical values. An empty
// APIBaseURL is allowed here; commands that talk to the backend check
// for it themselves, so queue-only commands work without one.
func (c *Config) Validate() error {
	if c.APIBaseURL != "" {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api_base_url %q is not a valid absolute URL", c.APIBaseURL)
		}
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive, got %s", c.ProbeInterval)
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("upload_timeout must be positive, got %s", c.UploadTimeout)
	}
	if c.Backoff.Base <= 0 {
		return fmt.Errorf("backoff.base must be positive, got %s", c.Backoff.Base)
	}
	if c.Backoff.Cap < c.Backoff.Base {
		return fmt.Errorf("backoff.cap (%s) must be at least backoff.base (%s)", c.Backoff.Cap, c.Backoff.Base)
	}
	if c.Backoff.MaxAttempts < 0 {
		return fmt.Errorf("backoff.max_attempts cannot be negative, got %d", c.Backoff.MaxAttempts)
	}
	if _, err := parseLevelName(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// parseLevelName accepts the same level names as the logger package.
func parseLevelName(s string) (string, error) {
	switch s {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	default:
		return "", fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
