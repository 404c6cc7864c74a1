package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "civisync.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.APIBaseURL != "" {
		t.Errorf("api base url should have no default, got %q", cfg.APIBaseURL)
	}
	if cfg.DBPath == "" {
		t.Error("db path should have a default")
	}
	if cfg.ProbeInterval <= 0 || cfg.UploadTimeout <= 0 {
		t.Error("intervals should have positive defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "api_base_url: https://civic.example.org\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://civic.example.org" {
		t.Errorf("api base url = %q", cfg.APIBaseURL)
	}
	if cfg.DBPath != "civisync.db" {
		t.Errorf("db path = %q, want default", cfg.DBPath)
	}
	if cfg.Backoff.Base != 30*time.Second {
		t.Errorf("backoff base = %s, want default 30s", cfg.Backoff.Base)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
api_base_url: http://localhost:9000
db_path: /tmp/q.db
listen_addr: 127.0.0.1:9001
probe_interval: 5s
upload_timeout: 10s
backoff:
  base: 1s
  cap: 1m
  max_attempts: 4
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ProbeInterval != 5*time.Second {
		t.Errorf("probe interval = %s, want 5s", cfg.ProbeInterval)
	}
	if cfg.UploadTimeout != 10*time.Second {
		t.Errorf("upload timeout = %s, want 10s", cfg.UploadTimeout)
	}
	if cfg.Backoff.Base != time.Second || cfg.Backoff.Cap != time.Minute || cfg.Backoff.MaxAttempts != 4 {
		t.Errorf("unexpected backoff: %+v", cfg.Backoff)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid with api url",
			mutate: func(c *Config) { c.APIBaseURL = "https://civic.example.org" },
		},
		{
			name:   "valid without api url",
			mutate: func(c *Config) {},
		},
		{
			name:    "relative api url",
			mutate:  func(c *Config) { c.APIBaseURL = "civic.example.org/api" },
			wantErr: true,
		},
		{
			name:    "empty db path",
			mutate:  func(c *Config) { c.DBPath = "" },
			wantErr: true,
		},
		{
			name:    "zero probe interval",
			mutate:  func(c *Config) { c.ProbeInterval = 0 },
			wantErr: true,
		},
		{
			name:    "negative upload timeout",
			mutate:  func(c *Config) { c.UploadTimeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "cap below base",
			mutate:  func(c *Config) { c.Backoff.Cap = c.Backoff.Base / 2 },
			wantErr: true,
		},
		{
			name:    "negative max attempts",
			mutate:  func(c *Config) { c.Backoff.MaxAttempts = -1 },
			wantErr: true,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
