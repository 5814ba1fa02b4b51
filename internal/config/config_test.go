package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Setenv("HIVED_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}

	if cfg.Store.Path != "data/hived.db" {
		t.Errorf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("unexpected nats port %d", cfg.NATS.Port)
	}
	if cfg.Orchestra.FanOutWidth != 5 {
		t.Errorf("unexpected fan-out width %d", cfg.Orchestra.FanOutWidth)
	}
	if cfg.Lifecycle.MaxAttempts != 3 || cfg.Lifecycle.InitialDelay != 2*time.Second {
		t.Errorf("unexpected lifecycle defaults %+v", cfg.Lifecycle)
	}
	if cfg.Queue.LeaseDuration != 5*time.Minute {
		t.Errorf("unexpected lease duration %v", cfg.Queue.LeaseDuration)
	}
	if cfg.Budget.Thresholds[100] != "kill" {
		t.Errorf("expected kill at 100%%, got %q", cfg.Budget.Thresholds[100])
	}
	if cfg.Budget.FallbackPrice != 75.0 {
		t.Errorf("unexpected fallback price %f", cfg.Budget.FallbackPrice)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 8080 {
		t.Errorf("unexpected web defaults %+v", cfg.Web)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	data := `
store:
  path: /tmp/custom.db
nats:
  port: 5333
orchestrator:
  fan_out_width: 2
lifecycle:
  max_attempts: 5
  failover_models:
    - backup-model
budget:
  fallback_price: 12.5
  thresholds:
    80: block
web:
  port: 9090
  auth: "ops:secret"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HIVED_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/tmp/custom.db" {
		t.Errorf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.NATS.Port != 5333 {
		t.Errorf("unexpected nats port %d", cfg.NATS.Port)
	}
	if cfg.Orchestra.FanOutWidth != 2 {
		t.Errorf("unexpected fan-out width %d", cfg.Orchestra.FanOutWidth)
	}
	if cfg.Lifecycle.MaxAttempts != 5 {
		t.Errorf("unexpected max attempts %d", cfg.Lifecycle.MaxAttempts)
	}
	if len(cfg.Lifecycle.FailoverModels) != 1 || cfg.Lifecycle.FailoverModels[0] != "backup-model" {
		t.Errorf("unexpected failover models %v", cfg.Lifecycle.FailoverModels)
	}
	if cfg.Budget.FallbackPrice != 12.5 {
		t.Errorf("unexpected fallback price %f", cfg.Budget.FallbackPrice)
	}
	if cfg.Budget.Thresholds[80] != "block" {
		t.Errorf("unexpected thresholds %v", cfg.Budget.Thresholds)
	}
	if cfg.Web.Port != 9090 || cfg.Web.Auth != "ops:secret" {
		t.Errorf("unexpected web config %+v", cfg.Web)
	}

	// Unset sections keep their defaults.
	if cfg.Queue.LeaseDuration != 5*time.Minute {
		t.Errorf("expected default lease duration, got %v", cfg.Queue.LeaseDuration)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVED_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("HIVED_STORE_PATH", "/tmp/env.db")
	t.Setenv("HIVED_NATS_PORT", "6222")
	t.Setenv("HIVED_WEB_PORT", "7070")
	t.Setenv("HIVED_WEB_PASSWORD", "hunter2")
	t.Setenv("HIVED_RUNTIME_API_KEY", "sk-test")
	t.Setenv("HIVED_VAULT_PASSPHRASE", "open sesame")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/tmp/env.db" {
		t.Errorf("unexpected store path %q", cfg.Store.Path)
	}
	if cfg.NATS.Port != 6222 {
		t.Errorf("unexpected nats port %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 7070 || cfg.Web.Auth != "hunter2" {
		t.Errorf("unexpected web config %+v", cfg.Web)
	}
	if cfg.Runtime.APIKey != "sk-test" {
		t.Errorf("unexpected api key %q", cfg.Runtime.APIKey)
	}
	if cfg.Vault.Passphrase != "open sesame" {
		t.Errorf("unexpected passphrase %q", cfg.Vault.Passphrase)
	}
}

func TestEnvExpansionInYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hived.yaml")
	data := `
runtime:
  api_key: "${TEST_API_KEY}"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HIVED_CONFIG", path)
	t.Setenv("TEST_API_KEY", "sk-expanded")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Runtime.APIKey != "sk-expanded" {
		t.Errorf("expected env expansion, got %q", cfg.Runtime.APIKey)
	}
}

func TestValidate(t *testing.T) {
	base := defaults()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero fan-out", func(c *Config) { c.Orchestra.FanOutWidth = 0 }},
		{"zero attempts", func(c *Config) { c.Lifecycle.MaxAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.Lifecycle.BackoffMultiplier = 0.5 }},
		{"zero lease", func(c *Config) { c.Queue.LeaseDuration = 0 }},
		{"bad threshold pct", func(c *Config) { c.Budget.Thresholds = map[int]string{0: "warn"} }},
		{"bad threshold action", func(c *Config) { c.Budget.Thresholds = map[int]string{50: "explode"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := Validate(&cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := base
	if err := Validate(&cfg); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}
