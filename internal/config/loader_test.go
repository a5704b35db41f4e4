package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaultsOnly(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom with missing file failed: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "bolt" {
		t.Errorf("default driver = %q, want bolt", cfg.Database.Driver)
	}
	if cfg.Sandbox.Limits.MemoryMB != 2048 {
		t.Errorf("default sandbox memory = %d, want 2048", cfg.Sandbox.Limits.MemoryMB)
	}
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	yaml := `
server:
  port: "9999"
database:
  driver: postgres
  postgres:
    dsn: postgres://u:p@db:5432/crucible
verify:
  max_fix_attempts: 4
sandbox:
  stop_grace: 30s
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("port = %q, want 9999", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.Database.Driver)
	}
	if cfg.Verify.MaxFixAttempts != 4 {
		t.Errorf("max_fix_attempts = %d, want 4", cfg.Verify.MaxFixAttempts)
	}
	if cfg.Sandbox.StopGrace != 30*time.Second {
		t.Errorf("stop_grace = %v, want 30s", cfg.Sandbox.StopGrace)
	}
	// Values the file does not mention keep their defaults.
	if cfg.Cache.L2Bucket != "crucible-cache" {
		t.Errorf("l2_bucket = %q, want crucible-cache", cfg.Cache.L2Bucket)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("CRUCIBLE_PORT", "7070")
	t.Setenv("CRUCIBLE_MAX_FIX_ATTEMPTS", "7")
	t.Setenv("CRUCIBLE_LOG_ASYNC", "true")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("port = %q, want env override 7070", cfg.Server.Port)
	}
	if cfg.Verify.MaxFixAttempts != 7 {
		t.Errorf("max_fix_attempts = %d, want 7", cfg.Verify.MaxFixAttempts)
	}
	if !cfg.Logging.Async {
		t.Error("logging.async not set from env")
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.Postgres.DSN = ""
		}},
		{"bolt without path", func(c *Config) { c.Database.Bolt.Path = "" }},
		{"no sandbox image", func(c *Config) { c.Sandbox.DefaultImage = "" }},
		{"negative fix attempts", func(c *Config) { c.Verify.MaxFixAttempts = -1 }},
		{"bad sample ratio", func(c *Config) { c.OTel.SampleRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFromBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crucible.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}
