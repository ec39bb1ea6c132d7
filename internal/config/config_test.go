package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NonexistentFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load with nonexistent file should not error: %v", err)
	}

	// Verify defaults.
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("default host: expected 127.0.0.1, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 3800 {
		t.Errorf("default port: expected 3800, got %d", cfg.Server.Port)
	}
	if cfg.Store.Path != "audit.db" {
		t.Errorf("default store path: expected audit.db, got %q", cfg.Store.Path)
	}
	if !cfg.Auditor.Enabled {
		t.Error("default auditor: expected enabled")
	}
	if cfg.Auditor.IntervalDuration() != 5*time.Minute {
		t.Errorf("default interval: expected 5m, got %v", cfg.Auditor.IntervalDuration())
	}
	if cfg.Auditor.WindowDuration() != 24*time.Hour {
		t.Errorf("default window: expected 24h, got %v", cfg.Auditor.WindowDuration())
	}
	if !cfg.Dashboard.Enabled {
		t.Error("default dashboard: expected enabled")
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  host: "0.0.0.0"
  port: 9090
store:
  path: /var/lib/chainlog/audit.db
auditor:
  enabled: true
  interval: "1m"
  window: "48h"
  sweepEntityTypes:
    - "risk_*"
    - "strategy"
dashboard:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host: expected 0.0.0.0, got %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: expected 9090, got %d", cfg.Server.Port)
	}
	if cfg.Store.Path != "/var/lib/chainlog/audit.db" {
		t.Errorf("store path: got %q", cfg.Store.Path)
	}
	if cfg.Auditor.IntervalDuration() != time.Minute {
		t.Errorf("interval: expected 1m, got %v", cfg.Auditor.IntervalDuration())
	}
	if cfg.Auditor.WindowDuration() != 48*time.Hour {
		t.Errorf("window: expected 48h, got %v", cfg.Auditor.WindowDuration())
	}
	if len(cfg.Auditor.SweepEntityTypes) != 2 {
		t.Errorf("sweep patterns: expected 2, got %d", len(cfg.Auditor.SweepEntityTypes))
	}
	if cfg.Dashboard.Enabled {
		t.Error("dashboard: expected disabled")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("invalid YAML should error")
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty_host", "server:\n  host: \"\"\n  port: 3800\n"},
		{"port_out_of_range", "server:\n  host: 127.0.0.1\n  port: 70000\n"},
		{"empty_store_path", "store:\n  path: \"\"\n"},
		{"bad_interval", "auditor:\n  enabled: true\n  interval: soon\n  window: 24h\n"},
		{"bad_window", "auditor:\n  enabled: true\n  interval: 5m\n  window: \"-1h\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoad_DisabledAuditorSkipsDurationValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "auditor:\n  enabled: false\n  interval: garbage\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err != nil {
		t.Errorf("disabled auditor should not validate durations: %v", err)
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load after WriteDefault: %v", err)
	}
	if cfg.Server.Port != 3800 || !cfg.Auditor.Enabled {
		t.Errorf("written defaults should load unchanged: %+v", cfg)
	}
}
