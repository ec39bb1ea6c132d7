// Package config handles loading, validating, and writing the chainlog
// configuration from ~/.chainlog/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the dashboard and REST API
//   - Entry store location (SQLite database path)
//   - Integrity auditor schedule (interval, trailing window, sweeps)
//   - Dashboard toggle
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level chainlog configuration. Loaded from
// ~/.chainlog/config.yaml, with sensible defaults for fields that are not
// explicitly set.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auditor   AuditorConfig   `yaml:"auditor"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig defines where the API server listens.
// Default: 127.0.0.1:3800 (loopback only — never bind to 0.0.0.0).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig locates the entry store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// AuditorConfig controls the scheduled integrity auditor.
// Interval and Window are Go duration strings (e.g. "5m", "24h").
type AuditorConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Interval         string   `yaml:"interval"`
	Window           string   `yaml:"window"`
	SweepEntityTypes []string `yaml:"sweepEntityTypes"`
}

// IntervalDuration returns the parsed run interval. The value is validated
// at load time; a zero return means the config was never validated.
func (a AuditorConfig) IntervalDuration() time.Duration {
	d, _ := time.ParseDuration(a.Interval)
	return d
}

// WindowDuration returns the parsed trailing verification window.
func (a AuditorConfig) WindowDuration() time.Duration {
	d, _ := time.ParseDuration(a.Window)
	return d
}

// DashboardConfig controls the web dashboard served at /dashboard.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal on first run.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated and
// a comment header. Used by `chainlog config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# chainlog configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3800)
#
# store:
#   path: SQLite entry store location
#
# auditor:
#   enabled: Run the scheduled integrity auditor
#   interval: Time between audit runs (Go duration, e.g. "5m")
#   window: Trailing time span each run verifies (e.g. "24h")
#   sweepEntityTypes: Glob patterns of entity types that get a full-history
#     content sweep on every run (e.g. "risk_*")
#
# dashboard:
#   enabled: Serve the web UI and live feed

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their defaults.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3800,
		},
		Store: StoreConfig{
			Path: "audit.db",
		},
		Auditor: AuditorConfig{
			Enabled:  true,
			Interval: "5m",
			Window:   "24h",
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if cfg.Auditor.Enabled {
		if d, err := time.ParseDuration(cfg.Auditor.Interval); err != nil || d <= 0 {
			return fmt.Errorf("auditor.interval %q is not a positive duration", cfg.Auditor.Interval)
		}
		if d, err := time.ParseDuration(cfg.Auditor.Window); err != nil || d <= 0 {
			return fmt.Errorf("auditor.window %q is not a positive duration", cfg.Auditor.Window)
		}
	}

	return nil
}
