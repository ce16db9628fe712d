// Package config holds run configuration for the cadence pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects the coordination store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the database path for the sqlite backend.
	Path string `yaml:"path"`
}

// Config holds all cadence run configuration.
type Config struct {
	// ConcurrencyLimit bounds the scheduler worker pool. Must be >= 1.
	ConcurrencyLimit int `yaml:"concurrency_limit"`

	// MaxRetries bounds fixer invocations per failure signature.
	MaxRetries int `yaml:"max_retries"`

	// GateConditionalThreshold is the aggregate score (0-100) below which
	// a gate verdict becomes conditional.
	GateConditionalThreshold int `yaml:"gate_conditional_threshold"`

	// MajorFindingLimit is the number of major findings a phase may carry
	// before its verdict becomes conditional.
	MajorFindingLimit int `yaml:"major_finding_limit"`

	// PerUnitTimeoutMs is the timeout applied to every unit invocation.
	PerUnitTimeoutMs int `yaml:"per_unit_timeout_ms"`

	// Store selects the coordination store backend.
	Store StoreConfig `yaml:"store"`

	// ArtifactDir is where run reports and escalation artifacts land.
	ArtifactDir string `yaml:"artifact_dir"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		ConcurrencyLimit:         4,
		MaxRetries:               3,
		GateConditionalThreshold: 70,
		MajorFindingLimit:        0,
		PerUnitTimeoutMs:         300_000,
		Store:                    StoreConfig{Backend: "memory"},
		ArtifactDir:              ".cadence",
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("concurrency_limit must be >= 1, got %d", c.ConcurrencyLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.GateConditionalThreshold < 0 || c.GateConditionalThreshold > 100 {
		return fmt.Errorf("gate_conditional_threshold must be 0-100, got %d", c.GateConditionalThreshold)
	}
	if c.MajorFindingLimit < 0 {
		return fmt.Errorf("major_finding_limit must be >= 0, got %d", c.MajorFindingLimit)
	}
	if c.PerUnitTimeoutMs <= 0 {
		return fmt.Errorf("per_unit_timeout_ms must be > 0, got %d", c.PerUnitTimeoutMs)
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

// PerUnitTimeout returns the per-unit timeout as a duration.
func (c Config) PerUnitTimeout() time.Duration {
	return time.Duration(c.PerUnitTimeoutMs) * time.Millisecond
}
