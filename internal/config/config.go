// Package config holds all regdelta configuration: comparator provider
// settings, detection thresholds, concurrency bounds, and storage paths.
// Thresholds are plain tunables; none of the exact values encode business
// rules beyond what the defaults document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all regdelta configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Comparator configures the external semantic comparator.
	Comparator ComparatorConfig `yaml:"comparator"`

	// Detection configures thresholds and limits for the engine.
	Detection DetectionConfig `yaml:"detection"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store"`

	// Logging configures the categorized file logger.
	Logging LoggingConfig `yaml:"logging"`
}

// ComparatorConfig configures the external LLM comparator.
type ComparatorConfig struct {
	Provider string `yaml:"provider"` // gemini, openai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// TimeoutDuration parses the configured timeout, defaulting to 120s.
func (c ComparatorConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// DetectionConfig configures the change detection engine proper.
type DetectionConfig struct {
	// Concurrency bounds in-flight classification calls.
	Concurrency int `yaml:"concurrency"`

	// MaxBlocksPerSide caps how many blocks each document contributes
	// to a matching pass.
	MaxBlocksPerSide int `yaml:"max_blocks_per_side"`

	// SnippetLength caps snippet text stored on change records.
	SnippetLength int `yaml:"snippet_length"`

	// PreviewLength caps per-block preview text in matching prompts.
	PreviewLength int `yaml:"preview_length"`

	// Thresholds for scoring, filtering, and fallback matching.
	Thresholds Thresholds `yaml:"thresholds"`
}

// Thresholds collects every tunable cutoff in one place.
type Thresholds struct {
	// Confidence level buckets (score >= X maps to the level).
	High   float64 `yaml:"high"`
	Medium float64 `yaml:"medium"`
	Low    float64 `yaml:"low"`

	// NumericBoost is added to the score when numerical changes are present.
	NumericBoost float64 `yaml:"numeric_boost"`

	// Asymmetric keep thresholds applied after dedup.
	KeepDetected   float64 `yaml:"keep_detected"`
	KeepUndetected float64 `yaml:"keep_undetected"`

	// JaccardMin is the minimum keyword overlap for fallback matching.
	JaccardMin float64 `yaml:"jaccard_min"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Debug     bool   `yaml:"debug"`
	Level     string `yaml:"level"` // debug, info, warn, error
	Workspace string `yaml:"workspace"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "regdelta",
		Version: "0.3.0",
		Comparator: ComparatorConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Timeout:  "120s",
		},
		Detection: DetectionConfig{
			Concurrency:      10,
			MaxBlocksPerSide: 100,
			SnippetLength:    500,
			PreviewLength:    200,
			Thresholds: Thresholds{
				High:           0.8,
				Medium:         0.5,
				Low:            0.4,
				NumericBoost:   0.1,
				KeepDetected:   0.5,
				KeepUndetected: 0.55,
				JaccardMin:     0.3,
			},
		},
		Store: StoreConfig{
			DatabasePath: ".regdelta/regdelta.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, layering it over the defaults
// and then applying environment overrides. A missing file is not an error:
// defaults plus environment are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.normalize()
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values for the
// settings that change between deploys.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REGDELTA_API_KEY"); v != "" {
		c.Comparator.APIKey = v
	}
	if v := os.Getenv("REGDELTA_PROVIDER"); v != "" {
		c.Comparator.Provider = v
	}
	if v := os.Getenv("REGDELTA_MODEL"); v != "" {
		c.Comparator.Model = v
	}
	if v := os.Getenv("REGDELTA_DB_PATH"); v != "" {
		c.Store.DatabasePath = v
	}
}

// normalize clamps nonsensical values back to defaults.
func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Detection.Concurrency <= 0 {
		c.Detection.Concurrency = def.Detection.Concurrency
	}
	if c.Detection.MaxBlocksPerSide <= 0 {
		c.Detection.MaxBlocksPerSide = def.Detection.MaxBlocksPerSide
	}
	if c.Detection.SnippetLength <= 0 {
		c.Detection.SnippetLength = def.Detection.SnippetLength
	}
	if c.Detection.PreviewLength <= 0 {
		c.Detection.PreviewLength = def.Detection.PreviewLength
	}
	t := &c.Detection.Thresholds
	if t.High <= 0 || t.High > 1 {
		t.High = def.Detection.Thresholds.High
	}
	if t.Medium <= 0 || t.Medium > t.High {
		t.Medium = def.Detection.Thresholds.Medium
	}
	if t.Low <= 0 || t.Low > t.Medium {
		t.Low = def.Detection.Thresholds.Low
	}
	if t.NumericBoost < 0 {
		t.NumericBoost = def.Detection.Thresholds.NumericBoost
	}
	if t.KeepDetected <= 0 {
		t.KeepDetected = def.Detection.Thresholds.KeepDetected
	}
	if t.KeepUndetected <= 0 {
		t.KeepUndetected = def.Detection.Thresholds.KeepUndetected
	}
	if t.JaccardMin <= 0 {
		t.JaccardMin = def.Detection.Thresholds.JaccardMin
	}
}
