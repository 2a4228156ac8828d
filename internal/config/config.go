package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/golangast/agentencoder/neural/encoder"
)

// Config holds all agentencoder configuration.
type Config struct {
	// Model hyperparameters
	Model encoder.Config `yaml:"model"`

	// Runtime settings
	Runtime RuntimeConfig `yaml:"runtime"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RuntimeConfig controls how forward passes run.
type RuntimeConfig struct {
	Seed     uint64 `yaml:"seed"`
	Parallel bool   `yaml:"parallel"` // encode agents concurrently
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// Default returns a small, runnable configuration.
func Default() *Config {
	return &Config{
		Model: encoder.Config{
			VocabSize:    1000,
			EmbeddingDim: 32,
			EncodeDim:    32,
			Agents:       3,
			PartLen:      20,
			Layers:       2,
			Dropout:      0.1,
		},
		Runtime: RuntimeConfig{
			Seed:     1,
			Parallel: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the model and logging sections.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Model.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown log level %q", encoder.ErrInvalidConfig, c.Logging.Level))
	}
	return errors.Join(errs...)
}
