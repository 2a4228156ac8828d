package encoder

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("encoder: invalid config")

// Config holds the model hyperparameters.
type Config struct {
	VocabSize    int `yaml:"vocab_size"`
	EmbeddingDim int `yaml:"embedding_dim"`
	EncodeDim    int `yaml:"encode_dim"`
	// ContextDim is the width of the contextual projection (W3, W4). Zero
	// means EmbeddingDim.
	ContextDim int `yaml:"context_dim"`
	Agents     int `yaml:"agents"`
	// PartLen is the number of tokens each agent reads.
	PartLen int `yaml:"part_len"`
	// Layers is the number of contextual refinement rounds.
	Layers  int     `yaml:"layers"`
	Dropout float64 `yaml:"dropout"`
}

// SequenceLength is the input length the encoder expects.
func (c Config) SequenceLength() int {
	return c.Agents * c.PartLen
}

// ProjectionDim resolves ContextDim.
func (c Config) ProjectionDim() int {
	if c.ContextDim == 0 {
		return c.EmbeddingDim
	}
	return c.ContextDim
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidConfig, name, v))
		}
	}
	positive("vocab_size", c.VocabSize)
	positive("embedding_dim", c.EmbeddingDim)
	positive("encode_dim", c.EncodeDim)
	positive("agents", c.Agents)
	positive("part_len", c.PartLen)
	if c.ContextDim < 0 {
		errs = append(errs, fmt.Errorf("%w: context_dim must not be negative, got %d", ErrInvalidConfig, c.ContextDim))
	}
	if c.Layers < 0 {
		errs = append(errs, fmt.Errorf("%w: layers must not be negative, got %d", ErrInvalidConfig, c.Layers))
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("%w: dropout must be in [0, 1), got %v", ErrInvalidConfig, c.Dropout))
	}
	return errors.Join(errs...)
}
