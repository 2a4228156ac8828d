// Package gobs handles saving and loading encoders using the gob encoding.
package gobs

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/golangast/agentencoder/neural/encoder"
	"github.com/golangast/agentencoder/neural/tensor"
)

// Checkpoint is the on-disk form of an encoder.
type Checkpoint struct {
	RunID     string
	CreatedAt time.Time
	Config    encoder.Config
	Params    map[string]*tensor.Tensor
}

// NewCheckpoint snapshots the parameters of enc under a fresh run id.
func NewCheckpoint(enc *encoder.Encoder) *Checkpoint {
	return &Checkpoint{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Config:    enc.Config,
		Params:    enc.NamedParameters(),
	}
}

// SaveEncoderToGOB writes enc to filePath, creating parent directories.
func SaveEncoderToGOB(enc *encoder.Encoder, filePath string) (*Checkpoint, error) {
	cp := NewCheckpoint(enc)
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", dir, err)
		}
	}
	file, err := os.Create(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := gob.NewEncoder(file).Encode(cp); err != nil {
		file.Close()
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to encode checkpoint %s: %w", filePath, err)
	}
	return cp, file.Close()
}

// ReadCheckpoint decodes a checkpoint without building an encoder.
func ReadCheckpoint(filePath string) (*Checkpoint, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cp := new(Checkpoint)
	if err := gob.NewDecoder(file).Decode(cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", filePath, err)
	}
	return cp, nil
}

// LoadEncoderFromGOB rebuilds the encoder stored at filePath.
func LoadEncoderFromGOB(filePath string, opts ...encoder.Option) (*encoder.Encoder, *Checkpoint, error) {
	cp, err := ReadCheckpoint(filePath)
	if err != nil {
		return nil, nil, err
	}
	enc, err := cp.Restore(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %s: %w", filePath, err)
	}
	return enc, cp, nil
}

// Restore builds an encoder from the checkpoint's config and copies in every
// stored parameter. Missing, unknown or misshapen parameters are errors.
func (cp *Checkpoint) Restore(opts ...encoder.Option) (*encoder.Encoder, error) {
	enc, err := encoder.New(cp.Config, opts...)
	if err != nil {
		return nil, err
	}
	named := enc.NamedParameters()
	for name := range cp.Params {
		if _, ok := named[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}
	for name, p := range named {
		stored, ok := cp.Params[name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", name)
		}
		if len(stored.Data) != len(p.Data) || !slices.Equal(stored.Shape, p.Shape) {
			return nil, fmt.Errorf("%w: parameter %q stored as %v, model expects %v", tensor.ErrShapeMismatch, name, stored.Shape, p.Shape)
		}
		copy(p.Data, stored.Data)
	}
	return enc, nil
}

// ParameterNames returns the stored parameter names in sorted order.
func (cp *Checkpoint) ParameterNames() []string {
	names := make([]string, 0, len(cp.Params))
	for name := range cp.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeleteGobFile removes the checkpoint at filePath.
func DeleteGobFile(filePath string) error {
	err := os.Remove(filePath)
	if err != nil {
		return fmt.Errorf("failed to delete gob file %s: %w", filePath, err)
	}
	return nil
}
