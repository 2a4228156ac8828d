package gobs

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golangast/agentencoder/neural/encoder"
	"github.com/golangast/agentencoder/neural/tensor"
)

func smallEncoder(t *testing.T, seed uint64) *encoder.Encoder {
	t.Helper()
	enc, err := encoder.New(encoder.Config{
		VocabSize:    9,
		EmbeddingDim: 3,
		EncodeDim:    2,
		Agents:       2,
		PartLen:      3,
		Layers:       1,
	}, encoder.WithSeed(seed))
	require.NoError(t, err)
	return enc
}

func TestSaveAndLoadEncoder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "model.gob")
	original := smallEncoder(t, 1)

	saved, err := SaveEncoderToGOB(original, path)
	require.NoError(t, err)
	_, err = uuid.Parse(saved.RunID)
	require.NoError(t, err)

	loaded, cp, err := LoadEncoderFromGOB(path, encoder.WithSeed(99))
	require.NoError(t, err)
	assert.Equal(t, saved.RunID, cp.RunID)
	assert.Equal(t, original.Config, loaded.Config)
	assert.Equal(t, original.ParameterNames(), cp.ParameterNames())

	ids := [][]int{{1, 2, 3, 4, 5, 6}}
	want, err := original.Forward(context.Background(), ids, false)
	require.NoError(t, err)
	got, err := loaded.Forward(context.Background(), ids, false)
	require.NoError(t, err)
	for a := range want.Final() {
		assert.Equal(t, want.Final()[a].Data, got.Final()[a].Data)
	}

	require.NoError(t, DeleteGobFile(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, DeleteGobFile(path))
}

func TestSaveRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.gob")
	enc := smallEncoder(t, 2)
	bias := enc.NamedParameters()["local.dense.biases"]
	bias.Data = append(bias.Data, 1)

	_, err := SaveEncoderToGOB(enc, path)
	require.Error(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no checkpoint may be left behind")
}

func TestRestoreRejectsMismatchedParameters(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cp *Checkpoint)
	}{
		{"missing", func(cp *Checkpoint) { delete(cp.Params, "local.dense.weights") }},
		{"unknown", func(cp *Checkpoint) { cp.Params["local.extra"] = tensor.Zeros(1) }},
		{"misshapen", func(cp *Checkpoint) { cp.Params["contextual.layer0.w3"] = tensor.Zeros(3, 2) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cp := NewCheckpoint(smallEncoder(t, 3))
			params := map[string]*tensor.Tensor{}
			for k, v := range cp.Params {
				params[k] = v.Clone()
			}
			cp.Params = params
			tc.mutate(cp)

			_, err := cp.Restore()
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	_, _, err := LoadEncoderFromGOB(filepath.Join(dir, "absent.gob"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.gob")
	require.NoError(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o644))
	_, _, err = LoadEncoderFromGOB(garbage)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.gob")
	f, err := os.Create(invalid)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(f).Encode(&Checkpoint{Config: encoder.Config{Agents: 0}}))
	require.NoError(t, f.Close())
	_, _, err = LoadEncoderFromGOB(invalid)
	assert.ErrorIs(t, err, encoder.ErrInvalidConfig)
}
