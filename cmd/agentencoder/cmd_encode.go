package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/golangast/agentencoder/neural/encoder"
	"github.com/golangast/agentencoder/neural/gobs"
	"github.com/golangast/agentencoder/neural/tensor"
)

var (
	inputPath  string
	allLayers  bool
	sequential bool
)

// encodeCmd runs a checkpoint over a batch of token ids
var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a batch of token ids with a saved encoder",
	Long: `Reads a JSON array of token id rows, each agents*part_len long, and writes
the per-agent encodings as JSON.

Example:
  echo '[[1,2,3,4,5,6]]' | agentencoder encode --model models/encoder.gob`,
	Args: cobra.NoArgs,
	RunE: runEncode,
}

// encodeResult is the JSON written by encode. Encodings are indexed
// [agent][batch][step][feature].
type encodeResult struct {
	RunID  string            `json:"run_id"`
	Final  [][][][]float64   `json:"final"`
	Local  [][][][]float64   `json:"local,omitempty"`
	Layers [][][][][]float64 `json:"layers,omitempty"`
}

func runEncode(cmd *cobra.Command, args []string) error {
	ids, err := readIDs(cmd.InOrStdin())
	if err != nil {
		return err
	}

	enc, cp, err := gobs.LoadEncoderFromGOB(modelPath,
		encoder.WithLogger(logger),
		encoder.WithParallel(!sequential))
	if err != nil {
		return fmt.Errorf("failed to load encoder: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := enc.Forward(ctx, ids, false)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	logger.Debug("Batch encoded", zap.Int("rows", len(ids)), zap.String("run_id", cp.RunID))

	result := encodeResult{RunID: cp.RunID, Final: agentsToSlices(out.Final())}
	if allLayers {
		result.Local = agentsToSlices(out.Local)
		for _, layer := range out.Layers {
			result.Layers = append(result.Layers, agentsToSlices(layer))
		}
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
}

func readIDs(stdin io.Reader) ([][]int, error) {
	r := stdin
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	var ids [][]int
	if err := json.NewDecoder(r).Decode(&ids); err != nil {
		return nil, fmt.Errorf("failed to decode token ids: %w", err)
	}
	return ids, nil
}

func agentsToSlices(agents []*tensor.Tensor) [][][][]float64 {
	out := make([][][][]float64, len(agents))
	for a, t := range agents {
		out[a] = toSlices(t)
	}
	return out
}

// toSlices converts a [b, T, d] tensor into nested slices.
func toSlices(t *tensor.Tensor) [][][]float64 {
	b, steps, d := t.Shape[0], t.Shape[1], t.Shape[2]
	out := make([][][]float64, b)
	for i := range out {
		out[i] = make([][]float64, steps)
		for s := range out[i] {
			off := (i*steps + s) * d
			out[i][s] = append([]float64(nil), t.Data[off:off+d]...)
		}
	}
	return out
}
