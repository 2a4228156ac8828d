package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	. "github.com/golangast/agentencoder/neural/tensor"
)

// Embedding represents a token embedding table.
type Embedding struct {
	DimModel  int
	VocabSize int
	Weight    *Tensor // [VocabSize, DimModel]
}

// NewEmbedding creates a new Embedding layer with weights drawn from [-0.1, 0.1).
func NewEmbedding(rng *rand.Rand, vocabSize, dimModel int) (*Embedding, error) {
	if vocabSize < 1 || dimModel < 1 {
		return nil, fmt.Errorf("embedding needs positive sizes, got vocab %d dim %d", vocabSize, dimModel)
	}
	weights := NewTensor([]int{vocabSize, dimModel}, nil, true)
	for i := range weights.Data {
		weights.Data[i] = (rng.Float64()*2 - 1) * 0.1
	}
	return &Embedding{
		Weight:    weights,
		DimModel:  dimModel,
		VocabSize: vocabSize,
	}, nil
}

// LoadPretrainedWeights copies pretrained vectors into the table. Ids outside
// the vocabulary and vectors of the wrong width are reported.
func (e *Embedding) LoadPretrainedWeights(weights map[int][]float64) error {
	for tokenID, vector := range weights {
		if tokenID < 0 || tokenID >= e.VocabSize {
			return fmt.Errorf("%w: pretrained id %d, vocabulary %d", ErrTokenOutOfRange, tokenID, e.VocabSize)
		}
		if len(vector) != e.DimModel {
			return fmt.Errorf("pretrained vector for id %d has %d values, want %d", tokenID, len(vector), e.DimModel)
		}
		copy(e.Weight.Data[tokenID*e.DimModel:(tokenID+1)*e.DimModel], vector)
	}
	return nil
}

// Parameters returns all learnable parameters of the layer.
func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.Weight}
}

func (e *Embedding) NamedParameters(prefix string, into map[string]*Tensor) {
	into[join(prefix, "weight")] = e.Weight
}

// Forward looks up a [batch, seq] id matrix and returns [batch, seq, DimModel].
func (e *Embedding) Forward(ids [][]int) (*Tensor, error) {
	batchSize, seqLength, err := Dims(ids)
	if err != nil {
		return nil, err
	}
	flat := make([]int, 0, batchSize*seqLength)
	for b, row := range ids {
		for s, id := range row {
			if id < 0 || id >= e.VocabSize {
				return nil, fmt.Errorf("%w: id %d at [%d,%d], vocabulary %d", ErrTokenOutOfRange, id, b, s, e.VocabSize)
			}
		}
		flat = append(flat, row...)
	}
	rows, err := Gather(e.Weight, flat)
	if err != nil {
		return nil, err
	}
	return rows.Reshape([]int{batchSize, seqLength, e.DimModel})
}

// Dims returns the batch size and sequence length of a rectangular id matrix.
func Dims(ids [][]int) (batchSize, seqLength int, err error) {
	if len(ids) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrBadInput)
	}
	seqLength = len(ids[0])
	if seqLength == 0 {
		return 0, 0, fmt.Errorf("%w: empty sequence", ErrBadInput)
	}
	for i, row := range ids {
		if len(row) != seqLength {
			return 0, 0, fmt.Errorf("%w: row %d has %d tokens, row 0 has %d", ErrBadInput, i, len(row), seqLength)
		}
	}
	return len(ids), seqLength, nil
}
