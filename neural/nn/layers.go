package nn

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	. "github.com/golangast/agentencoder/neural/tensor"
)

var (
	// ErrBadInput is returned for empty or ragged token batches.
	ErrBadInput = errors.New("nn: bad input")
	// ErrTokenOutOfRange is returned for a token id outside the vocabulary.
	ErrTokenOutOfRange = errors.New("nn: token id out of range")
)

// Module is anything that owns learnable tensors.
type Module interface {
	Parameters() []*Tensor
	// NamedParameters adds every learnable tensor to into, keyed by prefix
	// joined with the tensor's local name.
	NamedParameters(prefix string, into map[string]*Tensor)
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Linear represents a fully connected layer. It keeps no per-call state, so
// one Linear can serve concurrent forward passes.
type Linear struct {
	Weights *Tensor
	Biases  *Tensor
}

// NewLinear creates a new Linear layer with He-initialised weights and zero biases.
func NewLinear(rng *rand.Rand, inputDim, outputDim int) (*Linear, error) {
	if inputDim < 1 || outputDim < 1 {
		return nil, fmt.Errorf("linear layer needs positive dimensions, got %dx%d", inputDim, outputDim)
	}
	stdDev := math.Sqrt(2.0 / float64(inputDim))
	weights := NewTensor([]int{inputDim, outputDim}, nil, true)
	for i := range weights.Data {
		weights.Data[i] = rng.NormFloat64() * stdDev
	}
	biases := NewTensor([]int{outputDim}, nil, true)

	return &Linear{Weights: weights, Biases: biases}, nil
}

// Parameters returns all learnable parameters of the layer.
func (l *Linear) Parameters() []*Tensor {
	return []*Tensor{l.Weights, l.Biases}
}

func (l *Linear) NamedParameters(prefix string, into map[string]*Tensor) {
	into[join(prefix, "weights")] = l.Weights
	into[join(prefix, "biases")] = l.Biases
}

// Forward applies the layer to a 2D [n, in] or 3D [b, T, in] input.
func (l *Linear) Forward(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, fmt.Errorf("Linear.Forward received a nil input tensor")
	}
	switch len(input.Shape) {
	case 2:
		output, err := input.MatMul(l.Weights)
		if err != nil {
			return nil, fmt.Errorf("linear layer 2D matrix multiplication failed: %w", err)
		}
		return output.AddWithBroadcast(l.Biases)

	case 3:
		batchSize, seqLength, inputDim := input.Shape[0], input.Shape[1], input.Shape[2]
		flat, err := input.Reshape([]int{batchSize * seqLength, inputDim})
		if err != nil {
			return nil, err
		}
		output2D, err := l.Forward(flat)
		if err != nil {
			return nil, fmt.Errorf("linear layer 3D projection failed: %w", err)
		}
		return output2D.Reshape([]int{batchSize, seqLength, l.Weights.Shape[1]})

	default:
		return nil, fmt.Errorf("linear layer only supports 2D or 3D input, got %d dimensions", len(input.Shape))
	}
}
