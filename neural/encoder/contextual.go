package encoder

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	"github.com/golangast/agentencoder/neural/nn"
	"github.com/golangast/agentencoder/neural/tensor"
)

// ContextLayer is one round of cross-agent refinement. Its parameters are
// shared by every agent.
type ContextLayer struct {
	W3     *tensor.Tensor // [EncodeDim, ProjectionDim], applied to the agent's own states
	W4     *tensor.Tensor // [EncodeDim, ProjectionDim], applied to the message from the others
	BiLSTM *nn.BiLSTM
	Dense  *nn.Linear
}

func newContextLayer(rng *rand.Rand, encodeDim, projectionDim int) (*ContextLayer, error) {
	stdDev := math.Sqrt(1.0 / float64(encodeDim))
	w3 := tensor.NewTensor([]int{encodeDim, projectionDim}, nil, true)
	w4 := tensor.NewTensor([]int{encodeDim, projectionDim}, nil, true)
	for i := range w3.Data {
		w3.Data[i] = rng.NormFloat64() * stdDev
		w4.Data[i] = rng.NormFloat64() * stdDev
	}
	bi, err := nn.NewBiLSTM(rng, projectionDim, encodeDim)
	if err != nil {
		return nil, err
	}
	dense, err := nn.NewLinear(rng, bi.OutputSize(), encodeDim)
	if err != nil {
		return nil, err
	}
	return &ContextLayer{W3: w3, W4: w4, BiLSTM: bi, Dense: dense}, nil
}

// Parameters returns all learnable parameters of the layer.
func (l *ContextLayer) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.W3, l.W4}
	params = append(params, l.BiLSTM.Parameters()...)
	return append(params, l.Dense.Parameters()...)
}

// NamedParameters adds the layer's parameters to into under prefix.
func (l *ContextLayer) NamedParameters(prefix string, into map[string]*tensor.Tensor) {
	into[prefix+".w3"] = l.W3
	into[prefix+".w4"] = l.W4
	l.BiLSTM.NamedParameters(prefix+".bilstm", into)
	l.Dense.NamedParameters(prefix+".dense", into)
}

// Forward computes Dense(BiLSTM(tanh(h·W3 + z·W4))) for one agent, where h is
// [b, T, EncodeDim] and z is the [b, EncodeDim] message from the other agents.
func (l *ContextLayer) Forward(h, z *tensor.Tensor) (*tensor.Tensor, error) {
	f, err := l.project(h, z)
	if err != nil {
		return nil, err
	}
	encoded, err := l.BiLSTM.Forward(f)
	if err != nil {
		return nil, err
	}
	return l.Dense.Forward(encoded)
}

// project returns tanh(h·W3 + z·W4) with z added at every step.
func (l *ContextLayer) project(h, z *tensor.Tensor) (*tensor.Tensor, error) {
	if len(h.Shape) != 3 {
		return nil, fmt.Errorf("%w: context layer expects [b, T, d], got %v", tensor.ErrShapeMismatch, h.Shape)
	}
	batchSize, steps, encodeDim := h.Shape[0], h.Shape[1], h.Shape[2]

	flat, err := h.Reshape([]int{batchSize * steps, encodeDim})
	if err != nil {
		return nil, err
	}
	own, err := flat.MatMul(l.W3)
	if err != nil {
		return nil, fmt.Errorf("context layer W3 projection: %w", err)
	}
	own, err = own.Reshape([]int{batchSize, steps, l.W3.Shape[1]})
	if err != nil {
		return nil, err
	}
	message, err := z.MatMul(l.W4)
	if err != nil {
		return nil, fmt.Errorf("context layer W4 projection: %w", err)
	}
	f, err := own.AddAlongSteps(message)
	if err != nil {
		return nil, err
	}
	return f.Tanh(), nil
}

// ContextualEncoder stacks context layers. Layer k reads the output of layer
// k-1; the first layer reads the local encodings.
type ContextualEncoder struct {
	Layers []*ContextLayer
	Agents int
}

// NewContextualEncoder builds cfg.Layers context layers.
func NewContextualEncoder(rng *rand.Rand, cfg Config) (*ContextualEncoder, error) {
	layers := make([]*ContextLayer, cfg.Layers)
	for i := range layers {
		layer, err := newContextLayer(rng, cfg.EncodeDim, cfg.ProjectionDim())
		if err != nil {
			return nil, fmt.Errorf("context layer %d: %w", i, err)
		}
		layers[i] = layer
	}
	return &ContextualEncoder{Layers: layers, Agents: cfg.Agents}, nil
}

// Parameters returns all learnable parameters of every layer.
func (c *ContextualEncoder) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, l := range c.Layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// NamedParameters adds every layer's parameters to into, one prefix.layerN group per layer.
func (c *ContextualEncoder) NamedParameters(prefix string, into map[string]*tensor.Tensor) {
	for i, l := range c.Layers {
		l.NamedParameters(fmt.Sprintf("%s.layer%d", prefix, i), into)
	}
}

// Forward refines the per-agent encodings through every layer and returns
// the outputs of each layer in order.
func (c *ContextualEncoder) Forward(ctx context.Context, local []*tensor.Tensor, p *pass) ([][]*tensor.Tensor, error) {
	if len(local) != c.Agents {
		return nil, fmt.Errorf("%w: got %d agent encodings, want %d", ErrBadInput, len(local), c.Agents)
	}
	results := make([][]*tensor.Tensor, 0, len(c.Layers))
	prev := local
	for k, layer := range c.Layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messages, err := Messages(prev)
		if err != nil {
			return nil, fmt.Errorf("context layer %d: %w", k, err)
		}

		next := make([]*tensor.Tensor, c.Agents)
		err = p.forEachAgent(ctx, c.Agents, func(a int) error {
			out, err := layer.Forward(prev[a], messages[a])
			if err != nil {
				return fmt.Errorf("context layer %d agent %d: %w", k, a, err)
			}
			next[a] = out
			return nil
		})
		if err != nil {
			return nil, err
		}
		results = append(results, next)
		prev = next
	}
	return results, nil
}

// Messages returns, for every agent, the mean of the other agents' last-step
// states. Each encoding is [b, T, d] and each message is [b, d]. A single
// agent receives a zero message.
func Messages(encodings []*tensor.Tensor) ([]*tensor.Tensor, error) {
	lasts := make([]*tensor.Tensor, len(encodings))
	for a, h := range encodings {
		if len(h.Shape) != 3 {
			return nil, fmt.Errorf("%w: agent %d encoding has shape %v", tensor.ErrShapeMismatch, a, h.Shape)
		}
		last, err := h.Step(h.Shape[1] - 1)
		if err != nil {
			return nil, err
		}
		lasts[a] = last
	}

	messages := make([]*tensor.Tensor, len(lasts))
	if len(lasts) == 1 {
		messages[0] = tensor.Zeros(lasts[0].Shape...)
		return messages, nil
	}
	for a := range lasts {
		var sum *tensor.Tensor
		for m, last := range lasts {
			if m == a {
				continue
			}
			if sum == nil {
				sum = last
				continue
			}
			var err error
			sum, err = sum.Add(last)
			if err != nil {
				return nil, err
			}
		}
		mean, err := sum.DivScalar(float64(len(lasts) - 1))
		if err != nil {
			return nil, err
		}
		messages[a] = mean
	}
	return messages, nil
}
