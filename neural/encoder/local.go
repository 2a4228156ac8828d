package encoder

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/golangast/agentencoder/neural/nn"
	"github.com/golangast/agentencoder/neural/tensor"
)

// LocalEncoder embeds the whole input once, splits it into one contiguous
// part per agent and encodes every part with the same BiLSTM and projection.
type LocalEncoder struct {
	Embedding *nn.Embedding
	BiLSTM    *nn.BiLSTM
	Dense     *nn.Linear
	Dropout   *nn.Dropout

	Agents  int
	PartLen int
}

// NewLocalEncoder builds the local encoder described by cfg.
func NewLocalEncoder(rng *rand.Rand, cfg Config) (*LocalEncoder, error) {
	embedding, err := nn.NewEmbedding(rng, cfg.VocabSize, cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	bi, err := nn.NewBiLSTM(rng, cfg.EmbeddingDim, cfg.EncodeDim)
	if err != nil {
		return nil, err
	}
	dense, err := nn.NewLinear(rng, bi.OutputSize(), cfg.EncodeDim)
	if err != nil {
		return nil, err
	}
	dropout, err := nn.NewDropout(cfg.Dropout)
	if err != nil {
		return nil, err
	}
	return &LocalEncoder{
		Embedding: embedding,
		BiLSTM:    bi,
		Dense:     dense,
		Dropout:   dropout,
		Agents:    cfg.Agents,
		PartLen:   cfg.PartLen,
	}, nil
}

// Parameters returns all learnable parameters of the local encoder.
func (l *LocalEncoder) Parameters() []*tensor.Tensor {
	params := l.Embedding.Parameters()
	params = append(params, l.BiLSTM.Parameters()...)
	return append(params, l.Dense.Parameters()...)
}

// NamedParameters adds the local encoder's parameters to into under prefix.
func (l *LocalEncoder) NamedParameters(prefix string, into map[string]*tensor.Tensor) {
	l.Embedding.NamedParameters(prefix+".embedding", into)
	l.BiLSTM.NamedParameters(prefix+".bilstm", into)
	l.Dense.NamedParameters(prefix+".dense", into)
}

// Forward returns one [batch, PartLen, EncodeDim] tensor per agent.
func (l *LocalEncoder) Forward(ctx context.Context, ids [][]int, p *pass) ([]*tensor.Tensor, error) {
	_, seqLength, err := nn.Dims(ids)
	if err != nil {
		return nil, err
	}
	if seqLength != l.Agents*l.PartLen {
		return nil, fmt.Errorf("%w: sequence length %d, want %d agents x %d tokens", ErrBadInput, seqLength, l.Agents, l.PartLen)
	}

	embedded, err := l.Embedding.Forward(ids)
	if err != nil {
		return nil, fmt.Errorf("local encoder embedding: %w", err)
	}
	embedded, err = l.Dropout.Forward(embedded, p.embedRNG, p.training)
	if err != nil {
		return nil, err
	}

	outputs := make([]*tensor.Tensor, l.Agents)
	err = p.forEachAgent(ctx, l.Agents, func(a int) error {
		part, err := embedded.Slice(1, a*l.PartLen, (a+1)*l.PartLen)
		if err != nil {
			return err
		}
		h, err := l.BiLSTM.Forward(part)
		if err != nil {
			return fmt.Errorf("agent %d: %w", a, err)
		}
		h, err = l.Dropout.Forward(h, p.agentRNG[a], p.training)
		if err != nil {
			return err
		}
		outputs[a], err = l.Dense.Forward(h)
		if err != nil {
			return fmt.Errorf("agent %d: %w", a, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}
