package nn

import (
	"fmt"

	"golang.org/x/exp/rand"

	. "github.com/golangast/agentencoder/neural/tensor"
)

// Dropout zeroes elements with probability Rate during training and scales
// the survivors by 1/(1-Rate).
type Dropout struct {
	Rate float64
}

// NewDropout validates rate, which must lie in [0, 1).
func NewDropout(rate float64) (*Dropout, error) {
	if rate < 0 || rate >= 1 {
		return nil, fmt.Errorf("dropout rate must be in [0, 1), got %v", rate)
	}
	return &Dropout{Rate: rate}, nil
}

// Forward returns x unchanged outside training.
func (d *Dropout) Forward(x *Tensor, rng *rand.Rand, training bool) (*Tensor, error) {
	if !training || d.Rate == 0 {
		return x, nil
	}
	keep := 1 - d.Rate
	mask := NewTensor(x.Shape, nil, false)
	for i := range mask.Data {
		if rng.Float64() < keep {
			mask.Data[i] = 1 / keep
		}
	}
	return x.Mul(mask)
}
