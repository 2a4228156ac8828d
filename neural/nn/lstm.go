package nn

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"

	. "github.com/golangast/agentencoder/neural/tensor"
)

// LSTMCell represents a single LSTM cell. The four gates share one fused
// weight matrix laid out as [input | forget | candidate | output].
type LSTMCell struct {
	InputSize  int
	HiddenSize int

	W *Tensor // [InputSize+HiddenSize, 4*HiddenSize]
	B *Tensor // [4*HiddenSize]
}

// NewLSTMCell creates a new LSTMCell. The forget gate bias starts at one.
func NewLSTMCell(rng *rand.Rand, inputSize, hiddenSize int) (*LSTMCell, error) {
	if inputSize < 1 || hiddenSize < 1 {
		return nil, fmt.Errorf("LSTM cell needs positive sizes, got input %d hidden %d", inputSize, hiddenSize)
	}
	stdDev := math.Sqrt(1.0 / float64(inputSize+hiddenSize))
	w := NewTensor([]int{inputSize + hiddenSize, 4 * hiddenSize}, nil, true)
	for i := range w.Data {
		w.Data[i] = rng.NormFloat64() * stdDev
	}
	b := NewTensor([]int{4 * hiddenSize}, nil, true)
	for i := hiddenSize; i < 2*hiddenSize; i++ {
		b.Data[i] = 1
	}
	return &LSTMCell{InputSize: inputSize, HiddenSize: hiddenSize, W: w, B: b}, nil
}

// Parameters returns all learnable parameters of the LSTMCell.
func (c *LSTMCell) Parameters() []*Tensor {
	return []*Tensor{c.W, c.B}
}

func (c *LSTMCell) NamedParameters(prefix string, into map[string]*Tensor) {
	into[join(prefix, "w")] = c.W
	into[join(prefix, "b")] = c.B
}

// Forward advances the cell by one step. input is [b, InputSize]; prevHidden
// and prevCell are [b, HiddenSize]. It returns the new hidden and cell states.
func (c *LSTMCell) Forward(input, prevHidden, prevCell *Tensor) (*Tensor, *Tensor, error) {
	combined, err := Concat([]*Tensor{input, prevHidden}, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("LSTMCell.Forward: %w", err)
	}
	gates, err := combined.MatMul(c.W)
	if err != nil {
		return nil, nil, fmt.Errorf("LSTMCell.Forward: %w", err)
	}
	gates, err = gates.AddWithBroadcast(c.B)
	if err != nil {
		return nil, nil, fmt.Errorf("LSTMCell.Forward: %w", err)
	}

	h := c.HiddenSize
	gate := func(i int) (*Tensor, error) { return gates.Slice(1, i*h, (i+1)*h) }

	it, err := gate(0)
	if err != nil {
		return nil, nil, err
	}
	ft, err := gate(1)
	if err != nil {
		return nil, nil, err
	}
	cct, err := gate(2)
	if err != nil {
		return nil, nil, err
	}
	ot, err := gate(3)
	if err != nil {
		return nil, nil, err
	}
	it, ft, cct, ot = it.Sigmoid(), ft.Sigmoid(), cct.Tanh(), ot.Sigmoid()

	// ct = ft * prev_c + it * cct
	kept, err := ft.Mul(prevCell)
	if err != nil {
		return nil, nil, err
	}
	written, err := it.Mul(cct)
	if err != nil {
		return nil, nil, err
	}
	ct, err := kept.Add(written)
	if err != nil {
		return nil, nil, err
	}

	// ht = ot * tanh(ct)
	ht, err := ot.Mul(ct.Tanh())
	if err != nil {
		return nil, nil, fmt.Errorf("LSTMCell.Forward: Mul operation failed for hidden state: %w", err)
	}
	return ht, ct, nil
}

// LSTM runs one cell across a sequence, optionally from the last step to the first.
type LSTM struct {
	Cell    *LSTMCell
	Reverse bool
}

// NewLSTM creates a new single-layer LSTM.
func NewLSTM(rng *rand.Rand, inputSize, hiddenSize int, reverse bool) (*LSTM, error) {
	cell, err := NewLSTMCell(rng, inputSize, hiddenSize)
	if err != nil {
		return nil, err
	}
	return &LSTM{Cell: cell, Reverse: reverse}, nil
}

// Parameters returns all learnable parameters of the LSTM.
func (l *LSTM) Parameters() []*Tensor {
	return l.Cell.Parameters()
}

func (l *LSTM) NamedParameters(prefix string, into map[string]*Tensor) {
	l.Cell.NamedParameters(join(prefix, "cell"), into)
}

// Forward runs the LSTM over a [b, T, InputSize] input from zero initial
// states and returns every hidden state as [b, T, HiddenSize]. Outputs are in
// input order for both directions.
func (l *LSTM) Forward(input *Tensor) (*Tensor, error) {
	if len(input.Shape) != 3 || input.Shape[2] != l.Cell.InputSize {
		return nil, fmt.Errorf("%w: LSTM expects [b, T, %d], got %v", ErrShapeMismatch, l.Cell.InputSize, input.Shape)
	}
	batchSize, steps := input.Shape[0], input.Shape[1]
	hidden := Zeros(batchSize, l.Cell.HiddenSize)
	cell := Zeros(batchSize, l.Cell.HiddenSize)

	outputs := make([]*Tensor, steps)
	for i := 0; i < steps; i++ {
		t := i
		if l.Reverse {
			t = steps - 1 - i
		}
		x, err := input.Step(t)
		if err != nil {
			return nil, err
		}
		hidden, cell, err = l.Cell.Forward(x, hidden, cell)
		if err != nil {
			return nil, fmt.Errorf("LSTM step %d: %w", t, err)
		}
		outputs[t] = hidden
	}
	return Stack(outputs, 1)
}

// BiLSTM concatenates a forward and a backward LSTM over the same input.
type BiLSTM struct {
	Fw *LSTM
	Bw *LSTM
}

// NewBiLSTM creates a BiLSTM whose output width is 2*hiddenSize.
func NewBiLSTM(rng *rand.Rand, inputSize, hiddenSize int) (*BiLSTM, error) {
	fw, err := NewLSTM(rng, inputSize, hiddenSize, false)
	if err != nil {
		return nil, err
	}
	bw, err := NewLSTM(rng, inputSize, hiddenSize, true)
	if err != nil {
		return nil, err
	}
	return &BiLSTM{Fw: fw, Bw: bw}, nil
}

// OutputSize is the width of each output step.
func (b *BiLSTM) OutputSize() int {
	return 2 * b.Fw.Cell.HiddenSize
}

// Parameters returns all learnable parameters of both directions.
func (b *BiLSTM) Parameters() []*Tensor {
	return append(b.Fw.Parameters(), b.Bw.Parameters()...)
}

func (b *BiLSTM) NamedParameters(prefix string, into map[string]*Tensor) {
	b.Fw.NamedParameters(join(prefix, "fw"), into)
	b.Bw.NamedParameters(join(prefix, "bw"), into)
}

// Forward returns [b, T, 2*hidden] with the forward direction first.
func (b *BiLSTM) Forward(input *Tensor) (*Tensor, error) {
	fw, err := b.Fw.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("BiLSTM forward direction: %w", err)
	}
	bw, err := b.Bw.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("BiLSTM backward direction: %w", err)
	}
	return Concat([]*Tensor{fw, bw}, 2)
}
