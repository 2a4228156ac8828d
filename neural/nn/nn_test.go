package nn

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	. "github.com/golangast/agentencoder/neural/tensor"
)

func newRNG() *rand.Rand {
	return rand.New(rand.NewSource(7))
}

func randomInput(rng *rand.Rand, shape ...int) *Tensor {
	t := NewTensor(shape, nil, false)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

func TestLinearShapes(t *testing.T) {
	rng := newRNG()
	l, err := NewLinear(rng, 4, 3)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		input *Tensor
		want  []int
	}{
		{"2D", randomInput(rng, 5, 4), []int{5, 3}},
		{"3D", randomInput(rng, 2, 6, 4), []int{2, 6, 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := l.Forward(tc.input)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, out.Shape); diff != "" {
				t.Errorf("Linear.Forward shape (-want +got):\n%s", diff)
			}
		})
	}

	_, err = l.Forward(randomInput(rng, 4))
	assert.Error(t, err)
	_, err = NewLinear(rng, 0, 3)
	assert.Error(t, err)
}

func TestLinear3DMatchesRowwise(t *testing.T) {
	rng := newRNG()
	l, err := NewLinear(rng, 3, 2)
	require.NoError(t, err)
	x := randomInput(rng, 2, 4, 3)

	out, err := l.Forward(x)
	require.NoError(t, err)
	for step := 0; step < 4; step++ {
		xs, err := x.Step(step)
		require.NoError(t, err)
		want, err := l.Forward(xs)
		require.NoError(t, err)
		got, err := out.Step(step)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Data, got.Data, 1e-12)
	}
}

func TestEmbeddingForward(t *testing.T) {
	e, err := NewEmbedding(newRNG(), 5, 3)
	require.NoError(t, err)

	out, err := e.Forward([][]int{{0, 4}, {2, 2}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, out.Shape)
	assert.Equal(t, e.Weight.Data[12:15], out.Data[3:6])
	assert.Equal(t, out.Data[6:9], out.Data[9:12])

	testCases := []struct {
		name string
		ids  [][]int
		want error
	}{
		{"empty batch", nil, ErrBadInput},
		{"empty row", [][]int{{}}, ErrBadInput},
		{"ragged", [][]int{{1, 2}, {1}}, ErrBadInput},
		{"negative id", [][]int{{-1}}, ErrTokenOutOfRange},
		{"id past vocabulary", [][]int{{5}}, ErrTokenOutOfRange},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Forward(tc.ids)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEmbeddingPretrained(t *testing.T) {
	e, err := NewEmbedding(newRNG(), 3, 2)
	require.NoError(t, err)
	require.NoError(t, e.LoadPretrainedWeights(map[int][]float64{1: {0.5, -0.5}}))
	assert.Equal(t, []float64{0.5, -0.5}, e.Weight.Data[2:4])

	assert.ErrorIs(t, e.LoadPretrainedWeights(map[int][]float64{3: {0, 0}}), ErrTokenOutOfRange)
	assert.Error(t, e.LoadPretrainedWeights(map[int][]float64{0: {1}}))
}

func TestDropout(t *testing.T) {
	_, err := NewDropout(1)
	assert.Error(t, err)
	_, err = NewDropout(-0.1)
	assert.Error(t, err)

	d, err := NewDropout(0.5)
	require.NoError(t, err)
	x := NewTensor([]int{1000}, nil, false)
	for i := range x.Data {
		x.Data[i] = 1
	}

	same, err := d.Forward(x, newRNG(), false)
	require.NoError(t, err)
	assert.Same(t, x, same)

	out, err := d.Forward(x, newRNG(), true)
	require.NoError(t, err)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, 2.0, v)
		}
	}
	assert.InDelta(t, 500, zeros, 100)
}

func TestLSTMReverseMatchesReversedInput(t *testing.T) {
	rng := newRNG()
	reverse, err := NewLSTM(rng, 3, 4, true)
	require.NoError(t, err)
	forward := &LSTM{Cell: reverse.Cell}

	x := randomInput(rng, 2, 5, 3)
	steps := make([]*Tensor, 5)
	for s := range steps {
		steps[s], err = x.Step(4 - s)
		require.NoError(t, err)
	}
	flipped, err := Stack(steps, 1)
	require.NoError(t, err)

	got, err := reverse.Forward(x)
	require.NoError(t, err)
	want, err := forward.Forward(flipped)
	require.NoError(t, err)

	for s := 0; s < 5; s++ {
		g, _ := got.Step(s)
		w, _ := want.Step(4 - s)
		assert.InDeltaSlice(t, w.Data, g.Data, 1e-12, "step %d", s)
	}
}

func TestBiLSTMShapeAndGradient(t *testing.T) {
	rng := newRNG()
	bi, err := NewBiLSTM(rng, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 6, bi.OutputSize())

	x := randomInput(rng, 2, 4, 2)
	x.RequiresGrad = true
	out, err := bi.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 6}, out.Shape)

	loss := func() float64 {
		o, err := bi.Forward(x)
		require.NoError(t, err)
		sq, err := o.Mul(o)
		require.NoError(t, err)
		return sq.Sum().Data[0]
	}

	sq, err := out.Mul(out)
	require.NoError(t, err)
	require.NoError(t, sq.Sum().Backward(nil))

	const eps = 1e-6
	for _, p := range []*Tensor{x, bi.Fw.Cell.W, bi.Bw.Cell.B} {
		require.NotNil(t, p.Grad)
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			plus := loss()
			p.Data[i] = orig - eps
			minus := loss()
			p.Data[i] = orig
			assert.InDelta(t, (plus-minus)/(2*eps), p.Grad.Data[i], 1e-5)
		}
	}
}

func TestNamedParametersAreUnique(t *testing.T) {
	bi, err := NewBiLSTM(newRNG(), 2, 3)
	require.NoError(t, err)
	named := map[string]*Tensor{}
	bi.NamedParameters("ctx", named)
	assert.Len(t, named, len(bi.Parameters()))
	assert.Contains(t, named, "ctx.fw.cell.w")
	assert.Contains(t, named, "ctx.bw.cell.b")
}

func TestAdamReducesLoss(t *testing.T) {
	rng := newRNG()
	l, err := NewLinear(rng, 3, 1)
	require.NoError(t, err)
	x := randomInput(rng, 8, 3)
	opt := NewOptimizer(l.Parameters(), 0.05, 1.0)

	loss := func() *Tensor {
		out, err := l.Forward(x)
		require.NoError(t, err)
		sq, err := out.Mul(out)
		require.NoError(t, err)
		return sq.Sum()
	}

	before := loss().Data[0]
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		require.NoError(t, loss().Backward(nil))
		opt.Step()
	}
	after := loss().Data[0]
	assert.Less(t, after, before)
	assert.False(t, math.IsNaN(after))
}
