package tensor

import (
	"bytes"
	"encoding/gob"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(shape []int, scale float64, requiresGrad bool) *Tensor {
	t := NewTensor(shape, nil, requiresGrad)
	for i := range t.Data {
		t.Data[i] = scale * float64(i+1) * math.Pow(-1, float64(i))
	}
	return t
}

// checkGradient compares the analytic gradient of sum(f(x)) with central differences.
func checkGradient(t *testing.T, x *Tensor, f func() (*Tensor, error)) {
	t.Helper()
	out, err := f()
	require.NoError(t, err)
	x.ZeroGrad()
	require.NoError(t, out.Sum().Backward(nil))
	analytic := append([]float64(nil), x.Grad.Data...)

	const eps = 1e-6
	for i := range x.Data {
		orig := x.Data[i]
		x.Data[i] = orig + eps
		plus, err := f()
		require.NoError(t, err)
		x.Data[i] = orig - eps
		minus, err := f()
		require.NoError(t, err)
		x.Data[i] = orig

		numeric := (plus.Sum().Data[0] - minus.Sum().Data[0]) / (2 * eps)
		assert.InDelta(t, numeric, analytic[i], 1e-5, "gradient mismatch at index %d", i)
	}
}

func TestMatMul(t *testing.T) {
	a := NewTensor([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false)
	b := NewTensor([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12}, false)
	c, err := a.MatMul(b)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, c.Shape)
	assert.Equal(t, []float64{58, 64, 139, 154}, c.Data)

	_, err = a.MatMul(a)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestSliceConcatStack(t *testing.T) {
	x := NewTensor([]int{2, 3, 2}, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, false)

	testCases := []struct {
		name     string
		axis     int
		start    int
		end      int
		expected []float64
		shape    []int
	}{
		{"first axis", 0, 1, 2, []float64{6, 7, 8, 9, 10, 11}, []int{1, 3, 2}},
		{"middle axis", 1, 1, 3, []float64{2, 3, 4, 5, 8, 9, 10, 11}, []int{2, 2, 2}},
		{"last axis", 2, 0, 1, []float64{0, 2, 4, 6, 8, 10}, []int{2, 3, 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := x.Slice(tc.axis, tc.start, tc.end)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.shape, s.Shape); diff != "" {
				t.Errorf("shape mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tc.expected, s.Data)
		})
	}

	left, _ := x.Slice(1, 0, 1)
	right, _ := x.Slice(1, 1, 3)
	joined, err := Concat([]*Tensor{left, right}, 1)
	require.NoError(t, err)
	assert.Equal(t, x.Data, joined.Data)

	steps := make([]*Tensor, 3)
	for s := range steps {
		steps[s], err = x.Step(s)
		require.NoError(t, err)
	}
	stacked, err := Stack(steps, 1)
	require.NoError(t, err)
	assert.Equal(t, x.Shape, stacked.Shape)
	assert.Equal(t, x.Data, stacked.Data)

	_, err = x.Slice(1, 2, 2)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestGradients(t *testing.T) {
	x := seq([]int{2, 3}, 0.1, true)
	w := seq([]int{3, 4}, 0.05, true)
	bias := seq([]int{4}, 0.2, true)
	z := seq([]int{2, 2}, 0.3, true)
	steps := seq([]int{2, 3, 2}, 0.07, true)
	table := seq([]int{5, 2}, 0.1, true)

	testCases := []struct {
		name string
		x    *Tensor
		f    func() (*Tensor, error)
	}{
		{"matmul lhs", x, func() (*Tensor, error) { return x.MatMul(w) }},
		{"matmul rhs", w, func() (*Tensor, error) { return x.MatMul(w) }},
		{"tanh of product", x, func() (*Tensor, error) {
			y, err := x.MatMul(w)
			if err != nil {
				return nil, err
			}
			return y.Tanh(), nil
		}},
		{"broadcast bias", bias, func() (*Tensor, error) {
			y, err := x.MatMul(w)
			if err != nil {
				return nil, err
			}
			y, err = y.AddWithBroadcast(bias)
			if err != nil {
				return nil, err
			}
			return y.Sigmoid(), nil
		}},
		{"square", x, func() (*Tensor, error) { return x.Mul(x) }},
		{"along steps", z, func() (*Tensor, error) {
			y, err := steps.AddAlongSteps(z)
			if err != nil {
				return nil, err
			}
			return y.Mul(y)
		}},
		{"step and stack", steps, func() (*Tensor, error) {
			last, err := steps.Step(2)
			if err != nil {
				return nil, err
			}
			first, err := steps.Step(0)
			if err != nil {
				return nil, err
			}
			s, err := Stack([]*Tensor{last.Tanh(), first}, 1)
			if err != nil {
				return nil, err
			}
			return s.Mul(s)
		}},
		{"gather repeated rows", table, func() (*Tensor, error) {
			g, err := Gather(table, []int{1, 3, 1})
			if err != nil {
				return nil, err
			}
			return g.Mul(g)
		}},
		{"shared subexpression", x, func() (*Tensor, error) {
			y := x.Tanh()
			s, err := y.Add(y.MulScalar(3))
			if err != nil {
				return nil, err
			}
			return s.Mul(y)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			checkGradient(t, tc.x, tc.f)
		})
	}
}

func TestBackwardAccumulatesLeafGradients(t *testing.T) {
	x := NewTensor([]int{2}, []float64{1, 2}, true)
	y := x.MulScalar(3)
	require.NoError(t, y.Sum().Backward(nil))
	require.NoError(t, y.Sum().Backward(nil))
	assert.Equal(t, []float64{6, 6}, x.Grad.Data)

	x.ZeroGrad()
	assert.Equal(t, []float64{0, 0}, x.Grad.Data)
}

func TestConstantsCarryNoGraph(t *testing.T) {
	a := Zeros(2, 2)
	b, err := a.Add(Zeros(2, 2))
	require.NoError(t, err)
	assert.Nil(t, b.Creator)
	assert.False(t, b.RequiresGrad)
}

func TestGobRoundTrip(t *testing.T) {
	x := seq([]int{2, 3}, 0.5, true)
	x.Grad = Zeros(2, 3)

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(x))

	var y Tensor
	require.NoError(t, gob.NewDecoder(&buf).Decode(&y))
	assert.Equal(t, x.Data, y.Data)
	assert.Equal(t, x.Shape, y.Shape)
	assert.True(t, y.RequiresGrad)
	assert.Nil(t, y.Grad)
}
