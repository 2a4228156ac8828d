package tensor

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when operand shapes are incompatible.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Operation represents an operation in the computation graph.
type Operation interface {
	Inputs() []*Tensor
	Backward(grad *Tensor) error
}

// Tensor represents a multi-dimensional array of float64 values.
type Tensor struct {
	Data         []float64
	Shape        []int
	Grad         *Tensor   `gob:"-"` // Exclude Grad from gob serialization
	Creator      Operation `gob:"-"` // Exclude Creator from gob serialization
	RequiresGrad bool
}

// GobEncode implements the gob.GobEncoder interface.
func (t *Tensor) GobEncode() ([]byte, error) {
	if len(t.Data) != sizeOf(t.Shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(t.Data), t.Shape)
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(t.Data); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.Shape); err != nil {
		return nil, err
	}
	if err := enc.Encode(t.RequiresGrad); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GobDecode implements the gob.GobDecoder interface.
func (t *Tensor) GobDecode(data []byte) error {
	dec := gob.NewDecoder(bytes.NewBuffer(data))

	if err := dec.Decode(&t.Data); err != nil {
		return err
	}
	if err := dec.Decode(&t.Shape); err != nil {
		return err
	}
	if err := dec.Decode(&t.RequiresGrad); err != nil {
		return err
	}
	if len(t.Data) != sizeOf(t.Shape) {
		return fmt.Errorf("%w: decoded %d values for shape %v", ErrShapeMismatch, len(t.Data), t.Shape)
	}
	return nil
}

// NewTensor creates a new Tensor with the given shape and optional data.
func NewTensor(shape []int, data []float64, requiresGrad bool) *Tensor {
	if data == nil {
		data = make([]float64, sizeOf(shape))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:         data,
		Shape:        s,
		RequiresGrad: requiresGrad,
	}
}

// Zeros returns a constant zero tensor.
func Zeros(shape ...int) *Tensor {
	return NewTensor(shape, nil, false)
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Clone creates a deep copy of the tensor. The clone is a new leaf in the graph.
func (t *Tensor) Clone() *Tensor {
	newData := make([]float64, len(t.Data))
	copy(newData, t.Data)
	return NewTensor(t.Shape, newData, t.RequiresGrad)
}

// ZeroGrad resets the gradient of the tensor to zeros.
func (t *Tensor) ZeroGrad() {
	if !t.RequiresGrad {
		return
	}
	if t.Grad == nil {
		t.Grad = NewTensor(t.Shape, nil, false)
		return
	}
	for i := range t.Grad.Data {
		t.Grad.Data[i] = 0
	}
}

// Inputs returns nil: a bare tensor is a leaf.
func (t *Tensor) Inputs() []*Tensor {
	return nil
}

// Backward performs backpropagation starting from this tensor. A nil grad seeds
// the output with ones. Gradients of leaf tensors accumulate across calls;
// gradients of intermediate tensors are recomputed on every call.
func (t *Tensor) Backward(grad *Tensor) error {
	if grad == nil {
		grad = NewTensor(t.Shape, nil, false)
		for i := range grad.Data {
			grad.Data[i] = 1
		}
	}
	if len(grad.Data) != len(t.Data) {
		return fmt.Errorf("%w: seed gradient has %d values, tensor has %d", ErrShapeMismatch, len(grad.Data), len(t.Data))
	}

	order := topoSort(t)
	for _, v := range order {
		if v.Creator != nil {
			v.Grad = nil
		}
	}

	if t.Creator != nil || t.RequiresGrad {
		if t.Grad == nil {
			t.Grad = NewTensor(t.Shape, nil, false)
		}
		for i, g := range grad.Data {
			t.Grad.Data[i] += g
		}
	}

	for i := len(order) - 1; i >= 0; i-- {
		v := order[i]
		if v.Creator == nil || v.Grad == nil {
			continue
		}
		if err := v.Creator.Backward(v.Grad); err != nil {
			return fmt.Errorf("error during backward pass for tensor with shape %v: %w", v.Shape, err)
		}
	}
	return nil
}

// topoSort returns the graph rooted at t in post-order, so every tensor appears
// after all of its inputs.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		t    *Tensor
		done bool
	}
	var order []*Tensor
	visited := map[*Tensor]bool{}
	stack := []frame{{t: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.done {
			order = append(order, f.t)
			continue
		}
		if visited[f.t] {
			continue
		}
		visited[f.t] = true
		stack = append(stack, frame{t: f.t, done: true})

		if f.t.Creator == nil {
			continue
		}
		for _, child := range f.t.Creator.Inputs() {
			if child != nil && !visited[child] {
				stack = append(stack, frame{t: child})
			}
		}
	}
	return order
}

// accumulate adds g into t's gradient when t takes part in differentiation.
func accumulate(t *Tensor, g []float64) {
	if !t.RequiresGrad {
		return
	}
	if t.Grad == nil {
		t.Grad = NewTensor(t.Shape, nil, false)
	}
	for i, v := range g {
		t.Grad.Data[i] += v
	}
}

func sizeOf(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// compareShapes is a helper function to compare two shapes.
func compareShapes(s1, s2 []int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if s1[i] != s2[i] {
			return false
		}
	}
	return true
}

func compareShapesExceptAxis(s1, s2 []int, ignoredAxis int) bool {
	if len(s1) != len(s2) {
		return false
	}
	for i := range s1 {
		if i != ignoredAxis && s1[i] != s2[i] {
			return false
		}
	}
	return true
}

// outerInner splits shape around axis into the product of the leading and the
// trailing dimensions.
func outerInner(shape []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i := 0; i < axis; i++ {
		outer *= shape[i]
	}
	for i := axis + 1; i < len(shape); i++ {
		inner *= shape[i]
	}
	return outer, inner
}
