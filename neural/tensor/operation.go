package tensor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Add performs element-wise addition of two tensors of identical shape.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("%w: Add %v and %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	out := NewTensor(t.Shape, nil, t.RequiresGrad || other.RequiresGrad)
	for i := range t.Data {
		out.Data[i] = t.Data[i] + other.Data[i]
	}
	if out.RequiresGrad {
		out.Creator = &addOperation{a: t, b: other}
	}
	return out, nil
}

type addOperation struct {
	a, b *Tensor
}

func (op *addOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOperation) Backward(grad *Tensor) error {
	accumulate(op.a, grad.Data)
	accumulate(op.b, grad.Data)
	return nil
}

// Mul performs element-wise multiplication of two tensors of identical shape.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, fmt.Errorf("%w: Mul %v and %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	out := NewTensor(t.Shape, nil, t.RequiresGrad || other.RequiresGrad)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * other.Data[i]
	}
	if out.RequiresGrad {
		out.Creator = &mulOperation{a: t, b: other}
	}
	return out, nil
}

type mulOperation struct {
	a, b *Tensor
}

func (op *mulOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOperation) Backward(grad *Tensor) error {
	if op.a.RequiresGrad {
		g := make([]float64, len(grad.Data))
		for i := range g {
			g[i] = grad.Data[i] * op.b.Data[i]
		}
		accumulate(op.a, g)
	}
	if op.b.RequiresGrad {
		g := make([]float64, len(grad.Data))
		for i := range g {
			g[i] = grad.Data[i] * op.a.Data[i]
		}
		accumulate(op.b, g)
	}
	return nil
}

// MulScalar multiplies every element by val.
func (t *Tensor) MulScalar(val float64) *Tensor {
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = v * val
	}
	if out.RequiresGrad {
		out.Creator = &scaleOperation{input: t, factor: val}
	}
	return out
}

// DivScalar divides every element by val.
func (t *Tensor) DivScalar(val float64) (*Tensor, error) {
	if val == 0 {
		return nil, fmt.Errorf("tensor: division by zero")
	}
	return t.MulScalar(1 / val), nil
}

type scaleOperation struct {
	input  *Tensor
	factor float64
}

func (op *scaleOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *scaleOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(grad.Data))
	for i, v := range grad.Data {
		g[i] = v * op.factor
	}
	accumulate(op.input, g)
	return nil
}

// Tanh applies the hyperbolic tangent element-wise.
func (t *Tensor) Tanh() *Tensor {
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = math.Tanh(v)
	}
	if out.RequiresGrad {
		out.Creator = &tanhOperation{input: t, output: out}
	}
	return out
}

type tanhOperation struct {
	input, output *Tensor
}

func (op *tanhOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *tanhOperation) Backward(grad *Tensor) error {
	// tanh'(x) = 1 - tanh(x)^2
	g := make([]float64, len(grad.Data))
	for i, y := range op.output.Data {
		g[i] = grad.Data[i] * (1 - y*y)
	}
	accumulate(op.input, g)
	return nil
}

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = 1 / (1 + math.Exp(-v))
	}
	if out.RequiresGrad {
		out.Creator = &sigmoidOperation{input: t, output: out}
	}
	return out
}

type sigmoidOperation struct {
	input, output *Tensor
}

func (op *sigmoidOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *sigmoidOperation) Backward(grad *Tensor) error {
	// sigmoid'(x) = sigmoid(x) * (1 - sigmoid(x))
	g := make([]float64, len(grad.Data))
	for i, y := range op.output.Data {
		g[i] = grad.Data[i] * y * (1 - y)
	}
	accumulate(op.input, g)
	return nil
}

// MatMul multiplies two 2D tensors. Rows of the result are computed in
// parallel, one block per CPU.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(other.Shape) != 2 {
		return nil, fmt.Errorf("%w: MatMul supports 2D tensors, got %v and %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	if t.Shape[1] != other.Shape[0] {
		return nil, fmt.Errorf("%w: incompatible shapes for matrix multiplication: %v and %v", ErrShapeMismatch, t.Shape, other.Shape)
	}
	rows, inner, cols := t.Shape[0], t.Shape[1], other.Shape[1]
	out := NewTensor([]int{rows, cols}, nil, t.RequiresGrad || other.RequiresGrad)
	matmulInto(out.Data, t.Data, other.Data, rows, inner, cols)
	if out.RequiresGrad {
		out.Creator = &matmulOperation{a: t, b: other}
	}
	return out, nil
}

// matmulInto writes a[rows,inner] @ b[inner,cols] into dst.
func matmulInto(dst, a, b []float64, rows, inner, cols int) {
	numWorkers := runtime.NumCPU()
	if numWorkers > rows {
		numWorkers = rows
	}
	if numWorkers <= 1 {
		matmulRows(dst, a, b, 0, rows, inner, cols)
		return
	}
	rowsPerWorker := (rows + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for start := 0; start < rows; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			matmulRows(dst, a, b, start, end, inner, cols)
		}(start, end)
	}
	wg.Wait()
}

func matmulRows(dst, a, b []float64, start, end, inner, cols int) {
	for i := start; i < end; i++ {
		row := dst[i*cols : (i+1)*cols]
		for k := 0; k < inner; k++ {
			av := a[i*inner+k]
			if av == 0 {
				continue
			}
			bk := b[k*cols : (k+1)*cols]
			for j, bv := range bk {
				row[j] += av * bv
			}
		}
	}
}

type matmulOperation struct {
	a, b *Tensor
}

func (op *matmulOperation) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *matmulOperation) Backward(grad *Tensor) error {
	rows, inner, cols := op.a.Shape[0], op.a.Shape[1], op.b.Shape[1]

	// dL/dA = grad * B^T
	if op.a.RequiresGrad {
		g := make([]float64, rows*inner)
		for i := 0; i < rows; i++ {
			for k := 0; k < inner; k++ {
				sum := 0.0
				for j := 0; j < cols; j++ {
					sum += grad.Data[i*cols+j] * op.b.Data[k*cols+j]
				}
				g[i*inner+k] = sum
			}
		}
		accumulate(op.a, g)
	}

	// dL/dB = A^T * grad
	if op.b.RequiresGrad {
		g := make([]float64, inner*cols)
		for i := 0; i < rows; i++ {
			for k := 0; k < inner; k++ {
				av := op.a.Data[i*inner+k]
				if av == 0 {
					continue
				}
				for j := 0; j < cols; j++ {
					g[k*cols+j] += av * grad.Data[i*cols+j]
				}
			}
		}
		accumulate(op.b, g)
	}
	return nil
}

// AddWithBroadcast adds a 1D bias to the last dimension of t.
func (t *Tensor) AddWithBroadcast(bias *Tensor) (*Tensor, error) {
	if len(bias.Shape) != 1 || len(t.Shape) == 0 || t.Shape[len(t.Shape)-1] != bias.Shape[0] {
		return nil, fmt.Errorf("%w: cannot broadcast %v onto %v", ErrShapeMismatch, bias.Shape, t.Shape)
	}
	d := bias.Shape[0]
	out := NewTensor(t.Shape, nil, t.RequiresGrad || bias.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = v + bias.Data[i%d]
	}
	if out.RequiresGrad {
		out.Creator = &broadcastOperation{input: t, bias: bias}
	}
	return out, nil
}

type broadcastOperation struct {
	input, bias *Tensor
}

func (op *broadcastOperation) Inputs() []*Tensor { return []*Tensor{op.input, op.bias} }

func (op *broadcastOperation) Backward(grad *Tensor) error {
	accumulate(op.input, grad.Data)
	if op.bias.RequiresGrad {
		d := op.bias.Shape[0]
		g := make([]float64, d)
		for i, v := range grad.Data {
			g[i%d] += v
		}
		accumulate(op.bias, g)
	}
	return nil
}

// AddAlongSteps adds z[b,d] to every step of t[b,T,d].
func (t *Tensor) AddAlongSteps(z *Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 || len(z.Shape) != 2 || t.Shape[0] != z.Shape[0] || t.Shape[2] != z.Shape[1] {
		return nil, fmt.Errorf("%w: cannot add %v along the steps of %v", ErrShapeMismatch, z.Shape, t.Shape)
	}
	b, steps, d := t.Shape[0], t.Shape[1], t.Shape[2]
	out := NewTensor(t.Shape, nil, t.RequiresGrad || z.RequiresGrad)
	for i := 0; i < b; i++ {
		zi := z.Data[i*d : (i+1)*d]
		for s := 0; s < steps; s++ {
			off := (i*steps + s) * d
			for k := 0; k < d; k++ {
				out.Data[off+k] = t.Data[off+k] + zi[k]
			}
		}
	}
	if out.RequiresGrad {
		out.Creator = &alongStepsOperation{input: t, z: z}
	}
	return out, nil
}

type alongStepsOperation struct {
	input, z *Tensor
}

func (op *alongStepsOperation) Inputs() []*Tensor { return []*Tensor{op.input, op.z} }

func (op *alongStepsOperation) Backward(grad *Tensor) error {
	accumulate(op.input, grad.Data)
	if op.z.RequiresGrad {
		b, steps, d := op.input.Shape[0], op.input.Shape[1], op.input.Shape[2]
		g := make([]float64, b*d)
		for i := 0; i < b; i++ {
			for s := 0; s < steps; s++ {
				off := (i*steps + s) * d
				for k := 0; k < d; k++ {
					g[i*d+k] += grad.Data[off+k]
				}
			}
		}
		accumulate(op.z, g)
	}
	return nil
}

// Reshape returns a copy of t with a new shape holding the same number of elements.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if sizeOf(newShape) != len(t.Data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, newShape)
	}
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	out := NewTensor(newShape, data, t.RequiresGrad)
	if out.RequiresGrad {
		out.Creator = &reshapeOperation{input: t}
	}
	return out, nil
}

type reshapeOperation struct {
	input *Tensor
}

func (op *reshapeOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *reshapeOperation) Backward(grad *Tensor) error {
	accumulate(op.input, grad.Data)
	return nil
}

// Slice returns the range [start, end) of t along axis.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("%w: axis %d out of bounds for tensor with shape %v", ErrShapeMismatch, axis, t.Shape)
	}
	if start < 0 || end > t.Shape[axis] || start >= end {
		return nil, fmt.Errorf("%w: invalid slice [%d, %d) for axis %d of size %d", ErrShapeMismatch, start, end, axis, t.Shape[axis])
	}
	newShape := make([]int, len(t.Shape))
	copy(newShape, t.Shape)
	newShape[axis] = end - start

	out := NewTensor(newShape, nil, t.RequiresGrad)
	outer, inner := outerInner(t.Shape, axis)
	dim, width := t.Shape[axis], (end-start)*inner
	for o := 0; o < outer; o++ {
		src := o*dim*inner + start*inner
		copy(out.Data[o*width:(o+1)*width], t.Data[src:src+width])
	}
	if out.RequiresGrad {
		out.Creator = &sliceOperation{input: t, axis: axis, start: start, end: end}
	}
	return out, nil
}

type sliceOperation struct {
	input            *Tensor
	axis, start, end int
}

func (op *sliceOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *sliceOperation) Backward(grad *Tensor) error {
	if !op.input.RequiresGrad {
		return nil
	}
	g := make([]float64, len(op.input.Data))
	outer, inner := outerInner(op.input.Shape, op.axis)
	dim, width := op.input.Shape[op.axis], (op.end-op.start)*inner
	for o := 0; o < outer; o++ {
		dst := o*dim*inner + op.start*inner
		copy(g[dst:dst+width], grad.Data[o*width:(o+1)*width])
	}
	accumulate(op.input, g)
	return nil
}

// Step returns step s of a [b,T,d] tensor as [b,d].
func (t *Tensor) Step(s int) (*Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("%w: Step expects a 3D tensor, got %v", ErrShapeMismatch, t.Shape)
	}
	sl, err := t.Slice(1, s, s+1)
	if err != nil {
		return nil, err
	}
	return sl.Reshape([]int{t.Shape[0], t.Shape[2]})
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: Concat of zero tensors", ErrShapeMismatch)
	}
	first := tensors[0]
	if axis < 0 || axis >= len(first.Shape) {
		return nil, fmt.Errorf("%w: axis %d out of bounds for shape %v", ErrShapeMismatch, axis, first.Shape)
	}
	newShape := make([]int, len(first.Shape))
	copy(newShape, first.Shape)
	newShape[axis] = 0
	requiresGrad := false
	for _, t := range tensors {
		if !compareShapesExceptAxis(first.Shape, t.Shape, axis) {
			return nil, fmt.Errorf("%w: Concat %v and %v along axis %d", ErrShapeMismatch, first.Shape, t.Shape, axis)
		}
		newShape[axis] += t.Shape[axis]
		requiresGrad = requiresGrad || t.RequiresGrad
	}

	out := NewTensor(newShape, nil, requiresGrad)
	outer, inner := outerInner(newShape, axis)
	rowWidth := newShape[axis] * inner
	offset := 0
	for _, t := range tensors {
		width := t.Shape[axis] * inner
		for o := 0; o < outer; o++ {
			copy(out.Data[o*rowWidth+offset:o*rowWidth+offset+width], t.Data[o*width:(o+1)*width])
		}
		offset += width
	}
	if out.RequiresGrad {
		inputs := make([]*Tensor, len(tensors))
		copy(inputs, tensors)
		out.Creator = &concatOperation{inputs: inputs, axis: axis}
	}
	return out, nil
}

type concatOperation struct {
	inputs []*Tensor
	axis   int
}

func (op *concatOperation) Inputs() []*Tensor { return op.inputs }

func (op *concatOperation) Backward(grad *Tensor) error {
	outer, inner := outerInner(grad.Shape, op.axis)
	rowWidth := grad.Shape[op.axis] * inner
	offset := 0
	for _, t := range op.inputs {
		width := t.Shape[op.axis] * inner
		if t.RequiresGrad {
			g := make([]float64, len(t.Data))
			for o := 0; o < outer; o++ {
				copy(g[o*width:(o+1)*width], grad.Data[o*rowWidth+offset:o*rowWidth+offset+width])
			}
			accumulate(t, g)
		}
		offset += width
	}
	return nil
}

// Stack joins equally shaped tensors along a new axis.
func Stack(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: Stack of zero tensors", ErrShapeMismatch)
	}
	base := tensors[0].Shape
	if axis < 0 || axis > len(base) {
		return nil, fmt.Errorf("%w: axis %d out of bounds for stacking %v", ErrShapeMismatch, axis, base)
	}
	expanded := make([]int, 0, len(base)+1)
	expanded = append(expanded, base[:axis]...)
	expanded = append(expanded, 1)
	expanded = append(expanded, base[axis:]...)

	parts := make([]*Tensor, len(tensors))
	for i, t := range tensors {
		if !compareShapes(base, t.Shape) {
			return nil, fmt.Errorf("%w: Stack %v and %v", ErrShapeMismatch, base, t.Shape)
		}
		p, err := t.Reshape(expanded)
		if err != nil {
			return nil, err
		}
		parts[i] = p
	}
	return Concat(parts, axis)
}

// Gather looks up rows of a [V,d] table. The result has shape [len(ids), d].
func Gather(weight *Tensor, ids []int) (*Tensor, error) {
	if len(weight.Shape) != 2 {
		return nil, fmt.Errorf("%w: Gather expects a 2D table, got %v", ErrShapeMismatch, weight.Shape)
	}
	vocab, d := weight.Shape[0], weight.Shape[1]
	out := NewTensor([]int{len(ids), d}, nil, weight.RequiresGrad)
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("%w: row %d outside table of %d rows", ErrShapeMismatch, id, vocab)
		}
		copy(out.Data[i*d:(i+1)*d], weight.Data[id*d:(id+1)*d])
	}
	if out.RequiresGrad {
		idx := make([]int, len(ids))
		copy(idx, ids)
		out.Creator = &gatherOperation{weight: weight, ids: idx}
	}
	return out, nil
}

type gatherOperation struct {
	weight *Tensor
	ids    []int
}

func (op *gatherOperation) Inputs() []*Tensor { return []*Tensor{op.weight} }

func (op *gatherOperation) Backward(grad *Tensor) error {
	d := op.weight.Shape[1]
	g := make([]float64, len(op.weight.Data))
	for i, id := range op.ids {
		for k := 0; k < d; k++ {
			g[id*d+k] += grad.Data[i*d+k]
		}
	}
	accumulate(op.weight, g)
	return nil
}

// Sum reduces every element to a single value of shape [1].
func (t *Tensor) Sum() *Tensor {
	out := NewTensor([]int{1}, nil, t.RequiresGrad)
	for _, v := range t.Data {
		out.Data[0] += v
	}
	if out.RequiresGrad {
		out.Creator = &sumOperation{input: t}
	}
	return out
}

type sumOperation struct {
	input *Tensor
}

func (op *sumOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *sumOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(op.input.Data))
	for i := range g {
		g[i] = grad.Data[0]
	}
	accumulate(op.input, g)
	return nil
}
