package tensor

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when the operands of an operation have incompatible shapes.
var ErrShapeMismatch = errors.New("shape mismatch")

// Operation represents an operation in the computation graph.
type Operation interface {
	Inputs() []*Tensor
	Backward(grad *Tensor) error
}

// Tensor represents a multi-dimensional array of float64 values.
type Tensor struct {
	Data         []float64
	Shape        []int
	Grad         *Tensor   `gob:"-"`
	Creator      Operation `gob:"-"`
	RequiresGrad bool
}

// GobEncode implements the gob.GobEncoder interface.
// Only data, shape and the gradient flag are persisted.
func (t *Tensor) GobEncode() ([]byte, error) {
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
	return dec.Decode(&t.RequiresGrad)
}

// NewTensor creates a new Tensor with the given shape and optional data.
func NewTensor(shape []int, data []float64, requiresGrad bool) *Tensor {
	if data == nil {
		data = make([]float64, Size(shape))
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Data:         data,
		Shape:        s,
		RequiresGrad: requiresGrad,
	}
}

// Full returns a tensor of the given shape with every element set to v.
func Full(shape []int, v float64) *Tensor {
	t := NewTensor(shape, nil, false)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Size returns the number of elements described by shape.
func Size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
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

// String renders the shape and, for small tensors, the data.
func (t *Tensor) String() string {
	if len(t.Data) <= 16 {
		return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
	}
	return fmt.Sprintf("Tensor%v[%d values]", t.Shape, len(t.Data))
}

// accumulate adds g into t.Grad, allocating it on first use.
func (t *Tensor) accumulate(g []float64) {
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

// AccumulateGrad adds g into t.Grad. Layers with hand-written backward
// passes use it to hand gradients to their parameters.
func (t *Tensor) AccumulateGrad(g []float64) error {
	if len(g) != len(t.Data) {
		return errors.Wrapf(ErrShapeMismatch, "gradient has %d values, tensor %v has %d", len(g), t.Shape, len(t.Data))
	}
	t.accumulate(g)
	return nil
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

// calculateStrides returns row-major strides for shape.
func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// outerInner splits shape around axis into the products of the dimensions
// before and after it.
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

func resolveAxis(shape []int, axis int) (int, error) {
	if axis < 0 {
		axis += len(shape)
	}
	if axis < 0 || axis >= len(shape) {
		return 0, errors.Errorf("axis %d out of bounds for tensor with shape %v", axis, shape)
	}
	return axis, nil
}

// Argmax returns the index of the largest value along the last axis for
// every leading position.
func (t *Tensor) Argmax() []int {
	last := t.Shape[len(t.Shape)-1]
	out := make([]int, len(t.Data)/last)
	for r := range out {
		row := t.Data[r*last : (r+1)*last]
		best, bestVal := 0, math.Inf(-1)
		for j, v := range row {
			if v > bestVal {
				best, bestVal = j, v
			}
		}
		out[r] = best
	}
	return out
}

// Backward performs backpropagation starting from this tensor.
func (t *Tensor) Backward(grad *Tensor) error {
	if grad == nil {
		grad = Full(t.Shape, 1)
	}
	if len(grad.Data) != len(t.Data) {
		return errors.Wrapf(ErrShapeMismatch, "seed gradient %v for tensor %v", grad.Shape, t.Shape)
	}

	// Post-order DFS gives a topological order with inputs before consumers.
	var topo []*Tensor
	visited := map[*Tensor]bool{}
	type frame struct {
		t        *Tensor
		expanded bool
	}
	stack := []frame{{t: t}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.expanded {
			topo = append(topo, f.t)
			continue
		}
		if f.t == nil || visited[f.t] {
			continue
		}
		visited[f.t] = true
		stack = append(stack, frame{t: f.t, expanded: true})
		if f.t.Creator != nil {
			for _, in := range f.t.Creator.Inputs() {
				if in != nil && in.RequiresGrad && !visited[in] {
					stack = append(stack, frame{t: in})
				}
			}
		}
	}

	t.Grad = NewTensor(t.Shape, nil, false)
	copy(t.Grad.Data, grad.Data)

	for i := len(topo) - 1; i >= 0; i-- {
		v := topo[i]
		if v.Creator == nil || v.Grad == nil {
			continue
		}
		if err := v.Creator.Backward(v.Grad); err != nil {
			return errors.Wrapf(err, "backward pass for tensor with shape %v", v.Shape)
		}
	}
	return nil
}
