package tensor

import (
	"github.com/pkg/errors"
)

type ReshapeOperation struct {
	Input *Tensor
}

func (op *ReshapeOperation) Inputs() []*Tensor { return []*Tensor{op.Input} }

func (op *ReshapeOperation) Backward(grad *Tensor) error {
	op.Input.accumulate(grad.Data)
	return nil
}

// Reshape returns a new Tensor with the same data but a new shape.
// The underlying data array is shared.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if Size(newShape) != len(t.Data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot reshape tensor from %v to %v", t.Shape, newShape)
	}
	out := &Tensor{
		Data:         t.Data,
		Shape:        append([]int(nil), newShape...),
		RequiresGrad: t.RequiresGrad,
	}
	if out.RequiresGrad {
		out.Creator = &ReshapeOperation{t}
	}
	return out, nil
}

type TransposeOperation struct {
	Input        *Tensor
	Axis1, Axis2 int
}

func (op *TransposeOperation) Inputs() []*Tensor { return []*Tensor{op.Input} }

func (op *TransposeOperation) Backward(grad *Tensor) error {
	if !op.Input.RequiresGrad {
		return nil
	}
	// Transposing the gradient back is the same permutation.
	g := permute(grad.Data, grad.Shape, op.Axis1, op.Axis2)
	op.Input.accumulate(g)
	return nil
}

// permute swaps axis1 and axis2 of data laid out with shape.
func permute(data []float64, shape []int, axis1, axis2 int) []float64 {
	newShape := append([]int(nil), shape...)
	newShape[axis1], newShape[axis2] = newShape[axis2], newShape[axis1]
	oldStrides := calculateStrides(shape)
	newStrides := calculateStrides(newShape)

	out := make([]float64, len(data))
	coords := make([]int, len(shape))
	for i := range data {
		rem := i
		for d := range newShape {
			coords[d] = rem / newStrides[d]
			rem %= newStrides[d]
		}
		coords[axis1], coords[axis2] = coords[axis2], coords[axis1]
		src := 0
		for d, c := range coords {
			src += c * oldStrides[d]
		}
		out[i] = data[src]
	}
	return out
}

// Transpose swaps two axes of the tensor.
func (t *Tensor) Transpose(axis1, axis2 int) (*Tensor, error) {
	a1, err := resolveAxis(t.Shape, axis1)
	if err != nil {
		return nil, err
	}
	a2, err := resolveAxis(t.Shape, axis2)
	if err != nil {
		return nil, err
	}
	newShape := append([]int(nil), t.Shape...)
	newShape[a1], newShape[a2] = newShape[a2], newShape[a1]
	out := NewTensor(newShape, permute(t.Data, t.Shape, a1, a2), t.RequiresGrad)
	if out.RequiresGrad {
		out.Creator = &TransposeOperation{t, a1, a2}
	}
	return out, nil
}

type SliceOperation struct {
	Input      *Tensor
	Axis       int
	Start, End int
}

func (op *SliceOperation) Inputs() []*Tensor { return []*Tensor{op.Input} }

func (op *SliceOperation) Backward(grad *Tensor) error {
	if !op.Input.RequiresGrad {
		return nil
	}
	axisDim := op.Input.Shape[op.Axis]
	outer, inner := outerInner(op.Input.Shape, op.Axis)
	width := op.End - op.Start
	g := make([]float64, len(op.Input.Data))
	for o := 0; o < outer; o++ {
		src := grad.Data[o*width*inner : (o+1)*width*inner]
		dst := g[(o*axisDim+op.Start)*inner:]
		copy(dst[:width*inner], src)
	}
	op.Input.accumulate(g)
	return nil
}

// Slice returns the elements in [start, end) along axis.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	axis, err := resolveAxis(t.Shape, axis)
	if err != nil {
		return nil, err
	}
	axisDim := t.Shape[axis]
	if start < 0 || end > axisDim || start >= end {
		return nil, errors.Errorf("slice [%d:%d] out of bounds for axis %d of %v", start, end, axis, t.Shape)
	}
	outer, inner := outerInner(t.Shape, axis)
	width := end - start
	newShape := append([]int(nil), t.Shape...)
	newShape[axis] = width

	out := NewTensor(newShape, nil, t.RequiresGrad)
	for o := 0; o < outer; o++ {
		src := t.Data[(o*axisDim+start)*inner : (o*axisDim+end)*inner]
		copy(out.Data[o*width*inner:(o+1)*width*inner], src)
	}
	if out.RequiresGrad {
		out.Creator = &SliceOperation{t, axis, start, end}
	}
	return out, nil
}

type ConcatOperation struct {
	Parts []*Tensor
	Axis  int
}

func (op *ConcatOperation) Inputs() []*Tensor { return op.Parts }

func (op *ConcatOperation) Backward(grad *Tensor) error {
	outer, inner := outerInner(grad.Shape, op.Axis)
	total := grad.Shape[op.Axis]
	offset := 0
	for _, p := range op.Parts {
		width := p.Shape[op.Axis]
		if p.RequiresGrad {
			g := make([]float64, len(p.Data))
			for o := 0; o < outer; o++ {
				src := grad.Data[(o*total+offset)*inner : (o*total+offset+width)*inner]
				copy(g[o*width*inner:(o+1)*width*inner], src)
			}
			p.accumulate(g)
		}
		offset += width
	}
	return nil
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(tensors []*Tensor, axis int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("concat of zero tensors")
	}
	first := tensors[0]
	axis, err := resolveAxis(first.Shape, axis)
	if err != nil {
		return nil, err
	}
	total := 0
	requiresGrad := false
	for _, p := range tensors {
		if !compareShapesExceptAxis(first.Shape, p.Shape, axis) {
			return nil, errors.Wrapf(ErrShapeMismatch, "concat %v with %v along axis %d", first.Shape, p.Shape, axis)
		}
		total += p.Shape[axis]
		requiresGrad = requiresGrad || p.RequiresGrad
	}
	newShape := append([]int(nil), first.Shape...)
	newShape[axis] = total
	outer, inner := outerInner(newShape, axis)

	out := NewTensor(newShape, nil, requiresGrad)
	offset := 0
	for _, p := range tensors {
		width := p.Shape[axis]
		for o := 0; o < outer; o++ {
			dst := out.Data[(o*total+offset)*inner : (o*total+offset+width)*inner]
			copy(dst, p.Data[o*width*inner:(o+1)*width*inner])
		}
		offset += width
	}
	if requiresGrad {
		out.Creator = &ConcatOperation{append([]*Tensor(nil), tensors...), axis}
	}
	return out, nil
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
