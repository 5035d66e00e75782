package tensor

import (
	"math"

	"github.com/pkg/errors"
)

// AddOperation represents the addition operation for backward pass.
type AddOperation struct {
	A, B *Tensor
}

func (op *AddOperation) Inputs() []*Tensor { return []*Tensor{op.A, op.B} }

func (op *AddOperation) Backward(grad *Tensor) error {
	op.A.accumulate(grad.Data)
	op.B.accumulate(grad.Data)
	return nil
}

// Add performs element-wise addition of two tensors of identical shape.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Add %v and %v", t.Shape, other.Shape)
	}
	out := NewTensor(t.Shape, nil, t.RequiresGrad || other.RequiresGrad)
	for i := range t.Data {
		out.Data[i] = t.Data[i] + other.Data[i]
	}
	if out.RequiresGrad {
		out.Creator = &AddOperation{t, other}
	}
	return out, nil
}

// AddWithBroadcastOperation represents a trailing-dimension broadcast add.
type AddWithBroadcastOperation struct {
	A, B *Tensor
}

func (op *AddWithBroadcastOperation) Inputs() []*Tensor { return []*Tensor{op.A, op.B} }

func (op *AddWithBroadcastOperation) Backward(grad *Tensor) error {
	op.A.accumulate(grad.Data)
	if op.B.RequiresGrad {
		n := len(op.B.Data)
		gb := make([]float64, n)
		for i, g := range grad.Data {
			gb[i%n] += g
		}
		op.B.accumulate(gb)
	}
	return nil
}

// AddWithBroadcast adds other to t, repeating other over t's leading
// dimensions. other's shape must equal t's trailing dimensions.
func (t *Tensor) AddWithBroadcast(other *Tensor) (*Tensor, error) {
	if len(other.Shape) > len(t.Shape) || !compareShapes(t.Shape[len(t.Shape)-len(other.Shape):], other.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "cannot broadcast %v onto %v", other.Shape, t.Shape)
	}
	n := len(other.Data)
	out := NewTensor(t.Shape, nil, t.RequiresGrad || other.RequiresGrad)
	for i := range t.Data {
		out.Data[i] = t.Data[i] + other.Data[i%n]
	}
	if out.RequiresGrad {
		out.Creator = &AddWithBroadcastOperation{t, other}
	}
	return out, nil
}

// MulOperation represents element-wise multiplication.
type MulOperation struct {
	A, B *Tensor
}

func (op *MulOperation) Inputs() []*Tensor { return []*Tensor{op.A, op.B} }

func (op *MulOperation) Backward(grad *Tensor) error {
	if op.A.RequiresGrad {
		ga := make([]float64, len(grad.Data))
		for i, g := range grad.Data {
			ga[i] = g * op.B.Data[i]
		}
		op.A.accumulate(ga)
	}
	if op.B.RequiresGrad {
		gb := make([]float64, len(grad.Data))
		for i, g := range grad.Data {
			gb[i] = g * op.A.Data[i]
		}
		op.B.accumulate(gb)
	}
	return nil
}

// Mul performs element-wise multiplication of two tensors of identical shape.
func (t *Tensor) Mul(other *Tensor) (*Tensor, error) {
	if !compareShapes(t.Shape, other.Shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "Mul %v and %v", t.Shape, other.Shape)
	}
	out := NewTensor(t.Shape, nil, t.RequiresGrad || other.RequiresGrad)
	for i := range t.Data {
		out.Data[i] = t.Data[i] * other.Data[i]
	}
	if out.RequiresGrad {
		out.Creator = &MulOperation{t, other}
	}
	return out, nil
}

// MulScalarOperation represents multiplication by a constant.
type MulScalarOperation struct {
	Input  *Tensor
	Scalar float64
}

func (op *MulScalarOperation) Inputs() []*Tensor { return []*Tensor{op.Input} }

func (op *MulScalarOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(grad.Data))
	for i, v := range grad.Data {
		g[i] = v * op.Scalar
	}
	op.Input.accumulate(g)
	return nil
}

// MulScalar multiplies every element by val.
func (t *Tensor) MulScalar(val float64) *Tensor {
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = v * val
	}
	if out.RequiresGrad {
		out.Creator = &MulScalarOperation{t, val}
	}
	return out
}

// unaryOperation backpropagates through a function whose derivative can be
// written in terms of its input and output.
type unaryOperation struct {
	input  *Tensor
	output *Tensor
	deriv  func(x, y float64) float64
}

func (op *unaryOperation) Inputs() []*Tensor { return []*Tensor{op.input} }

func (op *unaryOperation) Backward(grad *Tensor) error {
	g := make([]float64, len(grad.Data))
	for i, v := range grad.Data {
		g[i] = v * op.deriv(op.input.Data[i], op.output.Data[i])
	}
	op.input.accumulate(g)
	return nil
}

func (t *Tensor) unary(f func(float64) float64, deriv func(x, y float64) float64) *Tensor {
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	for i, v := range t.Data {
		out.Data[i] = f(v)
	}
	if out.RequiresGrad {
		out.Creator = &unaryOperation{input: t, output: out, deriv: deriv}
	}
	return out
}

// Tanh applies the hyperbolic tangent element-wise.
func (t *Tensor) Tanh() *Tensor {
	return t.unary(math.Tanh, func(_, y float64) float64 { return 1 - y*y })
}

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	return t.unary(func(x float64) float64 {
		return 1 / (1 + math.Exp(-x))
	}, func(_, y float64) float64 { return y * (1 - y) })
}

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	return t.unary(func(x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	}, func(x, _ float64) float64 {
		if x > 0 {
			return 1
		}
		return 0
	})
}

// SoftmaxOperation represents the softmax operation for backward pass.
type SoftmaxOperation struct {
	Input  *Tensor
	Output *Tensor
	Axis   int
}

func (op *SoftmaxOperation) Inputs() []*Tensor { return []*Tensor{op.Input} }

func (op *SoftmaxOperation) Backward(grad *Tensor) error {
	if !op.Input.RequiresGrad {
		return nil
	}
	axisDim := op.Input.Shape[op.Axis]
	outer, inner := outerInner(op.Input.Shape, op.Axis)
	g := make([]float64, len(grad.Data))
	y := op.Output.Data
	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			base := i*axisDim*inner + j
			dot := 0.0
			for k := 0; k < axisDim; k++ {
				idx := base + k*inner
				dot += grad.Data[idx] * y[idx]
			}
			for k := 0; k < axisDim; k++ {
				idx := base + k*inner
				g[idx] = y[idx] * (grad.Data[idx] - dot)
			}
		}
	}
	op.Input.accumulate(g)
	return nil
}

// Softmax applies the softmax function along a specified axis.
func (t *Tensor) Softmax(axis int) (*Tensor, error) {
	axis, err := resolveAxis(t.Shape, axis)
	if err != nil {
		return nil, err
	}
	out := NewTensor(t.Shape, nil, t.RequiresGrad)
	axisDim := t.Shape[axis]
	outer, inner := outerInner(t.Shape, axis)

	for i := 0; i < outer; i++ {
		for j := 0; j < inner; j++ {
			base := i*axisDim*inner + j
			// Subtract the max for numerical stability.
			maxVal := math.Inf(-1)
			for k := 0; k < axisDim; k++ {
				if v := t.Data[base+k*inner]; v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for k := 0; k < axisDim; k++ {
				idx := base + k*inner
				out.Data[idx] = math.Exp(t.Data[idx] - maxVal)
				sum += out.Data[idx]
			}
			for k := 0; k < axisDim; k++ {
				out.Data[base+k*inner] /= sum
			}
		}
	}
	if out.RequiresGrad {
		out.Creator = &SoftmaxOperation{t, out, axis}
	}
	return out, nil
}
