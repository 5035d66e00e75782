package tensor

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
)

// parallelThreshold is the multiply-add count below which matmul stays on
// the calling goroutine.
const parallelThreshold = 1 << 15

// matmulInto computes out[m,n] += op(a)[m,k] @ op(b)[k,n] where op
// optionally transposes its operand. Rows of the result are split across
// CPU cores.
func matmulInto(out, a, b []float64, m, k, n int, transA, transB bool) {
	at := func(i, p int) float64 {
		if transA {
			return a[p*m+i]
		}
		return a[i*k+p]
	}
	bt := func(p, j int) float64 {
		if transB {
			return b[j*k+p]
		}
		return b[p*n+j]
	}
	rows := func(start, end int) {
		for i := start; i < end; i++ {
			row := out[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := at(i, p)
				if av == 0 {
					continue
				}
				for j := range row {
					row[j] += av * bt(p, j)
				}
			}
		}
	}

	numWorkers := runtime.NumCPU()
	if m*n*k < parallelThreshold || numWorkers <= 1 || m == 1 {
		rows(0, m)
		return
	}
	rowsPerWorker := (m + numWorkers - 1) / numWorkers
	var wg sync.WaitGroup
	for start := 0; start < m; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > m {
			end = m
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			rows(start, end)
		}(start, end)
	}
	wg.Wait()
}

// MatmulOperation represents 2D matrix multiplication for backward pass.
type MatmulOperation struct {
	A, B *Tensor
}

func (op *MatmulOperation) Inputs() []*Tensor { return []*Tensor{op.A, op.B} }

func (op *MatmulOperation) Backward(grad *Tensor) error {
	m, k, n := op.A.Shape[0], op.A.Shape[1], op.B.Shape[1]
	if op.A.RequiresGrad {
		// dA = grad @ B^T
		ga := make([]float64, m*k)
		matmulInto(ga, grad.Data, op.B.Data, m, n, k, false, true)
		op.A.accumulate(ga)
	}
	if op.B.RequiresGrad {
		// dB = A^T @ grad
		gb := make([]float64, k*n)
		matmulInto(gb, op.A.Data, grad.Data, k, m, n, true, false)
		op.B.accumulate(gb)
	}
	return nil
}

// MatMul performs 2D matrix multiplication with another Tensor.
func (t *Tensor) MatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 || len(other.Shape) != 2 || t.Shape[1] != other.Shape[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "incompatible shapes for 2D matrix multiplication: %v and %v", t.Shape, other.Shape)
	}
	m, k, n := t.Shape[0], t.Shape[1], other.Shape[1]
	out := NewTensor([]int{m, n}, nil, t.RequiresGrad || other.RequiresGrad)
	matmulInto(out.Data, t.Data, other.Data, m, k, n, false, false)
	if out.RequiresGrad {
		out.Creator = &MatmulOperation{t, other}
	}
	return out, nil
}

// BatchMatMulOperation represents batched 3D matrix multiplication.
type BatchMatMulOperation struct {
	A, B *Tensor
}

func (op *BatchMatMulOperation) Inputs() []*Tensor { return []*Tensor{op.A, op.B} }

func (op *BatchMatMulOperation) Backward(grad *Tensor) error {
	batch, m, k, n := op.A.Shape[0], op.A.Shape[1], op.A.Shape[2], op.B.Shape[2]
	var ga, gb []float64
	if op.A.RequiresGrad {
		ga = make([]float64, len(op.A.Data))
	}
	if op.B.RequiresGrad {
		gb = make([]float64, len(op.B.Data))
	}
	for b := 0; b < batch; b++ {
		g := grad.Data[b*m*n : (b+1)*m*n]
		if ga != nil {
			matmulInto(ga[b*m*k:(b+1)*m*k], g, op.B.Data[b*k*n:(b+1)*k*n], m, n, k, false, true)
		}
		if gb != nil {
			matmulInto(gb[b*k*n:(b+1)*k*n], op.A.Data[b*m*k:(b+1)*m*k], g, k, m, n, true, false)
		}
	}
	if ga != nil {
		op.A.accumulate(ga)
	}
	if gb != nil {
		op.B.accumulate(gb)
	}
	return nil
}

// BatchMatMul multiplies [batch, m, k] by [batch, k, n] giving [batch, m, n].
func (t *Tensor) BatchMatMul(other *Tensor) (*Tensor, error) {
	if len(t.Shape) != 3 || len(other.Shape) != 3 || t.Shape[0] != other.Shape[0] || t.Shape[2] != other.Shape[1] {
		return nil, errors.Wrapf(ErrShapeMismatch, "incompatible shapes for batched matrix multiplication: %v and %v", t.Shape, other.Shape)
	}
	batch, m, k, n := t.Shape[0], t.Shape[1], t.Shape[2], other.Shape[2]
	out := NewTensor([]int{batch, m, n}, nil, t.RequiresGrad || other.RequiresGrad)
	for b := 0; b < batch; b++ {
		matmulInto(out.Data[b*m*n:(b+1)*m*n], t.Data[b*m*k:(b+1)*m*k], other.Data[b*k*n:(b+1)*k*n], m, k, n, false, false)
	}
	if out.RequiresGrad {
		out.Creator = &BatchMatMulOperation{t, other}
	}
	return out, nil
}
