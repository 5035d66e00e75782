package nn

import (
	"math"
	"math/rand"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// GlorotUniform draws a [fanIn, fanOut] weight matrix from
// U(-limit, limit) with limit = sqrt(6 / (fanIn + fanOut)).
func GlorotUniform(rng *rand.Rand, fanIn, fanOut int) *Tensor {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return RandomUniform(rng, []int{fanIn, fanOut}, -limit, limit)
}

// RandomUniform draws every element from U(low, high).
func RandomUniform(rng *rand.Rand, shape []int, low, high float64) *Tensor {
	t := NewTensor(shape, nil, true)
	for i := range t.Data {
		t.Data[i] = low + rng.Float64()*(high-low)
	}
	return t
}

// Zeros returns a trainable tensor of zeros.
func Zeros(shape []int) *Tensor {
	return NewTensor(shape, nil, true)
}

// Orthogonal returns a [rows, cols] trainable matrix whose shorter side is
// orthonormal, built by Gram-Schmidt over normal samples.
func Orthogonal(rng *rand.Rand, rows, cols int) *Tensor {
	// Orthonormalize the shorter side as vectors of the longer length.
	n, length := rows, cols
	if rows > cols {
		n, length = cols, rows
	}
	vecs := make([][]float64, n)
	for i := range vecs {
		for {
			v := make([]float64, length)
			for j := range v {
				v[j] = rng.NormFloat64()
			}
			for _, u := range vecs[:i] {
				d := dot(v, u)
				for j := range v {
					v[j] -= d * u[j]
				}
			}
			norm := math.Sqrt(dot(v, v))
			if norm > 1e-8 {
				for j := range v {
					v[j] /= norm
				}
				vecs[i] = v
				break
			}
		}
	}

	t := NewTensor([]int{rows, cols}, nil, true)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if rows <= cols {
				t.Data[i*cols+j] = vecs[i][j]
			} else {
				t.Data[i*cols+j] = vecs[j][i]
			}
		}
	}
	return t
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
