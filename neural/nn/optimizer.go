package nn

import (
	"math"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// Optimizer interface defines the contract for optimizers.
type Optimizer interface {
	Step()
	ZeroGrad()
}

// Adam represents the Adam optimizer.
type Adam struct {
	parameters   []*Tensor
	learningRate float64
	beta1        float64
	beta2        float64
	epsilon      float64
	t            int
	m            map[*Tensor][]float64 // 1st moment vector
	v            map[*Tensor][]float64 // 2nd moment vector
	clipValue    float64
}

// NewOptimizer creates a new Adam optimizer. A clipValue of zero disables
// gradient clipping.
func NewOptimizer(parameters []*Tensor, learningRate float64, clipValue float64) *Adam {
	return &Adam{
		parameters:   parameters,
		learningRate: learningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
		m:            make(map[*Tensor][]float64),
		v:            make(map[*Tensor][]float64),
		clipValue:    clipValue,
	}
}

// Step performs a single optimization step.
func (o *Adam) Step() {
	o.t++
	lr := o.learningRate * math.Sqrt(1-math.Pow(o.beta2, float64(o.t))) / (1 - math.Pow(o.beta1, float64(o.t)))
	for _, p := range o.parameters {
		if p.Grad == nil {
			continue
		}
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Data))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Data))
		}
		v := o.v[p]

		for i, g := range p.Grad.Data {
			if o.clipValue > 0 {
				g = math.Max(-o.clipValue, math.Min(o.clipValue, g))
			}
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			p.Data[i] -= lr * m[i] / (math.Sqrt(v[i]) + o.epsilon)
		}
	}
}

// ZeroGrad clears the gradients of all parameters.
func (o *Adam) ZeroGrad() {
	for _, p := range o.parameters {
		p.ZeroGrad()
	}
}
