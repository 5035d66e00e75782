package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// Attention is a soft attention layer over the time axis. Every position
// is scored against every other through a learned [features, seq] kernel,
// the scores are normalized over time, and the resulting context vectors
// are joined to the original features:
//
//	out = tanh(concat(x, softmax_time(x·K)ᵀ · x))
//
// Output width is twice the input width. The layer does not propagate a
// mask.
type Attention struct {
	Features  int
	SeqLength int
	Kernel    *Tensor
}

// NewAttention creates an Attention layer for [batch, seqLength, features]
// inputs with a kernel drawn from U(-0.05, 0.05).
func NewAttention(rng *rand.Rand, features, seqLength int) *Attention {
	return &Attention{
		Features:  features,
		SeqLength: seqLength,
		Kernel:    RandomUniform(rng, []int{features, seqLength}, -0.05, 0.05),
	}
}

// Parameters returns all learnable parameters of the layer.
func (a *Attention) Parameters() []*Tensor {
	return []*Tensor{a.Kernel}
}

// Weights returns the [batch, seq, seq] attention weights for x. Entry
// [b, t, j] is the weight of position t in the context of column j, so
// every column sums to one over t.
func (a *Attention) Weights(x *Tensor) (*Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[1] != a.SeqLength || x.Shape[2] != a.Features {
		return nil, errors.Wrapf(ErrShapeMismatch, "attention expects [batch, %d, %d], got %v", a.SeqLength, a.Features, x.Shape)
	}
	batchSize := x.Shape[0]
	flat, err := x.Reshape([]int{batchSize * a.SeqLength, a.Features})
	if err != nil {
		return nil, err
	}
	scores, err := flat.MatMul(a.Kernel)
	if err != nil {
		return nil, err
	}
	scores, err = scores.Reshape([]int{batchSize, a.SeqLength, a.SeqLength})
	if err != nil {
		return nil, err
	}
	return scores.Softmax(1)
}

// Forward returns [batch, seq, 2*features].
func (a *Attention) Forward(x *Tensor) (*Tensor, error) {
	weights, err := a.Weights(x)
	if err != nil {
		return nil, err
	}
	// Contract over time: context[b, j, :] = sum_t weights[b, t, j] * x[b, t, :].
	weightsT, err := weights.Transpose(1, 2)
	if err != nil {
		return nil, err
	}
	context, err := weightsT.BatchMatMul(x)
	if err != nil {
		return nil, errors.Wrap(err, "attention weighted average")
	}

	if context.Shape[1] == 1 && x.Shape[1] > 1 {
		repeated := make([]*Tensor, x.Shape[1])
		for i := range repeated {
			repeated[i] = context
		}
		if context, err = Concat(repeated, 1); err != nil {
			return nil, err
		}
	}

	joined, err := Concat([]*Tensor{x, context}, 2)
	if err != nil {
		return nil, err
	}
	return joined.Tanh(), nil
}
