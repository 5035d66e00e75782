package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// Activation names accepted by Dense.
const (
	ActivationLinear  = "linear"
	ActivationReLU    = "relu"
	ActivationTanh    = "tanh"
	ActivationSoftmax = "softmax"
)

// Linear represents a linear layer (fully connected layer).
type Linear struct {
	Weights *Tensor
	Biases  *Tensor
}

// NewLinear creates a Linear layer with Glorot-uniform weights and zero biases.
func NewLinear(rng *rand.Rand, inputDim, outputDim int) *Linear {
	return &Linear{
		Weights: GlorotUniform(rng, inputDim, outputDim),
		Biases:  Zeros([]int{outputDim}),
	}
}

// Parameters returns all learnable parameters of the layer.
func (l *Linear) Parameters() []*Tensor {
	params := []*Tensor{l.Weights}
	if l.Biases != nil {
		params = append(params, l.Biases)
	}
	return params
}

// Forward applies the layer to a 2D [batch, in] or 3D [batch, seq, in]
// input. A 3D input is treated time-distributed: every position shares
// the same weights.
func (l *Linear) Forward(input *Tensor) (*Tensor, error) {
	if input == nil {
		return nil, errors.New("Linear.Forward received a nil input tensor")
	}
	inputDim := l.Weights.Shape[0]
	outputDim := l.Weights.Shape[1]
	if input.Shape[len(input.Shape)-1] != inputDim {
		return nil, errors.Wrapf(ErrShapeMismatch, "linear layer expects last dimension %d, got %v", inputDim, input.Shape)
	}

	var flat *Tensor
	var err error
	switch len(input.Shape) {
	case 2:
		flat = input
	case 3:
		flat, err = input.Reshape([]int{input.Shape[0] * input.Shape[1], inputDim})
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("linear layer only supports 2D or 3D input, got %d dimensions", len(input.Shape))
	}

	output, err := flat.MatMul(l.Weights)
	if err != nil {
		return nil, errors.Wrap(err, "linear layer matrix multiplication failed")
	}
	if l.Biases != nil {
		output, err = output.AddWithBroadcast(l.Biases)
		if err != nil {
			return nil, errors.Wrap(err, "linear layer bias addition failed")
		}
	}
	if len(input.Shape) == 3 {
		return output.Reshape([]int{input.Shape[0], input.Shape[1], outputDim})
	}
	return output, nil
}

// Dense is a Linear layer followed by an activation.
type Dense struct {
	*Linear
	Activation string
}

// NewDense creates a Dense layer.
func NewDense(rng *rand.Rand, inputDim, outputDim int, activation string) *Dense {
	return &Dense{Linear: NewLinear(rng, inputDim, outputDim), Activation: activation}
}

// Forward applies the linear map and then the activation.
func (d *Dense) Forward(input *Tensor) (*Tensor, error) {
	out, err := d.Linear.Forward(input)
	if err != nil {
		return nil, err
	}
	return Activate(out, d.Activation)
}

// Activate applies a named activation. Softmax normalizes the last axis.
func Activate(t *Tensor, activation string) (*Tensor, error) {
	switch activation {
	case "", ActivationLinear:
		return t, nil
	case ActivationReLU:
		return t.ReLU(), nil
	case ActivationTanh:
		return t.Tanh(), nil
	case ActivationSoftmax:
		return t.Softmax(-1)
	default:
		return nil, errors.Errorf("unknown activation %q", activation)
	}
}
