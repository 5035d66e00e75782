package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// LSTM is a single recurrent layer that returns the full output sequence.
// Gate blocks in Kernel, RecurrentKernel and Bias are ordered
// input, forget, candidate, output.
type LSTM struct {
	InputSize        int
	Units            int
	RecurrentDropout float64
	GoBackwards      bool

	Kernel          *Tensor // [InputSize, 4*Units]
	RecurrentKernel *Tensor // [Units, 4*Units]
	Bias            *Tensor // [4*Units]
}

// NewLSTM creates an LSTM with a Glorot-uniform kernel, an orthogonal
// recurrent kernel and a forget-gate bias of one.
func NewLSTM(rng *rand.Rand, inputSize, units int, recurrentDropout float64, goBackwards bool) *LSTM {
	bias := Zeros([]int{4 * units})
	for i := units; i < 2*units; i++ {
		bias.Data[i] = 1
	}
	return &LSTM{
		InputSize:        inputSize,
		Units:            units,
		RecurrentDropout: recurrentDropout,
		GoBackwards:      goBackwards,
		Kernel:           GlorotUniform(rng, inputSize, 4*units),
		RecurrentKernel:  Orthogonal(rng, units, 4*units),
		Bias:             bias,
	}
}

// Parameters returns all learnable parameters of the LSTM.
func (l *LSTM) Parameters() []*Tensor {
	return []*Tensor{l.Kernel, l.RecurrentKernel, l.Bias}
}

// Forward runs the layer over a [batch, seq, InputSize] input and returns
// [batch, seq, Units]. Outputs are aligned with input positions in both
// directions. Where mask is 0 the state is carried over unchanged and the
// output is zero. rng is only used when training with recurrent dropout.
func (l *LSTM) Forward(x, mask *Tensor, training bool, rng *rand.Rand) (*Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[2] != l.InputSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "LSTM expects [batch, seq, %d], got %v", l.InputSize, x.Shape)
	}
	batchSize, seqLength, units := x.Shape[0], x.Shape[1], l.Units
	if mask != nil && (mask.Shape[0] != batchSize || mask.Shape[1] != seqLength) {
		return nil, errors.Wrapf(ErrShapeMismatch, "mask %v does not match input %v", mask.Shape, x.Shape)
	}

	// The input projection does not depend on the state, so do it once.
	flat, err := x.Reshape([]int{batchSize * seqLength, l.InputSize})
	if err != nil {
		return nil, err
	}
	projected, err := flat.MatMul(l.Kernel)
	if err != nil {
		return nil, err
	}
	projected, err = projected.Reshape([]int{batchSize, seqLength, 4 * units})
	if err != nil {
		return nil, err
	}

	var dropMasks []*Tensor
	if training && l.RecurrentDropout > 0 {
		if rng == nil {
			return nil, errors.New("recurrent dropout needs a random source")
		}
		dropMasks = recurrentDropoutMasks(rng, batchSize, units, l.RecurrentDropout)
	}

	h := NewTensor([]int{batchSize, units}, nil, false)
	c := NewTensor([]int{batchSize, units}, nil, false)
	outputs := make([]*Tensor, seqLength)

	for step := 0; step < seqLength; step++ {
		t := step
		if l.GoBackwards {
			t = seqLength - 1 - step
		}

		var m *Tensor
		if mask != nil {
			var active int
			m, active = stepMask(mask, t, units)
			if active == 0 {
				outputs[t] = NewTensor([]int{batchSize, 1, units}, nil, false)
				continue
			}
			if active == batchSize {
				m = nil
			}
		}

		hNew, cNew, err := l.step(projected, h, c, dropMasks, t)
		if err != nil {
			return nil, errors.Wrapf(err, "LSTM step %d", t)
		}

		out := hNew
		if m != nil {
			if out, err = hNew.Mul(m); err != nil {
				return nil, err
			}
			inv := oneMinus(m)
			if h, err = blend(out, h, inv); err != nil {
				return nil, err
			}
			masked, err := cNew.Mul(m)
			if err != nil {
				return nil, err
			}
			if c, err = blend(masked, c, inv); err != nil {
				return nil, err
			}
		} else {
			h, c = hNew, cNew
		}
		if outputs[t], err = out.Reshape([]int{batchSize, 1, units}); err != nil {
			return nil, err
		}
	}
	return Concat(outputs, 1)
}

// recurrentDropoutMasks draws one inverted-dropout mask per gate. Each mask
// is [batch, units] and is reused at every time step of the sequence.
func recurrentDropoutMasks(rng *rand.Rand, batchSize, units int, rate float64) []*Tensor {
	keep := 1 - rate
	masks := make([]*Tensor, 4)
	for g := range masks {
		masks[g] = NewTensor([]int{batchSize, units}, nil, false)
		for i := range masks[g].Data {
			if rng.Float64() < keep {
				masks[g].Data[i] = 1 / keep
			}
		}
	}
	return masks
}

// step computes one LSTM update for position t. dropMasks, when set, holds
// one mask per gate applied to h before its recurrent projection.
func (l *LSTM) step(projected, h, c *Tensor, dropMasks []*Tensor, t int) (*Tensor, *Tensor, error) {
	batchSize, units := h.Shape[0], l.Units

	xt, err := projected.Slice(1, t, t+1)
	if err != nil {
		return nil, nil, err
	}
	xt, err = xt.Reshape([]int{batchSize, 4 * units})
	if err != nil {
		return nil, nil, err
	}

	hu, err := l.recurrent(h, dropMasks)
	if err != nil {
		return nil, nil, err
	}
	z, err := xt.Add(hu)
	if err != nil {
		return nil, nil, err
	}
	z, err = z.AddWithBroadcast(l.Bias)
	if err != nil {
		return nil, nil, err
	}

	gates := make([]*Tensor, 4)
	for g := range gates {
		if gates[g], err = z.Slice(1, g*units, (g+1)*units); err != nil {
			return nil, nil, err
		}
	}
	it := gates[0].Sigmoid()
	ft := gates[1].Sigmoid()
	cct := gates[2].Tanh()
	ot := gates[3].Sigmoid()

	fc, err := ft.Mul(c)
	if err != nil {
		return nil, nil, err
	}
	ic, err := it.Mul(cct)
	if err != nil {
		return nil, nil, err
	}
	ct, err := fc.Add(ic)
	if err != nil {
		return nil, nil, err
	}
	ht, err := ot.Mul(ct.Tanh())
	if err != nil {
		return nil, nil, err
	}
	return ht, ct, nil
}

// recurrent projects h through the recurrent kernel. With dropout each gate
// block sees its own masked copy of h.
func (l *LSTM) recurrent(h *Tensor, dropMasks []*Tensor) (*Tensor, error) {
	if dropMasks == nil {
		return h.MatMul(l.RecurrentKernel)
	}
	units := l.Units
	parts := make([]*Tensor, len(dropMasks))
	for g, m := range dropMasks {
		hIn, err := h.Mul(m)
		if err != nil {
			return nil, err
		}
		kernel, err := l.RecurrentKernel.Slice(1, g*units, (g+1)*units)
		if err != nil {
			return nil, err
		}
		if parts[g], err = hIn.MatMul(kernel); err != nil {
			return nil, err
		}
	}
	return Concat(parts, 1)
}

// stepMask broadcasts column t of a [batch, seq] mask to [batch, units]
// and reports how many rows are active.
func stepMask(mask *Tensor, t, units int) (*Tensor, int) {
	batchSize, seqLength := mask.Shape[0], mask.Shape[1]
	m := NewTensor([]int{batchSize, units}, nil, false)
	active := 0
	for b := 0; b < batchSize; b++ {
		if mask.Data[b*seqLength+t] == 0 {
			continue
		}
		active++
		for u := 0; u < units; u++ {
			m.Data[b*units+u] = 1
		}
	}
	return m, active
}

func oneMinus(m *Tensor) *Tensor {
	inv := NewTensor(m.Shape, nil, false)
	for i, v := range m.Data {
		inv.Data[i] = 1 - v
	}
	return inv
}

// blend returns masked + prev*inv.
func blend(masked, prev, inv *Tensor) (*Tensor, error) {
	kept, err := prev.Mul(inv)
	if err != nil {
		return nil, err
	}
	return masked.Add(kept)
}

// Bidirectional runs a forward and a backward LSTM and concatenates their
// outputs along the feature axis.
type Bidirectional struct {
	ForwardLayer  *LSTM
	BackwardLayer *LSTM
}

// NewBidirectional creates a bidirectional LSTM with units per direction.
func NewBidirectional(rng *rand.Rand, inputSize, units int, recurrentDropout float64) *Bidirectional {
	return &Bidirectional{
		ForwardLayer:  NewLSTM(rng, inputSize, units, recurrentDropout, false),
		BackwardLayer: NewLSTM(rng, inputSize, units, recurrentDropout, true),
	}
}

// Parameters returns the parameters of both directions.
func (b *Bidirectional) Parameters() []*Tensor {
	return append(b.ForwardLayer.Parameters(), b.BackwardLayer.Parameters()...)
}

// Forward returns [batch, seq, 2*units].
func (b *Bidirectional) Forward(x, mask *Tensor, training bool, rng *rand.Rand) (*Tensor, error) {
	fw, err := b.ForwardLayer.Forward(x, mask, training, rng)
	if err != nil {
		return nil, errors.Wrap(err, "forward LSTM")
	}
	bw, err := b.BackwardLayer.Forward(x, mask, training, rng)
	if err != nil {
		return nil, errors.Wrap(err, "backward LSTM")
	}
	return Concat([]*Tensor{fw, bw}, 2)
}
