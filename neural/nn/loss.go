package nn

import (
	"math"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// probabilityEpsilon clips probabilities before the log, matching the
// usual backend epsilon.
const probabilityEpsilon = 1e-7

// CrossEntropyOperation backpropagates masked categorical cross-entropy
// into the predicted probabilities.
type CrossEntropyOperation struct {
	Probs   *Tensor
	Targets []int
	Weights []float64
	Denom   float64
}

func (op *CrossEntropyOperation) Inputs() []*Tensor { return []*Tensor{op.Probs} }

func (op *CrossEntropyOperation) Backward(grad *Tensor) error {
	if !op.Probs.RequiresGrad || op.Denom == 0 {
		return nil
	}
	numClasses := op.Probs.Shape[len(op.Probs.Shape)-1]
	g := make([]float64, len(op.Probs.Data))
	for i, target := range op.Targets {
		if op.Weights[i] == 0 {
			continue
		}
		p := clipProbability(op.Probs.Data[i*numClasses+target])
		if p == op.Probs.Data[i*numClasses+target] {
			g[i*numClasses+target] = -grad.Data[0] * op.Weights[i] / (p * op.Denom)
		}
	}
	return op.Probs.AccumulateGrad(g)
}

func clipProbability(p float64) float64 {
	return math.Min(math.Max(p, probabilityEpsilon), 1-probabilityEpsilon)
}

// CategoricalCrossEntropy returns the mean of -log p[target] over the
// unmasked positions of a [batch, seq, classes] probability tensor as a
// [1] tensor. targets is [batch][seq]. A nil mask weights every position.
func CategoricalCrossEntropy(probs *Tensor, targets [][]int, mask *Tensor) (*Tensor, error) {
	if len(probs.Shape) != 3 {
		return nil, errors.Wrapf(ErrShapeMismatch, "cross-entropy expects [batch, seq, classes], got %v", probs.Shape)
	}
	batchSize, seqLength, numClasses := probs.Shape[0], probs.Shape[1], probs.Shape[2]
	if len(targets) != batchSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d target sequences for batch of %d", len(targets), batchSize)
	}

	flat := make([]int, 0, batchSize*seqLength)
	weights := make([]float64, 0, batchSize*seqLength)
	loss, denom := 0.0, 0.0
	for b, row := range targets {
		if len(row) != seqLength {
			return nil, errors.Wrapf(ErrShapeMismatch, "target sequence %d has length %d, expected %d", b, len(row), seqLength)
		}
		for s, target := range row {
			if target < 0 || target >= numClasses {
				return nil, errors.Errorf("target %d out of range [0, %d)", target, numClasses)
			}
			w := 1.0
			if mask != nil {
				w = mask.Data[b*seqLength+s]
			}
			flat = append(flat, target)
			weights = append(weights, w)
			if w == 0 {
				continue
			}
			p := clipProbability(probs.Data[(b*seqLength+s)*numClasses+target])
			loss -= w * math.Log(p)
			denom += w
		}
	}
	if denom > 0 {
		loss /= denom
	}

	out := NewTensor([]int{1}, []float64{loss}, probs.RequiresGrad)
	if out.RequiresGrad {
		out.Creator = &CrossEntropyOperation{Probs: probs, Targets: flat, Weights: weights, Denom: denom}
	}
	return out, nil
}

// Accuracy is the fraction of positions whose predicted class equals the
// target, counting only positions where mask is non-zero.
func Accuracy(predicted, targets [][]int, mask *Tensor) float64 {
	correct, total := 0, 0
	for b, row := range targets {
		for s, target := range row {
			if mask != nil && mask.Data[b*len(row)+s] == 0 {
				continue
			}
			total++
			if predicted[b][s] == target {
				correct++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}
