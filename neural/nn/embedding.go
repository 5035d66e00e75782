package nn

import (
	"math/rand"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// Embedding represents a token embedding layer. Index 0 is the padding
// index when MaskZero is set.
type Embedding struct {
	VocabSize int
	DimModel  int
	MaskZero  bool
	Weight    *Tensor
}

// NewEmbedding creates an Embedding with weights drawn from U(-0.05, 0.05).
func NewEmbedding(rng *rand.Rand, vocabSize, dimModel int, maskZero bool) *Embedding {
	return &Embedding{
		VocabSize: vocabSize,
		DimModel:  dimModel,
		MaskZero:  maskZero,
		Weight:    RandomUniform(rng, []int{vocabSize, dimModel}, -0.05, 0.05),
	}
}

// Parameters returns all learnable parameters of the layer.
func (e *Embedding) Parameters() []*Tensor {
	return []*Tensor{e.Weight}
}

// EmbeddingLookupOperation scatters gradients back to the looked-up rows.
type EmbeddingLookupOperation struct {
	TokenIDs []int
	Weights  *Tensor
}

func (op *EmbeddingLookupOperation) Inputs() []*Tensor { return []*Tensor{op.Weights} }

func (op *EmbeddingLookupOperation) Backward(grad *Tensor) error {
	if !op.Weights.RequiresGrad {
		return nil
	}
	dim := op.Weights.Shape[1]
	g := make([]float64, len(op.Weights.Data))
	for i, id := range op.TokenIDs {
		row := g[id*dim : (id+1)*dim]
		for k, v := range grad.Data[i*dim : (i+1)*dim] {
			row[k] += v
		}
	}
	return op.Weights.AccumulateGrad(g)
}

// Forward looks up the embedding of every id in a [batch, seq] id matrix.
// It returns the [batch, seq, dim] embeddings and, when MaskZero is set,
// a [batch, seq] mask that is 1 for real tokens and 0 for padding.
func (e *Embedding) Forward(ids [][]int) (*Tensor, *Tensor, error) {
	if len(ids) == 0 {
		return nil, nil, errors.New("embedding input is empty")
	}
	batchSize, seqLength := len(ids), len(ids[0])
	flat := make([]int, 0, batchSize*seqLength)
	out := NewTensor([]int{batchSize, seqLength, e.DimModel}, nil, e.Weight.RequiresGrad)
	var mask *Tensor
	if e.MaskZero {
		mask = NewTensor([]int{batchSize, seqLength}, nil, false)
	}

	for b, row := range ids {
		if len(row) != seqLength {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "sequence %d has length %d, expected %d", b, len(row), seqLength)
		}
		for s, tokenID := range row {
			if tokenID < 0 || tokenID >= e.VocabSize {
				return nil, nil, errors.Errorf("token ID %d is out of vocabulary range [0, %d)", tokenID, e.VocabSize)
			}
			flat = append(flat, tokenID)
			offset := (b*seqLength + s) * e.DimModel
			copy(out.Data[offset:offset+e.DimModel], e.Weight.Data[tokenID*e.DimModel:(tokenID+1)*e.DimModel])
			if mask != nil && tokenID != 0 {
				mask.Data[b*seqLength+s] = 1
			}
		}
	}
	if out.RequiresGrad {
		out.Creator = &EmbeddingLookupOperation{TokenIDs: flat, Weights: e.Weight}
	}
	return out, mask, nil
}
