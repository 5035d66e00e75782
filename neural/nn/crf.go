package nn

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	. "github.com/golangast/seqtagger/neural/tensor"
)

// CRF is a linear-chain conditional random field output layer. It projects
// features to per-tag unary energies and learns tag-to-tag transition
// energies plus start (left) and end (right) boundary energies.
type CRF struct {
	Units         int
	Kernel        *Tensor // [features, Units]
	Bias          *Tensor // [Units]
	ChainKernel   *Tensor // [Units, Units], from -> to
	LeftBoundary  *Tensor // [Units]
	RightBoundary *Tensor // [Units]
}

// NewCRF creates a CRF layer over inputDim features and units tags.
func NewCRF(rng *rand.Rand, inputDim, units int) *CRF {
	return &CRF{
		Units:         units,
		Kernel:        GlorotUniform(rng, inputDim, units),
		Bias:          Zeros([]int{units}),
		ChainKernel:   Orthogonal(rng, units, units),
		LeftBoundary:  Zeros([]int{units}),
		RightBoundary: Zeros([]int{units}),
	}
}

// Parameters returns all learnable parameters of the layer.
func (c *CRF) Parameters() []*Tensor {
	return []*Tensor{c.Kernel, c.Bias, c.ChainKernel, c.LeftBoundary, c.RightBoundary}
}

// Energies projects [batch, seq, features] to [batch, seq, Units] unary energies.
func (c *CRF) Energies(x *Tensor) (*Tensor, error) {
	return (&Linear{Weights: c.Kernel, Biases: c.Bias}).Forward(x)
}

// validPositions lists, per sequence, the positions the chain runs over.
// A nil mask means every position is valid.
func validPositions(batchSize, seqLength int, mask *Tensor) [][]int {
	positions := make([][]int, batchSize)
	for b := range positions {
		for t := 0; t < seqLength; t++ {
			if mask == nil || mask.Data[b*seqLength+t] != 0 {
				positions[b] = append(positions[b], t)
			}
		}
	}
	return positions
}

// CRFLossOperation backpropagates the mean negative log-likelihood into
// the energies and the transition parameters.
type CRFLossOperation struct {
	Energies  *Tensor
	Chain     *Tensor
	Left      *Tensor
	Right     *Tensor
	Tags      [][]int
	Positions [][]int
}

func (op *CRFLossOperation) Inputs() []*Tensor {
	return []*Tensor{op.Energies, op.Chain, op.Left, op.Right}
}

func (op *CRFLossOperation) Backward(grad *Tensor) error {
	batchSize, seqLength, units := op.Energies.Shape[0], op.Energies.Shape[1], op.Energies.Shape[2]
	scale := grad.Data[0] / float64(batchSize)

	gEnergies := make([]float64, len(op.Energies.Data))
	gChain := make([]float64, units*units)
	gLeft := make([]float64, units)
	gRight := make([]float64, units)

	for b := 0; b < batchSize; b++ {
		pos := op.Positions[b]
		n := len(pos)
		if n == 0 {
			continue
		}
		u := unaries(op.Energies, b, pos)
		alpha, beta, logZ := forwardBackward(u, op.Chain.Data, op.Left.Data, op.Right.Data, units)

		for k := 0; k < n; k++ {
			row := gEnergies[(b*seqLength+pos[k])*units:]
			for i := 0; i < units; i++ {
				p := math.Exp(alpha[k][i] + beta[k][i] - logZ)
				row[i] += scale * p
				if k == 0 {
					gLeft[i] += scale * p
				}
				if k == n-1 {
					gRight[i] += scale * p
				}
			}
			gold := op.Tags[b][pos[k]]
			row[gold] -= scale
			if k == 0 {
				gLeft[gold] -= scale
			}
			if k == n-1 {
				gRight[gold] -= scale
			}
			if k == 0 {
				continue
			}
			for i := 0; i < units; i++ {
				for j := 0; j < units; j++ {
					p := math.Exp(alpha[k-1][i] + op.Chain.Data[i*units+j] + u[k][j] + beta[k][j] - logZ)
					gChain[i*units+j] += scale * p
				}
			}
			gChain[op.Tags[b][pos[k-1]]*units+gold] -= scale
		}
	}

	if op.Energies.RequiresGrad {
		if err := op.Energies.AccumulateGrad(gEnergies); err != nil {
			return err
		}
	}
	for _, pg := range []struct {
		t *Tensor
		g []float64
	}{{op.Chain, gChain}, {op.Left, gLeft}, {op.Right, gRight}} {
		if pg.t.RequiresGrad {
			if err := pg.t.AccumulateGrad(pg.g); err != nil {
				return err
			}
		}
	}
	return nil
}

// NegativeLogLikelihood returns the batch-mean negative log-likelihood of
// the gold tag paths as a [1] tensor. tags is [batch][seq]; positions where
// mask is 0 are left out of the chain.
func (c *CRF) NegativeLogLikelihood(energies *Tensor, tags [][]int, mask *Tensor) (*Tensor, error) {
	if len(energies.Shape) != 3 || energies.Shape[2] != c.Units {
		return nil, errors.Wrapf(ErrShapeMismatch, "CRF energies must be [batch, seq, %d], got %v", c.Units, energies.Shape)
	}
	batchSize, seqLength := energies.Shape[0], energies.Shape[1]
	if len(tags) != batchSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d tag sequences for batch of %d", len(tags), batchSize)
	}
	positions := validPositions(batchSize, seqLength, mask)

	total := 0.0
	for b := 0; b < batchSize; b++ {
		if len(tags[b]) != seqLength {
			return nil, errors.Wrapf(ErrShapeMismatch, "tag sequence %d has length %d, expected %d", b, len(tags[b]), seqLength)
		}
		pos := positions[b]
		if len(pos) == 0 {
			continue
		}
		u := unaries(energies, b, pos)
		_, _, logZ := forwardBackward(u, c.ChainKernel.Data, c.LeftBoundary.Data, c.RightBoundary.Data, c.Units)

		gold := make([]int, len(pos))
		for k, p := range pos {
			gold[k] = tags[b][p]
			if gold[k] < 0 || gold[k] >= c.Units {
				return nil, errors.Errorf("tag %d out of range [0, %d)", gold[k], c.Units)
			}
		}
		total += logZ - c.pathScore(u, gold)
	}

	out := NewTensor([]int{1}, []float64{total / float64(batchSize)}, true)
	out.Creator = &CRFLossOperation{
		Energies:  energies,
		Chain:     c.ChainKernel,
		Left:      c.LeftBoundary,
		Right:     c.RightBoundary,
		Tags:      tags,
		Positions: positions,
	}
	return out, nil
}

func (c *CRF) pathScore(u [][]float64, path []int) float64 {
	n := len(path)
	s := c.LeftBoundary.Data[path[0]] + c.RightBoundary.Data[path[n-1]]
	for k, y := range path {
		s += u[k][y]
		if k > 0 {
			s += c.ChainKernel.Data[path[k-1]*c.Units+y]
		}
	}
	return s
}

// Decode returns the Viterbi tag path for every sequence. Positions outside
// the mask take the tag with the highest unary energy.
func (c *CRF) Decode(energies *Tensor, mask *Tensor) [][]int {
	batchSize, seqLength, units := energies.Shape[0], energies.Shape[1], c.Units
	positions := validPositions(batchSize, seqLength, mask)
	greedy := energies.Argmax()
	chain := c.ChainKernel.Data

	paths := make([][]int, batchSize)
	for b := range paths {
		paths[b] = append([]int(nil), greedy[b*seqLength:(b+1)*seqLength]...)
		pos := positions[b]
		n := len(pos)
		if n == 0 {
			continue
		}
		u := unaries(energies, b, pos)

		delta := make([]float64, units)
		for j := range delta {
			delta[j] = c.LeftBoundary.Data[j] + u[0][j]
		}
		backptr := make([][]int, n)
		for k := 1; k < n; k++ {
			next := make([]float64, units)
			backptr[k] = make([]int, units)
			for j := 0; j < units; j++ {
				best, bestScore := 0, math.Inf(-1)
				for i := 0; i < units; i++ {
					if s := delta[i] + chain[i*units+j]; s > bestScore {
						best, bestScore = i, s
					}
				}
				next[j] = bestScore + u[k][j]
				backptr[k][j] = best
			}
			delta = next
		}

		last, lastScore := 0, math.Inf(-1)
		for j := range delta {
			if s := delta[j] + c.RightBoundary.Data[j]; s > lastScore {
				last, lastScore = j, s
			}
		}
		for k := n - 1; k >= 0; k-- {
			paths[b][pos[k]] = last
			if k > 0 {
				last = backptr[k][last]
			}
		}
	}
	return paths
}

// unaries gathers the energy rows of sequence b at the given positions.
func unaries(energies *Tensor, b int, pos []int) [][]float64 {
	seqLength, units := energies.Shape[1], energies.Shape[2]
	u := make([][]float64, len(pos))
	for k, p := range pos {
		off := (b*seqLength + p) * units
		u[k] = energies.Data[off : off+units]
	}
	return u
}

// forwardBackward runs the forward and backward recursions in log space
// and returns alpha, beta and the log partition function.
func forwardBackward(u [][]float64, chain, left, right []float64, units int) ([][]float64, [][]float64, float64) {
	n := len(u)
	alpha := make([][]float64, n)
	beta := make([][]float64, n)
	buf := make([]float64, units)

	alpha[0] = make([]float64, units)
	for j := 0; j < units; j++ {
		alpha[0][j] = left[j] + u[0][j]
	}
	for k := 1; k < n; k++ {
		alpha[k] = make([]float64, units)
		for j := 0; j < units; j++ {
			for i := 0; i < units; i++ {
				buf[i] = alpha[k-1][i] + chain[i*units+j]
			}
			alpha[k][j] = logSumExp(buf) + u[k][j]
		}
	}

	beta[n-1] = append([]float64(nil), right...)
	for k := n - 2; k >= 0; k-- {
		beta[k] = make([]float64, units)
		for i := 0; i < units; i++ {
			for j := 0; j < units; j++ {
				buf[j] = chain[i*units+j] + u[k+1][j] + beta[k+1][j]
			}
			beta[k][i] = logSumExp(buf)
		}
	}

	for j := 0; j < units; j++ {
		buf[j] = alpha[n-1][j] + right[j]
	}
	return alpha, beta, logSumExp(buf)
}

func logSumExp(xs []float64) float64 {
	m := math.Inf(-1)
	for _, x := range xs {
		if x > m {
			m = x
		}
	}
	if math.IsInf(m, -1) {
		return m
	}
	s := 0.0
	for _, x := range xs {
		s += math.Exp(x - m)
	}
	return m + math.Log(s)
}
