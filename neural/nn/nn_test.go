package nn_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"

	. "github.com/golangast/seqtagger/neural/nn"
	. "github.com/golangast/seqtagger/neural/tensor"
)

func randomInput(rng *rand.Rand, shape []int) *Tensor {
	t := NewTensor(shape, nil, true)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

// numericCheck compares the analytic gradient of a scalar loss with
// central differences for every element of every parameter.
func numericCheck(t *testing.T, params []*Tensor, loss func() (*Tensor, error)) {
	t.Helper()
	for _, p := range params {
		p.Grad = nil
	}
	out, err := loss()
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Backward(nil); err != nil {
		t.Fatalf("backward failed: %v", err)
	}
	const h = 1e-6
	for n, p := range params {
		if p.Grad == nil {
			t.Fatalf("parameter %d %v has no gradient", n, p.Shape)
		}
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + h
			plus, _ := loss()
			p.Data[i] = orig - h
			minus, _ := loss()
			p.Data[i] = orig
			numeric := (plus.Data[0] - minus.Data[0]) / (2 * h)
			if math.Abs(numeric-p.Grad.Data[i]) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("parameter %d %v element %d: analytic %g, numeric %g", n, p.Shape, i, p.Grad.Data[i], numeric)
			}
		}
	}
}

func TestAttentionShapeAndWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	att := NewAttention(rng, 4, 5)
	x := randomInput(rng, []int{2, 5, 4})

	out, err := att.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 5 || out.Shape[2] != 8 {
		t.Fatalf("output shape = %v, want [2 5 8]", out.Shape)
	}
	for _, v := range out.Data {
		if v < -1 || v > 1 {
			t.Fatalf("tanh output out of range: %g", v)
		}
	}

	w, err := att.Weights(x)
	if err != nil {
		t.Fatalf("Weights: %v", err)
	}
	for b := 0; b < 2; b++ {
		for j := 0; j < 5; j++ {
			s := 0.0
			for i := 0; i < 5; i++ {
				s += w.Data[(b*5+i)*5+j]
			}
			if math.Abs(s-1) > 1e-9 {
				t.Errorf("weights for column (%d, %d) sum to %g", b, j, s)
			}
		}
	}

	if _, err := att.Forward(randomInput(rng, []int{2, 4, 4})); err == nil {
		t.Error("expected a shape error for the wrong sequence length")
	}
}

func TestAttentionGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	att := NewAttention(rng, 3, 4)
	x := randomInput(rng, []int{2, 4, 3})
	numericCheck(t, []*Tensor{att.Kernel, x}, func() (*Tensor, error) {
		out, err := att.Forward(x)
		if err != nil {
			return nil, err
		}
		return sumAll(out), nil
	})
}

// sumAll reduces a tensor to a [1] tensor through a matmul with ones so the
// reduction stays on the graph.
func sumAll(x *Tensor) *Tensor {
	n := len(x.Data)
	flat, _ := x.Reshape([]int{1, n})
	w := NewTensor([]int{n, 1}, nil, false)
	for i := range w.Data {
		w.Data[i] = float64(i%5+1) / 5
	}
	out, _ := flat.MatMul(w)
	r, _ := out.Reshape([]int{1})
	return r
}

func TestLSTMMasking(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	lstm := NewLSTM(rng, 3, 4, 0, false)
	x := randomInput(rng, []int{2, 4, 3})
	mask := NewTensor([]int{2, 4}, []float64{1, 1, 0, 0, 1, 1, 1, 1}, false)

	out, err := lstm.Forward(x, mask, false, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Shape[0] != 2 || out.Shape[1] != 4 || out.Shape[2] != 4 {
		t.Fatalf("output shape = %v", out.Shape)
	}
	for s := 2; s < 4; s++ {
		for u := 0; u < 4; u++ {
			if v := out.Data[(0*4+s)*4+u]; v != 0 {
				t.Fatalf("masked position %d has output %g", s, v)
			}
		}
	}

	// Values behind the mask must not change the unmasked outputs.
	x2 := x.Clone()
	for i := 2 * 3; i < 4*3; i++ {
		x2.Data[i] = 42
	}
	out2, err := lstm.Forward(x2, mask, false, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range out.Data {
		if math.Abs(out.Data[i]-out2.Data[i]) > 1e-12 {
			t.Fatalf("output %d changed with padded input: %g vs %g", i, out.Data[i], out2.Data[i])
		}
	}
}

func TestBidirectionalBackwardIsPadAware(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	bi := NewBidirectional(rng, 2, 3, 0)
	x := randomInput(rng, []int{1, 3, 2})
	short := NewTensor([]int{1, 2, 2}, append([]float64(nil), x.Data[:4]...), false)
	mask := NewTensor([]int{1, 3}, []float64{1, 1, 0}, false)

	padded, err := bi.Forward(x, mask, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	exact, err := bi.Forward(short, nil, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	for s := 0; s < 2; s++ {
		for u := 0; u < 6; u++ {
			if math.Abs(padded.Data[s*6+u]-exact.Data[s*6+u]) > 1e-12 {
				t.Fatalf("position %d unit %d: padded %g, exact %g\n%s", s, u, padded.Data[s*6+u], exact.Data[s*6+u], spew.Sdump(padded.Data))
			}
		}
	}
}

func TestLSTMGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lstm := NewLSTM(rng, 2, 3, 0, true)
	x := randomInput(rng, []int{2, 3, 2})
	mask := NewTensor([]int{2, 3}, []float64{1, 1, 1, 1, 0, 0}, false)
	numericCheck(t, append(lstm.Parameters(), x), func() (*Tensor, error) {
		out, err := lstm.Forward(x, mask, false, nil)
		if err != nil {
			return nil, err
		}
		return sumAll(out), nil
	})
}

func TestLSTMGradientWithRecurrentDropout(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	lstm := NewLSTM(rng, 2, 3, 0.5, false)
	x := randomInput(rng, []int{2, 3, 2})
	numericCheck(t, append(lstm.Parameters(), x), func() (*Tensor, error) {
		// Same seed on every call so each evaluation draws identical masks.
		out, err := lstm.Forward(x, nil, true, rand.New(rand.NewSource(3)))
		if err != nil {
			return nil, err
		}
		return sumAll(out), nil
	})
}

func TestRecurrentDropoutMaskPerGate(t *testing.T) {
	const rate = 0.5
	masks := RecurrentDropoutMasks(rand.New(rand.NewSource(11)), 2, 8, rate)
	if len(masks) != 4 {
		t.Fatalf("got %d masks, want one per gate", len(masks))
	}
	for g, m := range masks {
		if m.Shape[0] != 2 || m.Shape[1] != 8 {
			t.Fatalf("mask %d has shape %v", g, m.Shape)
		}
		for _, v := range m.Data {
			if v != 0 && v != 1/(1-rate) {
				t.Fatalf("mask %d holds %g", g, v)
			}
		}
	}
	distinct := false
	for g := 1; g < 4; g++ {
		for i := range masks[0].Data {
			if masks[g].Data[i] != masks[0].Data[i] {
				distinct = true
			}
		}
	}
	if !distinct {
		t.Errorf("every gate shares one mask:\n%s", spew.Sdump(masks[0].Data))
	}
}

func TestCRFGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	crf := NewCRF(rng, 3, 4)
	for _, p := range []*Tensor{crf.LeftBoundary, crf.RightBoundary} {
		for i := range p.Data {
			p.Data[i] = rng.Float64() - 0.5
		}
	}
	x := randomInput(rng, []int{2, 4, 3})
	tags := [][]int{{0, 3, 1, 2}, {2, 2, 1, 0}}
	mask := NewTensor([]int{2, 4}, []float64{1, 1, 1, 0, 1, 1, 1, 1}, false)

	numericCheck(t, append(crf.Parameters(), x), func() (*Tensor, error) {
		energies, err := crf.Energies(x)
		if err != nil {
			return nil, err
		}
		return crf.NegativeLogLikelihood(energies, tags, mask)
	})
}

// bruteForceBest enumerates every path of length n over units tags.
func bruteForceBest(crf *CRF, u [][]float64) []int {
	n, units := len(u), crf.Units
	path := make([]int, n)
	best := make([]int, n)
	bestScore := math.Inf(-1)
	var walk func(k int)
	walk = func(k int) {
		if k == n {
			s := crf.LeftBoundary.Data[path[0]] + crf.RightBoundary.Data[path[n-1]]
			for i, y := range path {
				s += u[i][y]
				if i > 0 {
					s += crf.ChainKernel.Data[path[i-1]*units+y]
				}
			}
			if s > bestScore {
				bestScore = s
				copy(best, path)
			}
			return
		}
		for y := 0; y < units; y++ {
			path[k] = y
			walk(k + 1)
		}
	}
	walk(0)
	return best
}

func TestCRFDecodeMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	crf := NewCRF(rng, 3, 3)
	for _, p := range []*Tensor{crf.LeftBoundary, crf.RightBoundary} {
		for i := range p.Data {
			p.Data[i] = rng.Float64() - 0.5
		}
	}

	cases := []struct {
		name  string
		shape []int
		mask  []float64
	}{
		{"unmasked", []int{3, 4, 3}, nil},
		{"masked", []int{2, 5, 3}, []float64{1, 1, 1, 0, 0, 1, 1, 1, 1, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batchSize, seqLength := tc.shape[0], tc.shape[1]
			x := randomInput(rng, tc.shape)
			energies, err := crf.Energies(x)
			if err != nil {
				t.Fatal(err)
			}
			var mask *Tensor
			if tc.mask != nil {
				mask = NewTensor([]int{batchSize, seqLength}, tc.mask, false)
			}
			paths := crf.Decode(energies, mask)
			greedy := energies.Argmax()
			for b := 0; b < batchSize; b++ {
				n := seqLength
				if mask != nil {
					n = 0
					for s := 0; s < seqLength; s++ {
						if mask.Data[b*seqLength+s] != 0 {
							n++
						}
					}
				}
				u := make([][]float64, n)
				for k := range u {
					u[k] = energies.Data[(b*seqLength+k)*3 : (b*seqLength+k+1)*3]
				}
				want := bruteForceBest(crf, u)
				for k := range want {
					if paths[b][k] != want[k] {
						t.Fatalf("sequence %d: Viterbi %v, brute force %v", b, paths[b], want)
					}
				}
				for k := n; k < seqLength; k++ {
					if paths[b][k] != greedy[b*seqLength+k] {
						t.Fatalf("sequence %d padded position %d: got %d, want argmax %d", b, k, paths[b][k], greedy[b*seqLength+k])
					}
				}
			}
		})
	}
}

func TestCrossEntropyIgnoresMaskedPositions(t *testing.T) {
	probs := NewTensor([]int{1, 2, 2}, []float64{0.8, 0.2, 0.01, 0.99}, true)
	mask := NewTensor([]int{1, 2}, []float64{1, 0}, false)
	loss, err := CategoricalCrossEntropy(probs, [][]int{{0, 0}}, mask)
	if err != nil {
		t.Fatal(err)
	}
	if want := -math.Log(0.8); math.Abs(loss.Data[0]-want) > 1e-12 {
		t.Errorf("loss = %g, want %g", loss.Data[0], want)
	}
	if err := loss.Backward(nil); err != nil {
		t.Fatal(err)
	}
	if probs.Grad.Data[2] != 0 || probs.Grad.Data[3] != 0 {
		t.Errorf("masked position received gradient: %v", probs.Grad.Data)
	}
	if math.Abs(probs.Grad.Data[0]+1/0.8) > 1e-12 {
		t.Errorf("gradient = %g, want %g", probs.Grad.Data[0], -1/0.8)
	}
}

func TestAdamReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	dense := NewDense(rng, 3, 2, ActivationSoftmax)
	x := randomInput(rng, []int{4, 1, 3})
	targets := [][]int{{0}, {1}, {0}, {1}}
	opt := NewOptimizer(dense.Parameters(), 0.05, 0)

	lossAt := func() float64 {
		probs, err := dense.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		loss, err := CategoricalCrossEntropy(probs, targets, nil)
		if err != nil {
			t.Fatal(err)
		}
		return loss.Data[0]
	}
	before := lossAt()
	for i := 0; i < 50; i++ {
		opt.ZeroGrad()
		probs, _ := dense.Forward(x)
		loss, _ := CategoricalCrossEntropy(probs, targets, nil)
		if err := loss.Backward(nil); err != nil {
			t.Fatal(err)
		}
		opt.Step()
	}
	if after := lossAt(); after >= before {
		t.Errorf("loss did not decrease: %g -> %g", before, after)
	}
}

func TestEmbeddingMask(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	emb := NewEmbedding(rng, 5, 2, true)
	out, mask, err := emb.Forward([][]int{{3, 1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if out.Shape[2] != 2 || mask.Data[0] != 1 || mask.Data[1] != 1 || mask.Data[2] != 0 {
		t.Errorf("unexpected output %v or mask %v", out.Shape, mask.Data)
	}
	if _, _, err := emb.Forward([][]int{{7}}); err == nil {
		t.Error("expected an error for an out-of-range token id")
	}
}
