package tensor_test

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"testing"

	"github.com/davecgh/go-spew/spew"

	. "github.com/golangast/seqtagger/neural/tensor"
)

func randomTensor(rng *rand.Rand, shape []int) *Tensor {
	t := NewTensor(shape, nil, true)
	for i := range t.Data {
		t.Data[i] = rng.Float64()*2 - 1
	}
	return t
}

// weightedSum reduces out to a scalar with fixed weights so every output
// element gets a distinct upstream gradient.
func weightedSum(out *Tensor) float64 {
	s := 0.0
	for i, v := range out.Data {
		s += v * float64(i%7+1) / 7
	}
	return s
}

func seed(out *Tensor) *Tensor {
	g := NewTensor(out.Shape, nil, false)
	for i := range g.Data {
		g.Data[i] = float64(i%7+1) / 7
	}
	return g
}

// checkGradient compares analytic gradients of f with central differences.
func checkGradient(t *testing.T, name string, inputs []*Tensor, f func() (*Tensor, error)) {
	t.Helper()
	for _, in := range inputs {
		in.Grad = nil
	}
	out, err := f()
	if err != nil {
		t.Fatalf("%s: forward failed: %v", name, err)
	}
	if err := out.Backward(seed(out)); err != nil {
		t.Fatalf("%s: backward failed: %v", name, err)
	}

	const h = 1e-6
	for n, in := range inputs {
		if in.Grad == nil {
			t.Fatalf("%s: input %d has no gradient", name, n)
		}
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + h
			plus, _ := f()
			in.Data[i] = orig - h
			minus, _ := f()
			in.Data[i] = orig
			numeric := (weightedSum(plus) - weightedSum(minus)) / (2 * h)
			if math.Abs(numeric-in.Grad.Data[i]) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("%s: input %d element %d: analytic %g, numeric %g\n%s", name, n, i, in.Grad.Data[i], numeric, spew.Sdump(in.Shape))
			}
		}
	}
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	a := randomTensor(rng, []int{3, 4})
	b := randomTensor(rng, []int{3, 4})
	w := randomTensor(rng, []int{4, 2})
	bias := randomTensor(rng, []int{4})
	x3 := randomTensor(rng, []int{2, 3, 4})
	y3 := randomTensor(rng, []int{2, 4, 3})

	cases := []struct {
		name   string
		inputs []*Tensor
		f      func() (*Tensor, error)
	}{
		{"add", []*Tensor{a, b}, func() (*Tensor, error) { return a.Add(b) }},
		{"mul", []*Tensor{a, b}, func() (*Tensor, error) { return a.Mul(b) }},
		{"broadcast", []*Tensor{a, bias}, func() (*Tensor, error) { return a.AddWithBroadcast(bias) }},
		{"matmul", []*Tensor{a, w}, func() (*Tensor, error) { return a.MatMul(w) }},
		{"batch matmul", []*Tensor{x3, y3}, func() (*Tensor, error) { return x3.BatchMatMul(y3) }},
		{"tanh", []*Tensor{a}, func() (*Tensor, error) { return a.Tanh(), nil }},
		{"sigmoid", []*Tensor{a}, func() (*Tensor, error) { return a.Sigmoid(), nil }},
		{"scale", []*Tensor{a}, func() (*Tensor, error) { return a.MulScalar(-2.5), nil }},
		{"softmax last", []*Tensor{x3}, func() (*Tensor, error) { return x3.Softmax(-1) }},
		{"softmax middle", []*Tensor{x3}, func() (*Tensor, error) { return x3.Softmax(1) }},
		{"transpose", []*Tensor{x3}, func() (*Tensor, error) { return x3.Transpose(1, 2) }},
		{"slice", []*Tensor{x3}, func() (*Tensor, error) { return x3.Slice(2, 1, 3) }},
		{"concat", []*Tensor{x3, a}, func() (*Tensor, error) {
			r, err := a.Reshape([]int{1, 3, 4})
			if err != nil {
				return nil, err
			}
			return Concat([]*Tensor{x3, r}, 0)
		}},
		{"shared input", []*Tensor{a}, func() (*Tensor, error) {
			sq, err := a.Mul(a)
			if err != nil {
				return nil, err
			}
			return sq.Add(a.Tanh())
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkGradient(t, tc.name, tc.inputs, tc.f)
		})
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := randomTensor(rand.New(rand.NewSource(2)), []int{2, 5, 3})
	out, err := x.Softmax(1)
	if err != nil {
		t.Fatal(err)
	}
	for b := 0; b < 2; b++ {
		for j := 0; j < 3; j++ {
			s := 0.0
			for i := 0; i < 5; i++ {
				s += out.Data[(b*5+i)*3+j]
			}
			if math.Abs(s-1) > 1e-9 {
				t.Errorf("column (%d, %d) sums to %g", b, j, s)
			}
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	a := NewTensor([]int{2, 3}, nil, false)
	b := NewTensor([]int{3, 2}, nil, false)
	if _, err := a.Add(b); err == nil {
		t.Error("expected an error adding [2 3] to [3 2]")
	}
	if _, err := a.MatMul(a); err == nil {
		t.Error("expected an error multiplying [2 3] by [2 3]")
	}
	if _, err := a.Reshape([]int{4}); err == nil {
		t.Error("expected an error reshaping 6 values to [4]")
	}
}

func TestArgmax(t *testing.T) {
	x := NewTensor([]int{2, 3}, []float64{0.1, 0.7, 0.2, 0.5, 0.2, 0.3}, false)
	got := x.Argmax()
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("Argmax = %v, want [1 0]", got)
	}
}

func TestGobRoundTrip(t *testing.T) {
	x := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4}, true)
	x.Grad = NewTensor([]int{2, 2}, []float64{9, 9, 9, 9}, false)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(x); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var y Tensor
	if err := gob.NewDecoder(&buf).Decode(&y); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !y.RequiresGrad || y.Grad != nil || len(y.Data) != 4 || y.Data[3] != 4 {
		t.Errorf("decoded tensor differs: %s", spew.Sdump(y))
	}
}
