package norm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// Reference implementation, straight from the definition.
func refRMSNorm(input, weight []float32, eps float32) []float32 {
	dim := len(weight)
	output := make([]float32, len(input))

	for i := 0; i < len(input)/dim; i++ {
		sumSquares := float64(0.0)
		for j := 0; j < dim; j++ {
			val := float64(input[i*dim+j])
			sumSquares += val * val
		}
		rms := math.Sqrt(sumSquares/float64(dim) + float64(eps))

		for j := 0; j < dim; j++ {
			output[i*dim+j] = float32(float64(input[i*dim+j])/rms) * weight[j]
		}
	}
	return output
}

func TestNormalizeMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	dim := 64
	rows := 6

	n := New(dim, 1e-6)
	for i := range n.Weight {
		n.Weight[i] = rng.Float32()*2 - 1
	}

	x := tensor.New(rows, dim)
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()*4 - 2
	}

	got := n.Normalize(x)
	want := refRMSNorm(x.Data(), n.Weight, 1e-6)

	for i, v := range got.Data() {
		if math.Abs(float64(v-want[i])) > 1e-5 {
			t.Fatalf("mismatch at %d: got %f, want %f", i, v, want[i])
		}
	}
}

func TestNormalizeUnitWeight(t *testing.T) {
	// With unit weights the output row has RMS ~= 1.
	dim := 32
	n := New(dim, 1e-6)

	x := tensor.New(1, dim)
	for i := range x.Data() {
		x.Data()[i] = float32(i + 1)
	}

	out := n.Normalize(x)
	var sumSq float64
	for _, v := range out.Data() {
		sumSq += float64(v) * float64(v)
	}
	rms := math.Sqrt(sumSq / float64(dim))
	if math.Abs(rms-1.0) > 1e-4 {
		t.Fatalf("output RMS = %f, want ~1.0", rms)
	}
}

func TestNormalizePerHead(t *testing.T) {
	// Rank-4 [batch, heads, seq, headDim] input normalizes each head vector
	// independently.
	headDim := 16
	n := New(headDim, 1e-6)

	x := tensor.New(2, 4, 3, headDim)
	rng := rand.New(rand.NewSource(2))
	for i := range x.Data() {
		x.Data()[i] = rng.Float32()
	}

	out := n.Normalize(x)
	if !tensor.SameShape(x, out) {
		t.Fatalf("shape changed: %v -> %v", x.Shape(), out.Shape())
	}

	// Spot-check one head vector against a standalone computation.
	row := make([]float32, headDim)
	for d := 0; d < headDim; d++ {
		row[d] = x.At(1, 2, 0, d)
	}
	want := refRMSNorm(row, n.Weight, 1e-6)
	for d := 0; d < headDim; d++ {
		if math.Abs(float64(out.At(1, 2, 0, d)-want[d])) > 1e-5 {
			t.Fatalf("head vector mismatch at %d", d)
		}
	}
}

func TestNormalizeWidthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on width mismatch")
		}
	}()
	n := New(8, 1e-6)
	n.Normalize(tensor.New(2, 4))
}
