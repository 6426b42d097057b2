// Package norm implements root-mean-square normalization.
//
// The same primitive serves three roles in the draft model: the decoder
// layer's hidden/input/post-attention norms (hidden-width weights), the
// per-head query/key norms applied before rotary rotation (head-dim-width
// weights), and the final output norm before the logits head.
package norm

import (
	"fmt"
	"math"

	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// RMSNorm normalizes the trailing dimension of its input:
// out = weight * x * rsqrt(mean(x^2) + eps).
// The mean-square accumulates in float64 and the result is cast back to
// float32, matching the elevated-precision convention of the kernels.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

// New returns an RMSNorm over dim features with weights initialized to one.
func New(dim int, eps float32) *RMSNorm {
	w := make([]float32, dim)
	for i := range w {
		w[i] = 1.0
	}
	return &RMSNorm{Weight: w, Eps: eps}
}

// Normalize applies the norm over the trailing axis, returning a new tensor.
func (n *RMSNorm) Normalize(x *tensor.Tensor) *tensor.Tensor {
	dim := len(n.Weight)
	last := x.Dim(x.Rank() - 1)
	if last != dim {
		panic(fmt.Sprintf("norm: trailing dimension %d does not match weight width %d", last, dim))
	}

	out := tensor.New(x.Shape()...)
	src := x.Data()
	dst := out.Data()
	rows := x.NumElements() / dim

	for r := 0; r < rows; r++ {
		row := src[r*dim : (r+1)*dim]

		var sumSquares float64
		for _, v := range row {
			sumSquares += float64(v) * float64(v)
		}
		inv := 1.0 / math.Sqrt(sumSquares/float64(dim)+float64(n.Eps))

		outRow := dst[r*dim : (r+1)*dim]
		for j, v := range row {
			outRow[j] = n.Weight[j] * float32(float64(v)*inv)
		}
	}
	return out
}
