package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense row-major float32 array with explicit shape and strides.
// All model buffers (weights, activations, rotary tables, cached key/value
// slices) are Tensors; ownership follows Go value semantics — whoever holds
// the pointer may mutate the data.
type Tensor struct {
	data    []float32
	shape   []int
	strides []int
}

// New allocates a zero-filled tensor of the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d in shape %v", d, shape))
		}
		n *= d
	}
	return &Tensor{
		data:    make([]float32, n),
		shape:   append([]int(nil), shape...),
		strides: computeStrides(shape),
	}
}

// FromSlice wraps data in a tensor of the given shape. The slice is not
// copied; len(data) must equal the shape's element count.
func FromSlice(data []float32, shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	if len(data) != n {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		data:    data,
		shape:   append([]int(nil), shape...),
		strides: computeStrides(shape),
	}
}

func computeStrides(shape []int) []int {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func (t *Tensor) Shape() []int   { return t.shape }
func (t *Tensor) Strides() []int { return t.strides }
func (t *Tensor) Data() []float32 {
	return t.data
}

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.shape) }

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.shape {
		n *= d
	}
	return n
}

// Idx computes the flat offset for a full multi-index.
func (t *Tensor) Idx(ix ...int) int {
	off := 0
	for i, v := range ix {
		off += v * t.strides[i]
	}
	return off
}

func (t *Tensor) At(ix ...int) float32     { return t.data[t.Idx(ix...)] }
func (t *Tensor) Set(v float32, ix ...int) { t.data[t.Idx(ix...)] = v }

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	out := New(t.shape...)
	copy(out.data, t.data)
	return out
}

// SameShape reports whether two tensors have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// Linear applies y = x W^T where w is [out, in] row-major and x has trailing
// dimension in. All leading dimensions of x are treated as rows. The weight
// layout matches the checkpoint convention: one output neuron per row.
func Linear(x, w *Tensor) *Tensor {
	in := x.shape[len(x.shape)-1]
	if w.Rank() != 2 || w.shape[1] != in {
		panic(fmt.Sprintf("tensor: linear shape mismatch x=%v w=%v", x.shape, w.shape))
	}
	out := w.shape[0]
	rows := x.NumElements() / in

	outShape := append(append([]int(nil), x.shape[:len(x.shape)-1]...), out)
	y := New(outShape...)

	for r := 0; r < rows; r++ {
		xRow := x.data[r*in : (r+1)*in]
		yRow := y.data[r*out : (r+1)*out]
		for j := 0; j < out; j++ {
			wRow := w.data[j*in : (j+1)*in]
			var sum float32
			for l := 0; l < in; l++ {
				sum += xRow[l] * wRow[l]
			}
			yRow[j] = sum
		}
	}
	return y
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.shape, b.shape))
	}
	out := New(a.shape...)
	for i := range a.data {
		out.data[i] = a.data[i] + b.data[i]
	}
	return out
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) {
	if !SameShape(a, b) {
		panic(fmt.Sprintf("tensor: add shape mismatch %v vs %v", a.shape, b.shape))
	}
	for i := range a.data {
		a.data[i] += b.data[i]
	}
}

// ConcatLast concatenates a and b along the trailing axis. Leading shapes
// must match.
func ConcatLast(a, b *Tensor) *Tensor {
	if a.Rank() != b.Rank() {
		panic("tensor: concat rank mismatch")
	}
	for i := 0; i < a.Rank()-1; i++ {
		if a.shape[i] != b.shape[i] {
			panic(fmt.Sprintf("tensor: concat shape mismatch %v vs %v", a.shape, b.shape))
		}
	}
	la := a.shape[a.Rank()-1]
	lb := b.shape[b.Rank()-1]
	rows := a.NumElements() / la

	outShape := append(append([]int(nil), a.shape[:a.Rank()-1]...), la+lb)
	out := New(outShape...)
	for r := 0; r < rows; r++ {
		copy(out.data[r*(la+lb):], a.data[r*la:(r+1)*la])
		copy(out.data[r*(la+lb)+la:], b.data[r*lb:(r+1)*lb])
	}
	return out
}

// Stats used to spot NaN/Inf escape before they poison a rollout.
type NaNInfo struct {
	NaNCount int
	InfCount int
}

func DetectNaN(data []float32) NaNInfo {
	var info NaNInfo
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			info.NaNCount++
		} else if math.IsInf(float64(v), 0) {
			info.InfCount++
		}
	}
	return info
}
