package attention

import (
	"fmt"

	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// CausalMask builds the additive causal-plus-padding mask from a per-token
// validity grid. valid[b][j] reports whether token j of batch b is real
// input; padding is assumed to be a suffix, so Lengths[b] is the count of
// valid tokens. A nil grid yields an unpadded causal mask.
func CausalMask(valid [][]bool, batch, seq int) (*Mask, error) {
	if valid != nil {
		if len(valid) != batch {
			return nil, fmt.Errorf("attention: mask batch %d, want %d", len(valid), batch)
		}
		for b, row := range valid {
			if len(row) != seq {
				return nil, fmt.Errorf("attention: mask row %d length %d, want %d", b, len(row), seq)
			}
		}
	}

	additive := tensor.New(batch, seq, seq)
	lengths := make([]int, batch)
	for b := 0; b < batch; b++ {
		n := seq
		if valid != nil {
			n = 0
			for _, ok := range valid[b] {
				if ok {
					n++
				}
			}
		}
		lengths[b] = n
		for i := 0; i < seq; i++ {
			for j := 0; j < seq; j++ {
				if j > i || j >= n {
					additive.Set(maskValue, b, i, j)
				}
			}
		}
	}
	return &Mask{Additive: additive, Lengths: lengths}, nil
}
