package attention

import (
	"fmt"

	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// RolloutCache accumulates per-step key/value history for one speculative
// rollout. Entries are appended in strictly increasing step order; the cache
// is owned by the caller across the rollout and must be constructed fresh at
// the start of each new rollout. Entries hold grouped-query-expanded
// key/value tensors of shape [batch, heads, seq, headDim].
type RolloutCache struct {
	Keys   []*tensor.Tensor
	Values []*tensor.Tensor
}

// NewRolloutCache returns an empty cache for a new rollout.
func NewRolloutCache() *RolloutCache {
	return &RolloutCache{}
}

// Len returns the number of decoding steps seen so far.
func (c *RolloutCache) Len() int {
	return len(c.Keys)
}

// Append records one step's key/value tensors, mutating the cache in place.
// Every step must share step 0's shape; variable-length steps are
// unsupported and rejected immediately.
func (c *RolloutCache) Append(k, v *tensor.Tensor) error {
	if !tensor.SameShape(k, v) {
		return fmt.Errorf("rollout cache: key shape %v does not match value shape %v", k.Shape(), v.Shape())
	}
	if len(c.Keys) > 0 && !tensor.SameShape(c.Keys[0], k) {
		return fmt.Errorf("rollout cache: step shape %v does not match step 0 shape %v",
			k.Shape(), c.Keys[0].Shape())
	}
	c.Keys = append(c.Keys, k)
	c.Values = append(c.Values, v)
	return nil
}
