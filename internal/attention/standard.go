package attention

import (
	"fmt"
	"math"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// Standard is the scaled-dot-product attention backend. Without a rollout
// cache it is plain causal attention over the fused input; with one it runs
// the incremental accumulation algorithm used during multi-step speculative
// decoding, appending this step's key/value to the cache as its defining
// side effect.
type Standard struct {
	Proj *Projection
}

// NewStandard builds the backend with fresh projection weights.
func NewStandard(cfg *config.Config) (*Standard, error) {
	proj, err := NewProjection(cfg)
	if err != nil {
		return nil, err
	}
	return &Standard{Proj: proj}, nil
}

func (a *Standard) Forward(fused *tensor.Tensor, cache *RolloutCache, mask *Mask, positions []int) (*tensor.Tensor, error) {
	q, k, v, err := a.Proj.project(fused)
	if err != nil {
		return nil, err
	}
	batch := fused.Dim(0)
	qLen := fused.Dim(1)
	if len(positions) != qLen {
		return nil, fmt.Errorf("attention: %d position ids for query length %d", len(positions), qLen)
	}

	var ctx *tensor.Tensor
	if cache == nil {
		cos, sin := a.Proj.Rope.Tables(positions, 0, batch)
		ropeApply(q, k, cos, sin)

		k = RepeatKV(k, a.Proj.NRep)
		v = RepeatKV(v, a.Proj.NRep)

		ctx = a.scaledDotProduct(q, k, v, mask)
	} else {
		// Later speculative steps advance the rotary phase by the cache
		// depth so each step occupies its own position range.
		offset := cache.Len()
		cos, sin := a.Proj.Rope.Tables(positions, offset, batch)
		ropeApply(q, k, cos, sin)

		k = RepeatKV(k, a.Proj.NRep)
		v = RepeatKV(v, a.Proj.NRep)

		if err := cache.Append(k, v); err != nil {
			return nil, err
		}
		ctx = a.accumulate(q, cache, mask, qLen)
	}

	return a.Proj.output(ctx), nil
}

// scaledDotProduct runs single-shot causal attention with an additive mask.
// A nil mask means implicit causal.
func (a *Standard) scaledDotProduct(q, k, v *tensor.Tensor, mask *Mask) *tensor.Tensor {
	batch, heads, qLen, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kvLen := k.Dim(2)
	scale := 1.0 / math.Sqrt(float64(headDim))

	var additive *tensor.Tensor
	if mask != nil {
		additive = mask.Additive
	}

	out := tensor.New(batch, heads, qLen, headDim)
	qd, kd, vd, od := q.Data(), k.Data(), v.Data(), out.Data()

	scores := make([]float64, kvLen)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			headOff := (b*heads + h) * qLen * headDim
			kvOff := (b*heads + h) * kvLen * headDim
			for i := 0; i < qLen; i++ {
				qRow := qd[headOff+i*headDim : headOff+(i+1)*headDim]
				for j := 0; j < kvLen; j++ {
					kRow := kd[kvOff+j*headDim : kvOff+(j+1)*headDim]
					var dot float32
					for d := 0; d < headDim; d++ {
						dot += qRow[d] * kRow[d]
					}
					s := float64(dot) * scale
					if additive != nil {
						s += float64(additive.At(b, i, j))
					} else if j > i {
						s += float64(maskValue)
					}
					scores[j] = s
				}
				softmaxInPlace(scores)

				outRow := od[headOff+i*headDim : headOff+(i+1)*headDim]
				for j := 0; j < kvLen; j++ {
					w := float32(scores[j])
					if w == 0 {
						continue
					}
					vRow := vd[kvOff+j*headDim : kvOff+(j+1)*headDim]
					for d := 0; d < headDim; d++ {
						outRow[d] += w * vRow[d]
					}
				}
			}
		}
	}
	return out
}

// accumulate computes attention against the full rollout history. Step 0
// contributes a standard masked matmul block; every later step contributes a
// single historical key per query position (elementwise dot), reflecting the
// asymmetric shape of speculative draft attention. All weights pass through
// one joint softmax so normalization spans the whole history.
func (a *Standard) accumulate(q *tensor.Tensor, cache *RolloutCache, mask *Mask, qLen int) *tensor.Tensor {
	batch, heads, _, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	steps := cache.Len()
	scale := 1.0 / math.Sqrt(float64(headDim))

	var additive *tensor.Tensor
	if mask != nil {
		additive = mask.Additive
	}

	k0 := cache.Keys[0]
	v0 := cache.Values[0]

	out := tensor.New(batch, heads, qLen, headDim)
	qd, od := q.Data(), out.Data()

	weights := make([]float64, qLen+steps-1)
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			headOff := (b*heads + h) * qLen * headDim
			for i := 0; i < qLen; i++ {
				qRow := qd[headOff+i*headDim : headOff+(i+1)*headDim]

				k0d := k0.Data()
				for j := 0; j < qLen; j++ {
					kRow := k0d[headOff+j*headDim : headOff+(j+1)*headDim]
					var dot float32
					for d := 0; d < headDim; d++ {
						dot += qRow[d] * kRow[d]
					}
					s := float64(dot) * scale
					if additive != nil {
						s += float64(additive.At(b, i, j))
					} else if j > i {
						s += float64(maskValue)
					}
					weights[j] = s
				}

				// One scalar per later step: the key at this query's own
				// position within that step.
				for st := 1; st < steps; st++ {
					kd := cache.Keys[st].Data()
					kRow := kd[headOff+i*headDim : headOff+(i+1)*headDim]
					var dot float32
					for d := 0; d < headDim; d++ {
						dot += qRow[d] * kRow[d]
					}
					weights[qLen+st-1] = float64(dot) * scale
				}

				softmaxInPlace(weights)

				outRow := od[headOff+i*headDim : headOff+(i+1)*headDim]
				v0d := v0.Data()
				for j := 0; j < qLen; j++ {
					w := float32(weights[j])
					if w == 0 {
						continue
					}
					vRow := v0d[headOff+j*headDim : headOff+(j+1)*headDim]
					for d := 0; d < headDim; d++ {
						outRow[d] += w * vRow[d]
					}
				}
				for st := 1; st < steps; st++ {
					w := float32(weights[qLen+st-1])
					vd := cache.Values[st].Data()
					vRow := vd[headOff+i*headDim : headOff+(i+1)*headDim]
					for d := 0; d < headDim; d++ {
						outRow[d] += w * vRow[d]
					}
				}
			}
		}
	}
	return out
}

// softmaxInPlace normalizes scores in float64.
func softmaxInPlace(scores []float64) {
	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	for i, s := range scores {
		e := math.Exp(s - maxScore)
		scores[i] = e
		sum += e
	}
	for i := range scores {
		scores[i] /= sum
	}
}
