package attention

import (
	"math"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// PagedCache is the paged key/value store the block-sparse backend appends
// to. Entries are stored with unexpanded key/value heads; grouped-query
// replication is resolved inside the attention kernel instead.
type PagedCache interface {
	// SeqLength reports the number of cached positions for this layer.
	SeqLength(layer int) int
	// Update appends this step's key/value and returns the full gathered
	// history including the new entries, shape [batch, kvHeads, total, headDim].
	Update(k, v *tensor.Tensor, layer int) (fullK, fullV *tensor.Tensor, err error)
}

// blockSize is the kv-axis granularity of the sparse skip pass. Query spans
// at or below this length take the direct path; longer spans walk the kv
// axis block by block so fully invisible blocks are skipped outright. Both
// paths compute identical results.
const blockSize = 128

// BlockSparse is the block-sparse attention backend. Instead of a per-step
// rollout cache it appends to a paged cache and rebuilds the visibility
// pattern from position arithmetic: cached position j belongs to step
// j/qLen at offset j%qLen, step 0 is visible causally, and every later step
// exposes only the entry at the query's own offset.
type BlockSparse struct {
	Proj  *Projection
	Cache PagedCache
	Layer int
}

// NewBlockSparse builds the backend with fresh projection weights bound to
// one paged-cache layer.
func NewBlockSparse(cfg *config.Config, cache PagedCache, layer int) (*BlockSparse, error) {
	proj, err := NewProjection(cfg)
	if err != nil {
		return nil, err
	}
	return &BlockSparse{Proj: proj, Cache: cache, Layer: layer}, nil
}

// Forward ignores the rollout cache argument; history lives in the paged
// cache across calls.
func (a *BlockSparse) Forward(fused *tensor.Tensor, _ *RolloutCache, mask *Mask, positions []int) (*tensor.Tensor, error) {
	q, k, v, err := a.Proj.project(fused)
	if err != nil {
		return nil, err
	}
	batch := fused.Dim(0)
	qLen := fused.Dim(1)

	past := a.Cache.SeqLength(a.Layer)
	stepOffset := 0
	if qLen > 0 {
		stepOffset = past / qLen
	}
	cos, sin := a.Proj.Rope.Tables(positions, stepOffset, batch)
	ropeApply(q, k, cos, sin)

	fullK, fullV, err := a.Cache.Update(k, v, a.Layer)
	if err != nil {
		return nil, err
	}

	var lengths []int
	if mask != nil {
		lengths = mask.Lengths
	}
	ctx := a.attend(q, fullK, fullV, lengths, qLen)
	return a.Proj.output(ctx), nil
}

// visible reports whether query offset i may attend to cached position j.
func visible(i, j, qLen, validLen int) bool {
	step := j / qLen
	pos := j % qLen
	if pos >= validLen {
		return false
	}
	if step == 0 {
		return pos <= i
	}
	return pos == i
}

// attend runs online-softmax attention in float64 with grouped-query heads
// resolved in the kernel: query head h reads key/value head h/nRep.
func (a *BlockSparse) attend(q, fullK, fullV *tensor.Tensor, lengths []int, qLen int) *tensor.Tensor {
	batch, heads, _, headDim := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	kvHeads := fullK.Dim(1)
	kvLen := fullK.Dim(2)
	scale := 1.0 / math.Sqrt(float64(headDim))
	direct := qLen <= blockSize

	out := tensor.New(batch, heads, qLen, headDim)
	qd, kd, vd, od := q.Data(), fullK.Data(), fullV.Data(), out.Data()

	acc := make([]float64, headDim)
	for b := 0; b < batch; b++ {
		validLen := qLen
		if lengths != nil {
			validLen = lengths[b]
		}
		for h := 0; h < heads; h++ {
			qOff := (b*heads + h) * qLen * headDim
			kvOff := (b*kvHeads + h/a.Proj.NRep) * kvLen * headDim
			for i := 0; i < qLen; i++ {
				qRow := qd[qOff+i*headDim : qOff+(i+1)*headDim]

				// Online softmax: track the running max, the rescaled
				// exponential sum, and the rescaled value accumulator.
				m := math.Inf(-1)
				var sum float64
				for d := range acc {
					acc[d] = 0
				}

				take := func(j int) {
					kRow := kd[kvOff+j*headDim : kvOff+(j+1)*headDim]
					var dot float32
					for d := 0; d < headDim; d++ {
						dot += qRow[d] * kRow[d]
					}
					s := float64(dot) * scale
					if s > m {
						r := math.Exp(m - s)
						sum *= r
						for d := range acc {
							acc[d] *= r
						}
						m = s
					}
					w := math.Exp(s - m)
					sum += w
					vRow := vd[kvOff+j*headDim : kvOff+(j+1)*headDim]
					for d := 0; d < headDim; d++ {
						acc[d] += w * float64(vRow[d])
					}
				}

				if direct {
					for j := 0; j < kvLen; j++ {
						if visible(i, j, qLen, validLen) {
							take(j)
						}
					}
				} else {
					for blk := 0; blk < kvLen; blk += blockSize {
						end := blk + blockSize
						if end > kvLen {
							end = kvLen
						}
						if !blockVisible(i, blk, end, qLen, validLen) {
							continue
						}
						for j := blk; j < end; j++ {
							if visible(i, j, qLen, validLen) {
								take(j)
							}
						}
					}
				}

				outRow := od[qOff+i*headDim : qOff+(i+1)*headDim]
				if sum > 0 {
					for d := 0; d < headDim; d++ {
						outRow[d] = float32(acc[d] / sum)
					}
				}
			}
		}
	}
	return out
}

// blockVisible reports whether any position in [blk, end) is visible to
// query offset i, letting the sparse path skip whole blocks.
func blockVisible(i, blk, end, qLen, validLen int) bool {
	for j := blk; j < end; j++ {
		if visible(i, j, qLen, validLen) {
			return true
		}
	}
	return false
}
