package attention

import (
	"fmt"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/norm"
	"github.com/AndreHathora/SpecForge/internal/rope"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// Backend is one of several interchangeable attention algorithms, selected by
// configuration at decoder-layer construction. fused is the concatenation of
// the input embedding and hidden state along the feature axis (2x hidden
// width). cache is the rollout cache for incremental mode (nil disables it);
// mask carries the additive and valid-length forms.
type Backend interface {
	Forward(fused *tensor.Tensor, cache *RolloutCache, mask *Mask, positions []int) (*tensor.Tensor, error)
}

// Mask carries both mask representations used by the backends. Additive is a
// [batch, q, kv] additive mask (0 = attend, large negative = blocked) used by
// the standard backend; Lengths is the per-batch valid token count used by
// the block-sparse backend. A nil Mask (or nil fields) means unpadded causal.
type Mask struct {
	Additive *tensor.Tensor
	Lengths  []int
}

// maskValue blocks a position without producing NaN rows: fully masked
// query rows degrade to uniform weights instead of poisoning the softmax.
const maskValue = float32(-1e9)

// Projection holds the q/k/v/o weights, per-head norms, and the rotary
// encoder shared by every attention backend.
type Projection struct {
	WQ *tensor.Tensor // [numHeads*headDim, 2*hidden]
	WK *tensor.Tensor // [kvHeads*headDim, 2*hidden]
	WV *tensor.Tensor // [kvHeads*headDim, 2*hidden]
	WO *tensor.Tensor // [hidden, numHeads*headDim]

	QNorm *norm.RMSNorm
	KNorm *norm.RMSNorm
	Rope  *rope.Encoder

	Hidden   int
	NumHeads int
	KVHeads  int
	HeadDim  int
	NRep     int
}

// NewProjection builds the shared projection block from config.
func NewProjection(cfg *config.Config) (*Projection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := rope.New(cfg)
	if err != nil {
		return nil, err
	}

	headDim := cfg.ResolvedHeadDim()
	return &Projection{
		WQ:       tensor.New(cfg.NumAttentionHeads*headDim, 2*cfg.HiddenSize),
		WK:       tensor.New(cfg.NumKeyValueHeads*headDim, 2*cfg.HiddenSize),
		WV:       tensor.New(cfg.NumKeyValueHeads*headDim, 2*cfg.HiddenSize),
		WO:       tensor.New(cfg.HiddenSize, cfg.NumAttentionHeads*headDim),
		QNorm:    norm.New(headDim, cfg.RMSNormEps),
		KNorm:    norm.New(headDim, cfg.RMSNormEps),
		Rope:     enc,
		Hidden:   cfg.HiddenSize,
		NumHeads: cfg.NumAttentionHeads,
		KVHeads:  cfg.NumKeyValueHeads,
		HeadDim:  headDim,
		NRep:     cfg.NumAttentionHeads / cfg.NumKeyValueHeads,
	}, nil
}

// project validates the fused input width, runs the q/k/v projections,
// reshapes to [batch, heads, seq, headDim], and applies the per-head norms
// to query and key.
func (p *Projection) project(fused *tensor.Tensor) (q, k, v *tensor.Tensor, err error) {
	if fused.Rank() != 3 {
		return nil, nil, nil, fmt.Errorf("attention: fused input must be rank 3, got shape %v", fused.Shape())
	}
	if fused.Dim(2) != 2*p.Hidden {
		return nil, nil, nil, fmt.Errorf("attention: fused feature width %d, want %d (2x hidden size)",
			fused.Dim(2), 2*p.Hidden)
	}
	batch, seq := fused.Dim(0), fused.Dim(1)

	q = toHeads(tensor.Linear(fused, p.WQ), batch, seq, p.NumHeads, p.HeadDim)
	k = toHeads(tensor.Linear(fused, p.WK), batch, seq, p.KVHeads, p.HeadDim)
	v = toHeads(tensor.Linear(fused, p.WV), batch, seq, p.KVHeads, p.HeadDim)

	q = p.QNorm.Normalize(q)
	k = p.KNorm.Normalize(k)
	return q, k, v, nil
}

// output folds [batch, heads, seq, headDim] back to [batch, seq,
// heads*headDim] and applies the output projection.
func (p *Projection) output(ctx *tensor.Tensor) *tensor.Tensor {
	batch, heads, seq, headDim := ctx.Dim(0), ctx.Dim(1), ctx.Dim(2), ctx.Dim(3)
	flat := tensor.New(batch, seq, heads*headDim)

	src := ctx.Data()
	dst := flat.Data()
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				from := ((b*heads+h)*seq + s) * headDim
				to := ((b*seq+s)*heads + h) * headDim
				copy(dst[to:to+headDim], src[from:from+headDim])
			}
		}
	}
	return tensor.Linear(flat, p.WO)
}

// toHeads reshapes [batch, seq, heads*headDim] to [batch, heads, seq,
// headDim].
func toHeads(x *tensor.Tensor, batch, seq, heads, headDim int) *tensor.Tensor {
	out := tensor.New(batch, heads, seq, headDim)
	src := x.Data()
	dst := out.Data()
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			for h := 0; h < heads; h++ {
				from := ((b*seq+s)*heads + h) * headDim
				to := ((b*heads+h)*seq + s) * headDim
				copy(dst[to:to+headDim], src[from:from+headDim])
			}
		}
	}
	return out
}

// ropeApply rotates query and key with the same tables.
func ropeApply(q, k, cos, sin *tensor.Tensor) {
	rope.Apply(q, cos, sin)
	rope.Apply(k, cos, sin)
}

// RepeatKV replicates each key/value head nRep times so grouped-query
// key/value heads align with the query head count:
// [batch, kvHeads, seq, headDim] -> [batch, kvHeads*nRep, seq, headDim].
// nRep == 1 returns the input unchanged.
func RepeatKV(x *tensor.Tensor, nRep int) *tensor.Tensor {
	if nRep == 1 {
		return x
	}
	batch, kvHeads, seq, headDim := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.New(batch, kvHeads*nRep, seq, headDim)

	src := x.Data()
	dst := out.Data()
	rowLen := seq * headDim
	for b := 0; b < batch; b++ {
		for h := 0; h < kvHeads; h++ {
			from := (b*kvHeads + h) * rowLen
			for r := 0; r < nRep; r++ {
				to := ((b*kvHeads*nRep + h*nRep + r)) * rowLen
				copy(dst[to:to+rowLen], src[from:from+rowLen])
			}
		}
	}
	return out
}
