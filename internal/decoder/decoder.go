// Package decoder implements the single transformer layer of the draft
// model: paired input/hidden pre-norms feeding fused attention, then a
// gated MLP, each wrapped in a residual connection.
package decoder

import (
	"fmt"
	"math"

	"github.com/AndreHathora/SpecForge/internal/attention"
	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/metrics"
	"github.com/AndreHathora/SpecForge/internal/norm"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// Backend names accepted by New.
const (
	BackendSDPA = "sdpa"
	BackendFlex = "flex_attention"
)

type activationFn func(float32) float32

var activations = map[string]activationFn{
	"silu": func(x float32) float32 {
		return x / (1 + float32(math.Exp(-float64(x))))
	},
	"gelu": func(x float32) float32 {
		return float32(0.5 * float64(x) * (1 + math.Erf(float64(x)/math.Sqrt2)))
	},
	"relu": func(x float32) float32 {
		if x < 0 {
			return 0
		}
		return x
	},
}

// Layer is the draft model's sole decoder layer. The attention block reads
// the concatenation of the normalized input embedding and the normalized
// hidden state; only the hidden-state path carries the residual.
type Layer struct {
	InputNorm    *norm.RMSNorm
	HiddenNorm   *norm.RMSNorm
	PostAttnNorm *norm.RMSNorm

	Attn attention.Backend

	GateProj *tensor.Tensor // [intermediate, hidden]
	UpProj   *tensor.Tensor // [intermediate, hidden]
	DownProj *tensor.Tensor // [hidden, intermediate]

	hidden int
	act    activationFn
}

// New builds the layer with the named attention backend. "sdpa" selects
// standard attention with the rollout cache; "flex_attention" selects the
// block-sparse backend bound to the given paged cache. Any other name is a
// construction error.
func New(cfg *config.Config, backend string, paged attention.PagedCache) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var attn attention.Backend
	var err error
	switch backend {
	case BackendSDPA:
		attn, err = attention.NewStandard(cfg)
	case BackendFlex:
		if paged == nil {
			return nil, fmt.Errorf("decoder: %s backend requires a paged cache", BackendFlex)
		}
		attn, err = attention.NewBlockSparse(cfg, paged, 0)
	default:
		return nil, fmt.Errorf("decoder: unknown attention backend %q (supported: %s, %s)",
			backend, BackendSDPA, BackendFlex)
	}
	if err != nil {
		return nil, err
	}

	act, ok := activations[cfg.Activation()]
	if !ok {
		return nil, fmt.Errorf("decoder: unknown activation %q", cfg.Activation())
	}

	metrics.RecordBackend(backend)

	inter := cfg.ResolvedIntermediateSize()
	return &Layer{
		InputNorm:    norm.New(cfg.HiddenSize, cfg.RMSNormEps),
		HiddenNorm:   norm.New(cfg.HiddenSize, cfg.RMSNormEps),
		PostAttnNorm: norm.New(cfg.HiddenSize, cfg.RMSNormEps),
		Attn:         attn,
		GateProj:     tensor.New(inter, cfg.HiddenSize),
		UpProj:       tensor.New(inter, cfg.HiddenSize),
		DownProj:     tensor.New(cfg.HiddenSize, inter),
		hidden:       cfg.HiddenSize,
		act:          act,
	}, nil
}

// Forward runs one layer pass. hidden and inputEmb are [batch, seq, hidden];
// the returned tensor has the same shape.
func (l *Layer) Forward(hidden, inputEmb *tensor.Tensor, cache *attention.RolloutCache, mask *attention.Mask, positions []int) (*tensor.Tensor, error) {
	if !tensor.SameShape(hidden, inputEmb) {
		return nil, fmt.Errorf("decoder: hidden shape %v does not match input embedding shape %v",
			hidden.Shape(), inputEmb.Shape())
	}
	if hidden.Rank() != 3 || hidden.Dim(2) != l.hidden {
		return nil, fmt.Errorf("decoder: input shape %v, want [batch seq %d]", hidden.Shape(), l.hidden)
	}

	residual := hidden
	normedHidden := l.HiddenNorm.Normalize(hidden)
	normedEmb := l.InputNorm.Normalize(inputEmb)
	fused := tensor.ConcatLast(normedEmb, normedHidden)

	attnOut, err := l.Attn.Forward(fused, cache, mask, positions)
	if err != nil {
		return nil, err
	}
	hidden = tensor.Add(residual, attnOut)

	residual = hidden
	hidden = l.PostAttnNorm.Normalize(hidden)
	hidden = l.mlp(hidden)
	return tensor.Add(residual, hidden), nil
}

// mlp is the gated feed-forward: down(act(gate(x)) * up(x)).
func (l *Layer) mlp(x *tensor.Tensor) *tensor.Tensor {
	gate := tensor.Linear(x, l.GateProj)
	up := tensor.Linear(x, l.UpProj)

	gd, ud := gate.Data(), up.Data()
	for i := range gd {
		gd[i] = l.act(gd[i]) * ud[i]
	}
	return tensor.Linear(gate, l.DownProj)
}
