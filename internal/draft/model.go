// Package draft implements the Eagle3-style speculative draft model: token
// embedding, target hidden-state fusion, a single decoder layer, final norm,
// and a reduced-vocabulary language model head with draft/target vocabulary
// mappings.
package draft

import (
	"fmt"
	"time"

	"github.com/AndreHathora/SpecForge/internal/attention"
	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/decoder"
	"github.com/AndreHathora/SpecForge/internal/logger"
	"github.com/AndreHathora/SpecForge/internal/metrics"
	"github.com/AndreHathora/SpecForge/internal/norm"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

// Model is the draft model. The lm_head covers only the draft vocabulary;
// T2D marks which target ids the draft can emit and D2T maps draft row
// indices back to target ids by offset.
type Model struct {
	EmbedTokens *tensor.Tensor // [vocab, hidden]
	FC          *tensor.Tensor // [hidden, fusionWidth]
	Midlayer    *decoder.Layer
	Norm        *norm.RMSNorm
	LMHead      *tensor.Tensor // [draftVocab, hidden]

	T2D []bool  // [vocab]
	D2T []int64 // [draftVocab]

	cfg config.Config
}

// NewModel builds the model with zeroed weights for the named attention
// backend. paged may be nil for the sdpa backend.
func NewModel(cfg *config.Config, backend string, paged attention.PagedCache) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mid, err := decoder.New(cfg, backend, paged)
	if err != nil {
		return nil, err
	}
	return &Model{
		EmbedTokens: tensor.New(cfg.VocabSize, cfg.HiddenSize),
		FC:          tensor.New(cfg.HiddenSize, cfg.FusionWidth()),
		Midlayer:    mid,
		Norm:        norm.New(cfg.HiddenSize, cfg.RMSNormEps),
		LMHead:      tensor.New(cfg.DraftVocabSize, cfg.HiddenSize),
		T2D:         make([]bool, cfg.VocabSize),
		D2T:         make([]int64, cfg.DraftVocabSize),
		cfg:         *cfg,
	}, nil
}

// Config returns the construction parameters.
func (m *Model) Config() config.Config { return m.cfg }

// ZeroPadEmbedding clears the padding token's embedding row. Call after
// loading or randomizing weights so padded positions embed to zero.
func (m *Model) ZeroPadEmbedding() {
	row := m.EmbedTokens.Data()[m.cfg.PadTokenID*m.cfg.HiddenSize : (m.cfg.PadTokenID+1)*m.cfg.HiddenSize]
	for i := range row {
		row[i] = 0
	}
}

// EmbedInputIDs looks up token embeddings, producing [batch, seq, hidden].
func (m *Model) EmbedInputIDs(ids [][]int) (*tensor.Tensor, error) {
	batch := len(ids)
	if batch == 0 {
		return nil, fmt.Errorf("draft: empty input id batch")
	}
	seq := len(ids[0])
	hidden := m.cfg.HiddenSize

	out := tensor.New(batch, seq, hidden)
	od := out.Data()
	ed := m.EmbedTokens.Data()
	for b, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("draft: ragged input ids, row %d has %d tokens, want %d", b, len(row), seq)
		}
		for s, id := range row {
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, fmt.Errorf("draft: token id %d out of vocabulary [0,%d)", id, m.cfg.VocabSize)
			}
			copy(od[(b*seq+s)*hidden:(b*seq+s+1)*hidden], ed[id*hidden:(id+1)*hidden])
		}
	}
	return out, nil
}

// ProjectHiddenStates fuses the concatenated target hidden states down to
// the draft width. Input is [batch, seq, fusionWidth].
func (m *Model) ProjectHiddenStates(h *tensor.Tensor) (*tensor.Tensor, error) {
	if h.Rank() != 3 || h.Dim(2) != m.cfg.FusionWidth() {
		return nil, fmt.Errorf("draft: fusion input shape %v, want [batch seq %d]", h.Shape(), m.cfg.FusionWidth())
	}
	return tensor.Linear(h, m.FC), nil
}

// Forward runs one decoder pass. hidden is the concatenated target hidden
// state [batch, seq, fusionWidth]; the fusion projection is applied here.
// inputEmbeds is [batch, seq, hidden]; valid marks real tokens per position
// (nil = all valid). tttLength 1 disables the rollout cache; longer
// rollouts get a fresh cache whose later steps are driven through Backbone.
func (m *Model) Forward(hidden, inputEmbeds *tensor.Tensor, valid [][]bool, tttLength int) (*tensor.Tensor, *attention.RolloutCache, error) {
	if tttLength < 1 {
		return nil, nil, fmt.Errorf("draft: ttt length %d, must be at least 1", tttLength)
	}
	start := time.Now()

	batch, seq := hidden.Dim(0), hidden.Dim(1)
	mask, err := attention.CausalMask(valid, batch, seq)
	if err != nil {
		return nil, nil, err
	}

	var cache *attention.RolloutCache
	if tttLength > 1 {
		cache = attention.NewRolloutCache()
	} else {
		logger.Log.Debug("rollout cache disabled", "ttt_length", tttLength)
	}

	positions := make([]int, seq)
	for i := range positions {
		positions[i] = i
	}

	fused, err := m.ProjectHiddenStates(hidden)
	if err != nil {
		return nil, nil, err
	}

	out, err := m.Midlayer.Forward(fused, inputEmbeds, cache, mask, positions)
	if err != nil {
		return nil, nil, err
	}
	out = m.Norm.Normalize(out)

	if info := tensor.DetectNaN(out.Data()); info.NaNCount > 0 || info.InfCount > 0 {
		metrics.RecordNumericalInstability("forward_output", info.NaNCount, info.InfCount)
		logger.Log.Warn("non-finite values in forward output", "nan", info.NaNCount, "inf", info.InfCount)
	}
	metrics.RecordForward(batch*seq, tttLength, time.Since(start))
	return out, cache, nil
}

// Backbone runs a later rollout step against an existing cache, without the
// final norm. positions restart at zero each step; the attention backends
// derive the rotary offset from cache depth.
func (m *Model) Backbone(hidden, inputEmbeds *tensor.Tensor, cache *attention.RolloutCache, valid [][]bool) (*tensor.Tensor, error) {
	batch, seq := hidden.Dim(0), hidden.Dim(1)
	mask, err := attention.CausalMask(valid, batch, seq)
	if err != nil {
		return nil, err
	}
	positions := make([]int, seq)
	for i := range positions {
		positions[i] = i
	}
	return m.Midlayer.Forward(hidden, inputEmbeds, cache, mask, positions)
}

// ComputeLogits normalizes the hidden state and applies the reduced lm_head,
// producing [batch, seq, draftVocab].
func (m *Model) ComputeLogits(hidden *tensor.Tensor) *tensor.Tensor {
	return tensor.Linear(m.Norm.Normalize(hidden), m.LMHead)
}

// InDraftVocab reports whether a target token id is representable in the
// draft vocabulary.
func (m *Model) InDraftVocab(targetID int) bool {
	if targetID < 0 || targetID >= len(m.T2D) {
		return false
	}
	return m.T2D[targetID]
}

// DraftToTarget maps a draft vocabulary index to its target token id.
func (m *Model) DraftToTarget(draftID int) (int64, error) {
	if draftID < 0 || draftID >= len(m.D2T) {
		return 0, fmt.Errorf("draft: draft id %d out of vocabulary [0,%d)", draftID, len(m.D2T))
	}
	return int64(draftID) + m.D2T[draftID], nil
}
