package config

import (
	"fmt"
)

// RopeScaling selects a registered rotary scaling scheme. Type mirrors the
// upstream checkpoint field: "rope_type" takes precedence over "type" when
// both are present in a loaded config.
type RopeScaling struct {
	RopeType string
	Type     string
	Factor   float64
}

// Name resolves the effective scaling type, defaulting to "default".
func (r *RopeScaling) Name() string {
	if r == nil {
		return "default"
	}
	if r.RopeType != "" {
		return r.RopeType
	}
	if r.Type != "" {
		return r.Type
	}
	return "default"
}

// Config holds the draft model construction parameters.
type Config struct {
	HiddenSize            int
	NumAttentionHeads     int
	NumKeyValueHeads      int
	HeadDim               int // 0 = HiddenSize / NumAttentionHeads
	MaxPositionEmbeddings int
	RMSNormEps            float32
	RopeTheta             float64
	RopeScaling           *RopeScaling

	VocabSize      int
	DraftVocabSize int
	PadTokenID     int

	// TargetHiddenSize controls the fusion projection input width:
	// 3x target size when set, else 3x HiddenSize.
	TargetHiddenSize int

	HiddenAct        string // "" = silu
	IntermediateSize int    // 0 = 4x HiddenSize
}

// ResolvedHeadDim returns HeadDim or its derived default.
func (c *Config) ResolvedHeadDim() int {
	if c.HeadDim > 0 {
		return c.HeadDim
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// FusionWidth is the input width of the hidden-state fusion projection.
func (c *Config) FusionWidth() int {
	if c.TargetHiddenSize > 0 {
		return 3 * c.TargetHiddenSize
	}
	return 3 * c.HiddenSize
}

// ResolvedIntermediateSize returns IntermediateSize or its derived default.
func (c *Config) ResolvedIntermediateSize() int {
	if c.IntermediateSize > 0 {
		return c.IntermediateSize
	}
	return 4 * c.HiddenSize
}

// Activation returns the configured activation name, defaulted.
func (c *Config) Activation() string {
	if c.HiddenAct == "" {
		return "silu"
	}
	return c.HiddenAct
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.NumAttentionHeads)
	}
	if c.NumKeyValueHeads <= 0 {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be positive)", c.NumKeyValueHeads)
	}
	if c.NumKeyValueHeads > c.NumAttentionHeads {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be <= num_attention_heads: %d)",
			c.NumKeyValueHeads, c.NumAttentionHeads)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("num_attention_heads (%d) not divisible by num_key_value_heads (%d)",
			c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HeadDim < 0 {
		return fmt.Errorf("invalid head_dim: %d (must be non-negative)", c.HeadDim)
	}
	if c.HeadDim == 0 && c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("hidden_size (%d) not divisible by num_attention_heads (%d) and no head_dim given",
			c.HiddenSize, c.NumAttentionHeads)
	}
	if c.ResolvedHeadDim()%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even for rotary encoding)", c.ResolvedHeadDim())
	}
	if c.MaxPositionEmbeddings <= 0 {
		return fmt.Errorf("invalid max_position_embeddings: %d (must be positive)", c.MaxPositionEmbeddings)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %e (must be positive)", c.RMSNormEps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.DraftVocabSize <= 0 || c.DraftVocabSize > c.VocabSize {
		return fmt.Errorf("invalid draft_vocab_size: %d (must be in 1..vocab_size %d)", c.DraftVocabSize, c.VocabSize)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("invalid pad_token_id: %d (must be in 0..vocab_size %d)", c.PadTokenID, c.VocabSize)
	}
	if c.IntermediateSize < 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be non-negative)", c.IntermediateSize)
	}
	if c.TargetHiddenSize < 0 {
		return fmt.Errorf("invalid target_hidden_size: %d (must be non-negative)", c.TargetHiddenSize)
	}
	if s := c.RopeScaling; s != nil {
		if s.Name() == "linear" && s.Factor <= 0 {
			return fmt.Errorf("invalid rope_scaling factor: %f (must be positive)", s.Factor)
		}
	}
	return nil
}

func Default() Config {
	return Config{
		HiddenSize:            256,
		NumAttentionHeads:     8,
		NumKeyValueHeads:      2,
		MaxPositionEmbeddings: 2048,
		RMSNormEps:            1e-6,
		RopeTheta:             10000.0,
		VocabSize:             4096,
		DraftVocabSize:        1024,
		PadTokenID:            0,
	}
}
