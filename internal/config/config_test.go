package config

import (
	"strings"
	"testing"
)

func TestValidateDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero hidden", func(c *Config) { c.HiddenSize = 0 }, "hidden_size"},
		{"zero heads", func(c *Config) { c.NumAttentionHeads = 0 }, "num_attention_heads"},
		{"kv heads exceed heads", func(c *Config) { c.NumKeyValueHeads = 16 }, "num_key_value_heads"},
		{"heads not divisible", func(c *Config) { c.NumKeyValueHeads = 3 }, "not divisible"},
		{"odd head dim", func(c *Config) { c.HeadDim = 33 }, "even"},
		{"zero eps", func(c *Config) { c.RMSNormEps = 0 }, "rms_norm_eps"},
		{"zero theta", func(c *Config) { c.RopeTheta = 0 }, "rope_theta"},
		{"draft vocab exceeds vocab", func(c *Config) { c.DraftVocabSize = 100000 }, "draft_vocab_size"},
		{"pad out of range", func(c *Config) { c.PadTokenID = -1 }, "pad_token_id"},
		{"linear scaling without factor", func(c *Config) {
			c.RopeScaling = &RopeScaling{RopeType: "linear"}
		}, "factor"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestResolvedHeadDim(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolvedHeadDim(); got != cfg.HiddenSize/cfg.NumAttentionHeads {
		t.Fatalf("derived head dim = %d, want %d", got, cfg.HiddenSize/cfg.NumAttentionHeads)
	}
	cfg.HeadDim = 48
	if got := cfg.ResolvedHeadDim(); got != 48 {
		t.Fatalf("explicit head dim = %d, want 48", got)
	}
}

func TestFusionWidth(t *testing.T) {
	cfg := Default()
	if got := cfg.FusionWidth(); got != 3*cfg.HiddenSize {
		t.Fatalf("fusion width = %d, want %d", got, 3*cfg.HiddenSize)
	}
	cfg.TargetHiddenSize = 512
	if got := cfg.FusionWidth(); got != 1536 {
		t.Fatalf("fusion width with target size = %d, want 1536", got)
	}
}

func TestRopeScalingName(t *testing.T) {
	var nilScaling *RopeScaling
	if nilScaling.Name() != "default" {
		t.Fatalf("nil scaling name = %q, want default", nilScaling.Name())
	}
	s := &RopeScaling{Type: "linear"}
	if s.Name() != "linear" {
		t.Fatalf("name = %q, want linear", s.Name())
	}
	s.RopeType = "default"
	if s.Name() != "default" {
		t.Fatalf("rope_type should take precedence, got %q", s.Name())
	}
}
