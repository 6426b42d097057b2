package decoder

import (
	"math"
	"math/rand"
	"testing"

	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/kvcache"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HiddenSize = 64
	cfg.NumAttentionHeads = 4
	cfg.NumKeyValueHeads = 2
	cfg.IntermediateSize = 128
	return cfg
}

func randomInput(batch, seq, hidden int, seed int64) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(batch, seq, hidden)
	for i := range x.Data() {
		x.Data()[i] = (rng.Float32()*2 - 1) * 0.1
	}
	return x
}

func TestUnknownBackendFailsConstruction(t *testing.T) {
	cfg := testConfig()
	if _, err := New(&cfg, "flash_attention_2", nil); err == nil {
		t.Fatal("expected construction error for unknown backend")
	}
}

func TestFlexBackendRequiresPagedCache(t *testing.T) {
	cfg := testConfig()
	if _, err := New(&cfg, BackendFlex, nil); err == nil {
		t.Fatal("expected error for flex_attention without a paged cache")
	}
}

func TestUnknownActivationFailsConstruction(t *testing.T) {
	cfg := testConfig()
	cfg.HiddenAct = "swiglu2"
	if _, err := New(&cfg, BackendSDPA, nil); err == nil {
		t.Fatal("expected construction error for unknown activation")
	}
}

func TestForwardShapeAndResidual(t *testing.T) {
	cfg := testConfig()
	layer, err := New(&cfg, BackendSDPA, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const batch, seq = 2, 3
	hidden := randomInput(batch, seq, cfg.HiddenSize, 1)
	emb := randomInput(batch, seq, cfg.HiddenSize, 2)
	positions := []int{0, 1, 2}

	out, err := layer.Forward(hidden, emb, nil, nil, positions)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !tensor.SameShape(out, hidden) {
		t.Fatalf("output shape %v, want %v", out.Shape(), hidden.Shape())
	}

	// Zero projection weights leave only the residual paths, so the output
	// reduces to the input hidden state.
	for i, v := range out.Data() {
		if math.Abs(float64(v-hidden.Data()[i])) > 1e-6 {
			t.Fatalf("residual path broken at %d: got %f, want %f", i, v, hidden.Data()[i])
		}
	}
}

func TestForwardShapeMismatch(t *testing.T) {
	cfg := testConfig()
	layer, err := New(&cfg, BackendSDPA, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hidden := randomInput(1, 3, cfg.HiddenSize, 3)
	emb := randomInput(1, 2, cfg.HiddenSize, 4)
	if _, err := layer.Forward(hidden, emb, nil, nil, []int{0, 1, 2}); err == nil {
		t.Fatal("expected error for mismatched hidden/embedding shapes")
	}
}

func TestFlexBackendForward(t *testing.T) {
	cfg := testConfig()
	paged, err := kvcache.NewPaged(&cfg, 1, 1, 64)
	if err != nil {
		t.Fatalf("NewPaged: %v", err)
	}
	layer, err := New(&cfg, BackendFlex, paged)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const seq = 4
	positions := []int{0, 1, 2, 3}
	for step := 0; step < 3; step++ {
		hidden := randomInput(1, seq, cfg.HiddenSize, int64(10+step))
		emb := randomInput(1, seq, cfg.HiddenSize, int64(20+step))
		if _, err := layer.Forward(hidden, emb, nil, nil, positions); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
	if got := paged.SeqLength(0); got != 3*seq {
		t.Fatalf("paged cache holds %d positions, want %d", got, 3*seq)
	}
}

func TestActivations(t *testing.T) {
	cases := []struct {
		name string
		x    float32
		want float64
	}{
		{"relu", -1, 0},
		{"relu", 2, 2},
		{"silu", 0, 0},
		{"silu", 1, 1 / (1 + math.Exp(-1))},
		{"gelu", 0, 0},
	}
	for _, c := range cases {
		got := float64(activations[c.name](c.x))
		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("%s(%f) = %f, want %f", c.name, c.x, got, c.want)
		}
	}
}
