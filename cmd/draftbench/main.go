// Command draftbench runs speculative draft-model rollouts with random
// weights and reports throughput. It serves Prometheus metrics while
// running and can optionally fetch target hidden states from an Arrow
// Flight server instead of generating random ones.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AndreHathora/SpecForge/internal/attention"
	"github.com/AndreHathora/SpecForge/internal/config"
	"github.com/AndreHathora/SpecForge/internal/decoder"
	"github.com/AndreHathora/SpecForge/internal/draft"
	"github.com/AndreHathora/SpecForge/internal/hiddenstates"
	"github.com/AndreHathora/SpecForge/internal/kvcache"
	"github.com/AndreHathora/SpecForge/internal/logger"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

var (
	backend     = flag.String("backend", decoder.BackendSDPA, "Attention backend (sdpa or flex_attention)")
	seqLen      = flag.Int("seq", 32, "Sequence length per rollout step")
	tttLength   = flag.Int("ttt", 4, "Rollout depth (training-time-test length)")
	rollouts    = flag.Int("rollouts", 100, "Number of rollouts to run")
	seed        = flag.Int64("seed", 42, "Random seed for weights and inputs")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	flightHost  = flag.String("flight-host", "", "Arrow Flight server for target hidden states (optional)")
	flightPort  = flag.Int("flight-port", hiddenstates.DefaultPort, "Arrow Flight server port")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
)

func randomizeWeights(m *draft.Model, rng *rand.Rand) {
	fill := func(t *tensor.Tensor, scale float32) {
		d := t.Data()
		for i := range d {
			d[i] = (rng.Float32()*2 - 1) * scale
		}
	}
	fill(m.EmbedTokens, 0.05)
	fill(m.FC, 0.05)
	fill(m.LMHead, 0.05)

	layer := m.Midlayer
	fill(layer.GateProj, 0.05)
	fill(layer.UpProj, 0.05)
	fill(layer.DownProj, 0.05)
	switch a := layer.Attn.(type) {
	case *attention.Standard:
		fill(a.Proj.WQ, 0.05)
		fill(a.Proj.WK, 0.05)
		fill(a.Proj.WV, 0.05)
		fill(a.Proj.WO, 0.05)
	case *attention.BlockSparse:
		fill(a.Proj.WQ, 0.05)
		fill(a.Proj.WK, 0.05)
		fill(a.Proj.WV, 0.05)
		fill(a.Proj.WO, 0.05)
	}

	m.ZeroPadEmbedding()

	// Identity draft vocabulary: the first draftVocab target ids.
	for i := range m.D2T {
		m.T2D[i] = true
		m.D2T[i] = 0
	}
}

// argmaxTokens picks the best draft token per position and maps it back to
// the target vocabulary.
func argmaxTokens(m *draft.Model, logits *tensor.Tensor) ([][]int, error) {
	batch, seq, vocab := logits.Dim(0), logits.Dim(1), logits.Dim(2)
	ids := make([][]int, batch)
	for b := 0; b < batch; b++ {
		ids[b] = make([]int, seq)
		for s := 0; s < seq; s++ {
			best, bestVal := 0, logits.At(b, s, 0)
			for v := 1; v < vocab; v++ {
				if x := logits.At(b, s, v); x > bestVal {
					best, bestVal = v, x
				}
			}
			target, err := m.DraftToTarget(best)
			if err != nil {
				return nil, err
			}
			ids[b][s] = int(target)
		}
	}
	return ids, nil
}

func fusionInput(ctx context.Context, cfg *config.Config, rng *rand.Rand) (*tensor.Tensor, error) {
	if *flightHost != "" {
		client := hiddenstates.NewClient(*flightHost, *flightPort)
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		defer client.Close()

		rows, err := client.Fetch(ctx, []byte("hidden_states"))
		if err != nil {
			return nil, err
		}
		t, err := hiddenstates.AsTensor(rows)
		if err != nil {
			return nil, err
		}
		if t.Dim(1) < *seqLen || t.Dim(2) != cfg.FusionWidth() {
			return nil, fmt.Errorf("fetched hidden states %v do not cover seq %d width %d",
				t.Shape(), *seqLen, cfg.FusionWidth())
		}
		out := tensor.New(1, *seqLen, cfg.FusionWidth())
		copy(out.Data(), t.Data()[:len(out.Data())])
		return out, nil
	}

	out := tensor.New(1, *seqLen, cfg.FusionWidth())
	for i := range out.Data() {
		out.Data()[i] = (rng.Float32()*2 - 1) * 0.1
	}
	return out, nil
}

// rollout runs one multi-step draft pass and returns the token positions
// processed.
func rollout(m *draft.Model, fusion *tensor.Tensor, ids [][]int) (int, error) {
	emb, err := m.EmbedInputIDs(ids)
	if err != nil {
		return 0, err
	}

	out, cache, err := m.Forward(fusion, emb, nil, *tttLength)
	if err != nil {
		return 0, err
	}
	tokens := *seqLen

	for step := 1; step < *tttLength; step++ {
		logits := m.ComputeLogits(out)
		next, err := argmaxTokens(m, logits)
		if err != nil {
			return 0, err
		}
		emb, err = m.EmbedInputIDs(next)
		if err != nil {
			return 0, err
		}
		out, err = m.Backbone(out, emb, cache, nil)
		if err != nil {
			return 0, err
		}
		tokens += *seqLen
	}
	return tokens, nil
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		logger.Log.Fatal("invalid config", "error", err)
	}

	var paged *kvcache.Paged
	if *backend == decoder.BackendFlex {
		var err error
		paged, err = kvcache.NewPaged(&cfg, 1, 1, *seqLen*(*tttLength))
		if err != nil {
			logger.Log.Fatal("paged cache init failed", "error", err)
		}
	}

	var pagedIface attention.PagedCache
	if paged != nil {
		pagedIface = paged
	}
	model, err := draft.NewModel(&cfg, *backend, pagedIface)
	if err != nil {
		logger.Log.Fatal("model init failed", "error", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	randomizeWeights(model, rng)

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			logger.Log.Error("metrics server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx := context.Background()
	fusion, err := fusionInput(ctx, &cfg, rng)
	if err != nil {
		logger.Log.Fatal("fusion input failed", "error", err)
	}

	ids := make([][]int, 1)
	ids[0] = make([]int, *seqLen)
	for i := range ids[0] {
		ids[0][i] = 1 + rng.Intn(cfg.DraftVocabSize-1)
	}

	logger.Log.Info("starting rollouts",
		"backend", *backend, "seq", *seqLen, "ttt", *tttLength, "rollouts", *rollouts)

	doneChan := make(chan struct{})
	go func() {
		defer close(doneChan)
		start := time.Now()
		totalTokens := 0
		for i := 0; i < *rollouts; i++ {
			if paged != nil {
				paged.Reset()
			}
			n, err := rollout(model, fusion, ids)
			if err != nil {
				logger.Log.Error("rollout failed", "iteration", i, "error", err)
				return
			}
			totalTokens += n
		}
		dur := time.Since(start)
		fmt.Printf("Completed %d rollouts: %d token positions in %v (%.2f tok/s)\n",
			*rollouts, totalTokens, dur, float64(totalTokens)/dur.Seconds())
	}()

	select {
	case <-doneChan:
	case sig := <-sigChan:
		logger.Log.Warn("interrupted", "signal", sig.String())
		os.Exit(1)
	}
}
