package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ForwardTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "draft_forward_total",
		Help: "Total number of draft model forward passes",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "draft_forward_duration_seconds",
		Help: "Duration of draft model forward passes",
	})

	ForwardTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "draft_forward_tokens_total",
		Help: "Total number of token positions processed by forward passes",
	})

	RolloutDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "draft_rollout_depth",
		Help:    "Distribution of speculative rollout depths (ttt length)",
		Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
	})

	AttentionBackendSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "draft_attention_backend_selected_total",
		Help: "Attention backend chosen at decoder layer construction",
	}, []string{"backend"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "draft_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "draft_kv_cache_capacity_bytes",
		Help: "Total capacity of the paged KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "draft_kv_cache_used_bytes",
		Help: "Current bytes used in the paged KV cache",
	})

	KVCacheAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "draft_kv_cache_appends_total",
		Help: "Total number of key/value slices appended to the paged cache",
	})
)

func RecordForward(tokens int, tttLength int, duration time.Duration) {
	ForwardTotal.Inc()
	ForwardTokens.Add(float64(tokens))
	RolloutDepth.Observe(float64(tttLength))
	ForwardDuration.Observe(duration.Seconds())
}

func RecordBackend(name string) {
	AttentionBackendSelected.WithLabelValues(name).Inc()
}

func RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}
