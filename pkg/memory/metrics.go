package memory

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the engine's Prometheus instruments. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	AssembleLatency  prometheus.Histogram
	Assemblies       *prometheus.CounterVec
	SelectedItems    prometheus.Histogram
	ContextTokens    prometheus.Histogram
	Truncations      prometheus.Counter
	SkippedItems     *prometheus.CounterVec
	Degradations     *prometheus.CounterVec
	Ingests          *prometheus.CounterVec
	IngestQueueDepth prometheus.Gauge
	Compactions      *prometheus.CounterVec
	CompactedTurns   prometheus.Counter
	EmbeddingCalls   *prometheus.CounterVec
}

// NewMetrics registers the instruments on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "dotcontext"
	}
	f := promauto.With(reg)
	return &Metrics{
		AssembleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assemble_latency_ms",
			Help:      "Latency of context assembly in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000},
		}),
		Assemblies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assemblies_total",
			Help:      "Context assemblies by outcome.",
		}, []string{"outcome"}),
		SelectedItems: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembled_items",
			Help:      "Items selected into an assembled context.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),
		ContextTokens: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assembled_tokens",
			Help:      "Estimated tokens in an assembled context.",
			Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
		}),
		Truncations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assemble_truncated_total",
			Help:      "Assemblies that dropped candidates to fit the token budget.",
		}),
		SkippedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_items_total",
			Help:      "Candidates skipped as malformed, by reason.",
		}, []string{"reason"}),
		Degradations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradations_total",
			Help:      "Assemblies served with reduced retrieval, by reason.",
		}, []string{"reason"}),
		Ingests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingests_total",
			Help:      "Turn ingestion jobs by result.",
		}, []string{"result"}),
		IngestQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_queue_depth",
			Help:      "Turns waiting to be persisted.",
		}),
		Compactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction runs by result.",
		}, []string{"result"}),
		CompactedTurns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_turns_total",
			Help:      "Turns folded into summaries.",
		}),
		EmbeddingCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_calls_total",
			Help:      "Embedding client calls by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) observeAssemble(d time.Duration, ac AssembledContext) {
	if m == nil {
		return
	}
	outcome := "ok"
	if len(ac.Degraded) > 0 {
		outcome = "degraded"
	}
	m.AssembleLatency.Observe(float64(d.Milliseconds()))
	m.Assemblies.WithLabelValues(outcome).Inc()
	m.SelectedItems.Observe(float64(len(ac.Items)))
	m.ContextTokens.Observe(float64(ac.TotalTokens))
	if ac.Truncated {
		m.Truncations.Inc()
	}
	for _, reason := range ac.Degraded {
		m.Degradations.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) invalidInput() {
	if m == nil {
		return
	}
	m.Assemblies.WithLabelValues("invalid").Inc()
}

func (m *Metrics) skipped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SkippedItems.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ingest(result string) {
	if m == nil {
		return
	}
	m.Ingests.WithLabelValues(result).Inc()
}

func (m *Metrics) queueDepth(delta float64) {
	if m == nil {
		return
	}
	m.IngestQueueDepth.Add(delta)
}

func (m *Metrics) compaction(result string, turns int) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(result).Inc()
	if turns > 0 {
		m.CompactedTurns.Add(float64(turns))
	}
}

// ObserveEmbedding matches the embedding client's observer signature.
func (m *Metrics) ObserveEmbedding(result string) {
	if m == nil {
		return
	}
	m.EmbeddingCalls.WithLabelValues(result).Inc()
}
