package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rag_sessions_active",
		Help: "Currently open websocket query sessions",
	})

	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_queries_total",
		Help: "Queries processed by outcome",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rag_stage_duration_seconds",
		Help:    "Per-stage latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_query_duration_seconds",
		Help:    "End-to-end query latency from trace start to completion",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0, 10.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_tokens_total",
		Help: "LLM tokens consumed by direction",
	}, []string{"direction"})

	CostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_cost_usd_total",
		Help: "Accumulated generation cost in USD",
	})

	GroundingScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rag_grounding_score",
		Help:    "Fraction of answer key words found in retrieved passages",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	Hallucinations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_hallucinations_total",
		Help: "Answers flagged by the grounding check",
	})

	EmbeddingCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rag_embedding_cache_total",
		Help: "Embedding cache lookups by result",
	}, []string{"result"})

	ChunksIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rag_chunks_indexed_total",
		Help: "Knowledge base chunks embedded and stored",
	})
)
