// Package orchestrator runs one RAG query end to end and records it in a
// session trace store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
	"github.com/hubenschmidt/finguard-observability/internal/quality"
	"github.com/hubenschmidt/finguard-observability/internal/telemetry"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

// DefaultTopK is the number of passages retrieved per query.
const DefaultTopK = 3

// NoContext is the context string used when retrieval returns nothing.
const NoContext = "No relevant information found in the knowledge base."

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Embedder  pipeline.Embedder
	Retriever pipeline.Retriever
	Generator pipeline.Generator
	Indexer   *pipeline.Indexer
	Counter   pipeline.Counter
	TopK      int
	Logger    *zap.Logger
	Tracer    *telemetry.Tracer
}

// Orchestrator sequences embed, search and generate for a query and records
// each stage in its session Store. Stage errors never escape: they are
// returned as an error-shaped response and metrics.
type Orchestrator struct {
	deps   Deps
	store  *trace.Store
	logger *zap.Logger
}

// cachedEmbedder reports whether a vector was served from cache.
type cachedEmbedder interface {
	EmbedCached(ctx context.Context, text string) ([]float64, bool, error)
}

// New creates an orchestrator recording into store.
func New(deps Deps, store *trace.Store) *Orchestrator {
	if deps.TopK <= 0 {
		deps.TopK = DefaultTopK
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewTracer(nil)
	}
	return &Orchestrator{
		deps:   deps,
		store:  store,
		logger: deps.Logger.With(zap.String("component", "orchestrator")),
	}
}

// ForSession returns an orchestrator sharing o's collaborators but recording
// into store.
func (o *Orchestrator) ForSession(store *trace.Store) *Orchestrator {
	return &Orchestrator{deps: o.deps, store: store, logger: o.logger}
}

// Store returns the session store.
func (o *Orchestrator) Store() *trace.Store { return o.store }

// Query answers text without streaming.
func (o *Orchestrator) Query(ctx context.Context, text string) (string, trace.Metrics) {
	return o.QueryStream(ctx, text, nil)
}

// QueryStream answers text, passing generated tokens to onToken as they arrive.
func (o *Orchestrator) QueryStream(ctx context.Context, text string, onToken pipeline.TokenCallback) (string, trace.Metrics) {
	tr := o.store.Start(text)
	ctx, root := o.deps.Tracer.Start(ctx, "rag.query", attribute.String("rag.trace_id", tr.ID))
	defer root.End()
	log := o.logger.With(zap.String("trace_id", tr.ID))

	vector, err := o.embed(ctx, tr.ID, text)
	if err != nil {
		return o.fail(root, log, tr.ID, trace.StageEmbedding, "Embedding failed", err)
	}

	passages, err := o.search(ctx, tr.ID, vector)
	if err != nil {
		return o.fail(root, log, tr.ID, trace.StageSearch, "Search failed", err)
	}

	gen, err := o.generate(ctx, tr.ID, text, BuildContext(passages), onToken)
	if err != nil {
		return o.fail(root, log, tr.ID, trace.StageGeneration, "Generation failed", err)
	}

	q := quality.Analyze(gen.Text, passages)
	m := o.store.Complete(tr.ID, gen.Text, q)
	observe(m)

	root.SetAttributes(telemetry.MetricsAttributes(m)...)
	telemetry.SetOK(root)
	log.Info("query completed",
		zap.Float64("total_latency_ms", m.TotalLatencyMs),
		zap.Int("total_tokens", m.TotalTokens),
		zap.Float64("total_cost_usd", m.TotalCostUSD),
		zap.Float64("grounding_score", m.GroundingScore),
		zap.String("quality_status", m.Status),
	)
	return gen.Text, m
}

func (o *Orchestrator) embed(ctx context.Context, traceID, text string) ([]float64, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "rag.embedding")
	defer span.End()

	start := time.Now()
	var (
		vector []float64
		cached bool
		err    error
	)
	if c, ok := o.deps.Embedder.(cachedEmbedder); ok {
		vector, cached, err = c.EmbedCached(ctx, text)
	} else {
		vector, err = o.deps.Embedder.Embed(ctx, text)
	}
	if err == nil && len(vector) == 0 {
		err = errors.New("empty embedding")
	}

	p := trace.EmbeddingPayload{
		Success:    err == nil,
		DurationMs: sinceMs(start),
		Model:      pipeline.ModelName(o.deps.Embedder),
		Dimensions: len(vector),
		Cached:     cached,
		Error:      errString(err),
	}
	o.record(traceID, span, p, err)
	return vector, err
}

func (o *Orchestrator) search(ctx context.Context, traceID string, vector []float64) ([]quality.Passage, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "rag.search", attribute.Int("rag.search.top_k", o.deps.TopK))
	defer span.End()

	start := time.Now()
	passages, err := o.deps.Retriever.Search(ctx, vector, o.deps.TopK)
	rel := quality.ScoreRelevance(passages)

	p := trace.SearchPayload{
		Success:      err == nil,
		DurationMs:   sinceMs(start),
		ResultsCount: len(passages),
		TopRelevance: rel.Top,
		Error:        errString(err),
	}
	o.record(traceID, span, p, err)
	return passages, err
}

func (o *Orchestrator) generate(ctx context.Context, traceID, query, ragContext string, onToken pipeline.TokenCallback) (*pipeline.Generation, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "rag.generation")
	defer span.End()

	start := time.Now()
	gen, err := o.deps.Generator.Generate(ctx, query, ragContext, onToken)
	if err == nil && gen == nil {
		err = errors.New("no generation returned")
	}

	p := trace.GenerationPayload{
		Success:    err == nil,
		DurationMs: sinceMs(start),
		Model:      pipeline.ModelName(o.deps.Generator),
		Error:      errString(err),
	}
	if gen != nil {
		if gen.Model != "" {
			p.Model = gen.Model
		}
		p.InputTokens = gen.InputTokens
		p.OutputTokens = gen.OutputTokens
		p.TotalTokens = gen.TotalTokens
		p.TimeToFirstTokenMs = gen.TimeToFirstTokenMs
	}
	o.record(traceID, span, p, err)
	return gen, err
}

func (o *Orchestrator) record(traceID string, span oteltrace.Span, p trace.Payload, err error) {
	p = sanitize(p)
	o.store.RecordSpan(traceID, p)
	metrics.StageDuration.WithLabelValues(p.Stage()).Observe(p.Elapsed() / 1000)
	span.SetAttributes(telemetry.PayloadAttributes(p)...)
	if err != nil {
		telemetry.RecordError(span, err)
		return
	}
	telemetry.SetOK(span)
}

func (o *Orchestrator) fail(root oteltrace.Span, log *zap.Logger, traceID, stage, prefix string, err error) (string, trace.Metrics) {
	msg := fmt.Sprintf("%s: %v", prefix, err)
	o.store.Fail(traceID, errors.New(msg))

	metrics.QueriesTotal.WithLabelValues(string(trace.StatusFailed)).Inc()
	metrics.Errors.WithLabelValues(stage, "stage_failed").Inc()
	telemetry.RecordError(root, err)
	log.Warn("query failed", zap.String("stage", stage), zap.Error(err))
	return msg, trace.Metrics{TraceID: traceID, Error: msg}
}

func observe(m trace.Metrics) {
	metrics.QueriesTotal.WithLabelValues(string(trace.StatusCompleted)).Inc()
	metrics.QueryDuration.Observe(m.TotalLatencyMs / 1000)
	metrics.Tokens.WithLabelValues("input").Add(float64(m.InputTokens))
	metrics.Tokens.WithLabelValues("output").Add(float64(m.OutputTokens))
	metrics.CostUSD.Add(m.TotalCostUSD)
	metrics.GroundingScore.Observe(m.GroundingScore)
	if m.HallucinationDetected {
		metrics.Hallucinations.Inc()
	}
}

// BuildContext renders passages as numbered sources for the prompt.
func BuildContext(passages []quality.Passage) string {
	if len(passages) == 0 {
		return NoContext
	}
	parts := make([]string, len(passages))
	for i, p := range passages {
		parts[i] = fmt.Sprintf("[Source %d]\n%s", i+1, p.Content)
	}
	return strings.Join(parts, "\n\n")
}

// sanitize clamps payload values an adapter may report out of range.
func sanitize(p trace.Payload) trace.Payload {
	switch v := p.(type) {
	case trace.EmbeddingPayload:
		v.DurationMs = nonNegative(v.DurationMs)
		v.Dimensions = max(v.Dimensions, 0)
		return v
	case trace.SearchPayload:
		v.DurationMs = nonNegative(v.DurationMs)
		v.ResultsCount = max(v.ResultsCount, 0)
		v.TopRelevance = quality.ClampScore(v.TopRelevance)
		return v
	case trace.GenerationPayload:
		v.DurationMs = nonNegative(v.DurationMs)
		v.InputTokens = max(v.InputTokens, 0)
		v.OutputTokens = max(v.OutputTokens, 0)
		v.TotalTokens = max(v.TotalTokens, 0)
		v.TimeToFirstTokenMs = nonNegative(v.TimeToFirstTokenMs)
		if v.TotalTokens == 0 {
			v.TotalTokens = v.InputTokens + v.OutputTokens
		}
		return v
	default:
		return p
	}
}

// SessionStats returns the session aggregate.
func (o *Orchestrator) SessionStats() trace.Aggregate {
	return o.store.SessionStats()
}

// Index chunks, embeds and stores the document at path.
func (o *Orchestrator) Index(ctx context.Context, path string) pipeline.IndexResult {
	if o.deps.Indexer == nil {
		return pipeline.IndexResult{Source: path, Error: "indexing not configured"}
	}
	return o.deps.Indexer.IndexFile(ctx, path)
}

// IndexDir indexes every document in dir.
func (o *Orchestrator) IndexDir(ctx context.Context, dir string) ([]pipeline.IndexResult, error) {
	if o.deps.Indexer == nil {
		return nil, errors.New("indexing not configured")
	}
	return o.deps.Indexer.IndexDir(ctx, dir)
}

// CollectionInfo returns the number of chunks in the knowledge base.
func (o *Orchestrator) CollectionInfo(ctx context.Context) (int, error) {
	if o.deps.Counter == nil {
		return 0, errors.New("collection info not available")
	}
	return o.deps.Counter.Count(ctx)
}

func sinceMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func nonNegative(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
