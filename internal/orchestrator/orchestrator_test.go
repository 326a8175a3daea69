package orchestrator

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hubenschmidt/finguard-observability/internal/cost"
	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
	"github.com/hubenschmidt/finguard-observability/internal/quality"
	"github.com/hubenschmidt/finguard-observability/internal/telemetry"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

type fakeEmbedder struct {
	vec   []float64
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(context.Context, string) ([]float64, error) {
	f.calls++
	return f.vec, f.err
}

func (f *fakeEmbedder) Model() string { return "fake-embed" }

type fakeCachedEmbedder struct{ fakeEmbedder }

func (f *fakeCachedEmbedder) EmbedCached(ctx context.Context, text string) ([]float64, bool, error) {
	v, err := f.Embed(ctx, text)
	return v, true, err
}

type fakeRetriever struct {
	passages []quality.Passage
	err      error
	calls    int
	gotTopK  int
}

func (f *fakeRetriever) Search(_ context.Context, _ []float64, topK int) ([]quality.Passage, error) {
	f.calls++
	f.gotTopK = topK
	return f.passages, f.err
}

type fakeGenerator struct {
	gen        *pipeline.Generation
	err        error
	calls      int
	gotContext string
}

func (f *fakeGenerator) Generate(_ context.Context, _, ragContext string, onToken pipeline.TokenCallback) (*pipeline.Generation, error) {
	f.calls++
	f.gotContext = ragContext
	if f.err != nil {
		return nil, f.err
	}
	if onToken != nil {
		onToken(f.gen.Text)
	}
	return f.gen, nil
}

func (f *fakeGenerator) Model() string { return "fake-llm" }

var policy = []quality.Passage{
	{Content: "Payments decline for insufficient funds or expired cards.", RelevanceScore: 0.85},
	{Content: "Refunds are credited within 5 business days.", RelevanceScore: 0.42},
}

type fixture struct {
	embedder  *fakeEmbedder
	retriever *fakeRetriever
	generator *fakeGenerator
	store     *trace.Store
	orch      *Orchestrator
	spans     *tracetest.SpanRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		embedder:  &fakeEmbedder{vec: []float64{0.1, 0.2, 0.3}},
		retriever: &fakeRetriever{passages: policy},
		generator: &fakeGenerator{gen: &pipeline.Generation{
			Text:               "Your payment was declined due to insufficient funds or expired card.",
			Model:              "llama3.2",
			InputTokens:        1000,
			OutputTokens:       500,
			TotalTokens:        1500,
			TimeToFirstTokenMs: 42,
		}},
		store: trace.NewStore(cost.NewModel(cost.DefaultRates(), nil)),
		spans: tracetest.NewSpanRecorder(),
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(f.spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f.orch = New(Deps{
		Embedder:  f.embedder,
		Retriever: f.retriever,
		Generator: f.generator,
		Tracer:    telemetry.NewTracer(tp),
	}, f.store)
	return f
}

func TestQuery_Success(t *testing.T) {
	f := newFixture(t)

	var tokens []string
	resp, m := f.orch.QueryStream(context.Background(), "Why was my payment declined?", func(tok string) {
		tokens = append(tokens, tok)
	})

	assert.Equal(t, f.generator.gen.Text, resp)
	assert.Equal(t, []string{resp}, tokens)
	assert.Empty(t, m.Error)
	assert.NotEmpty(t, m.TraceID)
	assert.Equal(t, 1500, m.TotalTokens)
	assert.Equal(t, "llama3.2", m.Model)
	assert.InDelta(t, 0.00001+0.000015, m.TotalCostUSD, 1e-9)
	assert.Equal(t, 0.85, m.TopRelevance)
	assert.Equal(t, 2, m.ResultsCount)
	assert.False(t, m.HallucinationDetected)
	assert.Equal(t, quality.StatusGrounded, m.Status)
	assert.Equal(t, DefaultTopK, f.retriever.gotTopK)
	assert.Equal(t, "[Source 1]\n"+policy[0].Content+"\n\n[Source 2]\n"+policy[1].Content, f.generator.gotContext)

	tr, ok := f.store.Get(m.TraceID)
	require.True(t, ok)
	assert.Equal(t, trace.StatusCompleted, tr.Status)
	assert.Len(t, tr.Spans, 3)
	emb := tr.Spans[trace.StageEmbedding].Payload.(trace.EmbeddingPayload)
	assert.True(t, emb.Success)
	assert.Equal(t, 3, emb.Dimensions)
	assert.Equal(t, "fake-embed", emb.Model)
	assert.False(t, emb.Cached)
	gen := tr.Spans[trace.StageGeneration].Payload.(trace.GenerationPayload)
	assert.Equal(t, 42.0, gen.TimeToFirstTokenMs)
	assert.Equal(t, 42.0, gen.Fields()["ttft_ms"])

	stats := f.orch.SessionStats()
	assert.Equal(t, 1, stats.TotalQueries)
	assert.Equal(t, 100.0, stats.SuccessRate)
}

func TestQuery_EmitsOtelSpans(t *testing.T) {
	f := newFixture(t)
	_, m := f.orch.Query(context.Background(), "q")

	ended := f.spans.Ended()
	names := make([]string, 0, len(ended))
	for _, s := range ended {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"rag.embedding", "rag.search", "rag.generation", "rag.query"}, names)

	var root sdktrace.ReadOnlySpan
	for _, s := range ended {
		if s.Name() == "rag.query" {
			root = s
		}
	}
	require.NotNil(t, root)
	for _, s := range ended {
		if s.Name() != "rag.query" {
			assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		}
	}
	var found bool
	for _, kv := range root.Attributes() {
		if string(kv.Key) == "rag.trace_id" {
			found = true
			assert.Equal(t, m.TraceID, kv.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestQuery_StageFailuresShortCircuit(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		wantPrefix string
		stage      string
		embedCalls int
		searchCall int
		genCalls   int
	}{
		{
			name:       "embedding",
			setup:      func(f *fixture) { f.embedder.err = errors.New("ollama unreachable") },
			wantPrefix: "Embedding failed: ollama unreachable",
			stage:      trace.StageEmbedding,
			embedCalls: 1,
		},
		{
			name:       "empty embedding",
			setup:      func(f *fixture) { f.embedder.vec = nil },
			wantPrefix: "Embedding failed: empty embedding",
			stage:      trace.StageEmbedding,
			embedCalls: 1,
		},
		{
			name:       "search",
			setup:      func(f *fixture) { f.retriever.err = errors.New("collection missing") },
			wantPrefix: "Search failed: collection missing",
			stage:      trace.StageSearch,
			embedCalls: 1,
			searchCall: 1,
		},
		{
			name:       "generation",
			setup:      func(f *fixture) { f.generator.err = errors.New("context length exceeded") },
			wantPrefix: "Generation failed: context length exceeded",
			stage:      trace.StageGeneration,
			embedCalls: 1,
			searchCall: 1,
			genCalls:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)

			resp, m := f.orch.Query(context.Background(), "Why was my payment declined?")

			assert.Equal(t, tt.wantPrefix, resp)
			assert.Equal(t, resp, m.Error)
			assert.NotEmpty(t, m.TraceID)
			assert.Zero(t, m.TotalTokens)
			assert.Equal(t, tt.embedCalls, f.embedder.calls)
			assert.Equal(t, tt.searchCall, f.retriever.calls)
			assert.Equal(t, tt.genCalls, f.generator.calls)

			tr, ok := f.store.Get(m.TraceID)
			require.True(t, ok)
			assert.Equal(t, trace.StatusFailed, tr.Status)
			assert.Equal(t, resp, tr.Error)
			sp, ok := tr.Spans[tt.stage]
			require.True(t, ok)
			assert.False(t, sp.Payload.OK())

			stats := f.orch.SessionStats()
			assert.Equal(t, 0, stats.TotalQueries)
			assert.Equal(t, 1, stats.FailedQueries)
			assert.Equal(t, 0.0, stats.SuccessRate)
		})
	}
}

func TestQuery_CachedEmbeddingRecorded(t *testing.T) {
	f := newFixture(t)
	cached := &fakeCachedEmbedder{fakeEmbedder{vec: []float64{1}}}
	o := New(Deps{Embedder: cached, Retriever: f.retriever, Generator: f.generator}, f.store)

	_, m := o.Query(context.Background(), "q")
	tr, _ := f.store.Get(m.TraceID)
	assert.True(t, tr.Spans[trace.StageEmbedding].Payload.(trace.EmbeddingPayload).Cached)
}

func TestQuery_NoPassagesUsesFallbackContext(t *testing.T) {
	f := newFixture(t)
	f.retriever.passages = nil

	_, m := f.orch.Query(context.Background(), "Do you support crypto?")
	assert.Equal(t, NoContext, f.generator.gotContext)
	assert.Equal(t, 0, m.ResultsCount)
	assert.Equal(t, 0.0, m.TopRelevance)
	assert.True(t, m.HallucinationDetected)
}

func TestQuery_GenerationModelFallsBackToGenerator(t *testing.T) {
	f := newFixture(t)
	f.generator.gen = &pipeline.Generation{Text: "ok", InputTokens: 10, OutputTokens: 5}

	_, m := f.orch.Query(context.Background(), "q")
	assert.Equal(t, "fake-llm", m.Model)
	assert.Equal(t, 15, m.TotalTokens)
}

func TestForSession_SeparateStores(t *testing.T) {
	f := newFixture(t)
	other := trace.NewStore(cost.NewModel(cost.DefaultRates(), nil))
	session := f.orch.ForSession(other)

	session.Query(context.Background(), "q")
	assert.Empty(t, f.store.Traces())
	assert.Len(t, other.Traces(), 1)
	assert.Same(t, other, session.Store())
}

func TestQuery_ConcurrentSharedStore(t *testing.T) {
	f := newFixture(t)
	o := New(Deps{
		Embedder:  embedFunc(func() ([]float64, error) { return []float64{1}, nil }),
		Retriever: searchFunc(func() ([]quality.Passage, error) { return policy, nil }),
		Generator: genFunc(func() (*pipeline.Generation, error) {
			return &pipeline.Generation{Text: "Payments decline for insufficient funds.", InputTokens: 10, OutputTokens: 5}, nil
		}),
	}, f.store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Query(context.Background(), "q")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, f.store.SessionStats().TotalQueries)
}

type embedFunc func() ([]float64, error)

func (f embedFunc) Embed(context.Context, string) ([]float64, error) { return f() }

type searchFunc func() ([]quality.Passage, error)

func (f searchFunc) Search(context.Context, []float64, int) ([]quality.Passage, error) { return f() }

type genFunc func() (*pipeline.Generation, error)

func (f genFunc) Generate(context.Context, string, string, pipeline.TokenCallback) (*pipeline.Generation, error) {
	return f()
}

func TestBuildContext(t *testing.T) {
	assert.Equal(t, NoContext, BuildContext(nil))
	assert.Equal(t, "[Source 1]\nonly", BuildContext([]quality.Passage{{Content: "only"}}))
	assert.Equal(t, "[Source 1]\na\n\n[Source 2]\nb\n\n[Source 3]\nc",
		BuildContext([]quality.Passage{{Content: "a"}, {Content: "b"}, {Content: "c"}}))
}

func TestSanitize(t *testing.T) {
	g := sanitize(trace.GenerationPayload{DurationMs: -5, InputTokens: -1, OutputTokens: 7}).(trace.GenerationPayload)
	assert.Equal(t, 0.0, g.DurationMs)
	assert.Equal(t, 0, g.InputTokens)
	assert.Equal(t, 7, g.TotalTokens)
	assert.NotContains(t, g.Fields(), "ttft_ms")

	s := sanitize(trace.SearchPayload{DurationMs: math.NaN(), TopRelevance: math.Inf(1), ResultsCount: -2}).(trace.SearchPayload)
	assert.Equal(t, 0.0, s.DurationMs)
	assert.Equal(t, 0.0, s.TopRelevance)
	assert.Equal(t, 0, s.ResultsCount)

	e := sanitize(trace.EmbeddingPayload{DurationMs: 3, Dimensions: -1}).(trace.EmbeddingPayload)
	assert.Equal(t, 3.0, e.DurationMs)
	assert.Equal(t, 0, e.Dimensions)

	generic := trace.GenericPayload{Name: "rerank", DurationMs: -1}
	assert.Equal(t, generic, sanitize(generic))
}

func TestIndexAndCollectionInfo(t *testing.T) {
	store := pipeline.NewMemoryStore()
	emb := &fakeEmbedder{vec: []float64{1, 0}}
	o := New(Deps{
		Embedder:  emb,
		Retriever: store,
		Generator: &fakeGenerator{gen: &pipeline.Generation{Text: "x"}},
		Indexer:   pipeline.NewIndexer(emb, store, pipeline.IndexerConfig{}, nil),
		Counter:   store,
	}, trace.NewStore(nil))

	path := filepath.Join(t.TempDir(), "policy.md")
	require.NoError(t, os.WriteFile(path, []byte("## Refunds\nRefunds are credited within five business days of approval.\n"), 0o644))

	res := o.Index(context.Background(), path)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.ChunksCreated)

	n, err := o.CollectionInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bare := New(Deps{}, trace.NewStore(nil))
	assert.False(t, bare.Index(context.Background(), path).Success)
	_, err = bare.CollectionInfo(context.Background())
	assert.Error(t, err)
	_, err = bare.IndexDir(context.Background(), t.TempDir())
	assert.Error(t, err)
}
