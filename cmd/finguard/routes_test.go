package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/cost"
	"github.com/hubenschmidt/finguard-observability/internal/orchestrator"
	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
	"github.com/hubenschmidt/finguard-observability/internal/ws"
)

const refundPolicy = "Refunds are processed within 5 to 7 business days after approval."

type constEmbedder struct{}

func (constEmbedder) Embed(context.Context, string) ([]float64, error) { return []float64{1, 0}, nil }

type cannedGenerator struct{}

func (cannedGenerator) Generate(_ context.Context, _, _ string, onToken pipeline.TokenCallback) (*pipeline.Generation, error) {
	text := "Refunds are processed within 5 to 7 business days."
	if onToken != nil {
		onToken(text)
	}
	return &pipeline.Generation{Text: text, Model: "canned", InputTokens: 120, OutputTokens: 12, TotalTokens: 132}, nil
}

func (cannedGenerator) Model() string { return "canned" }

type testServer struct {
	url  string
	orch *orchestrator.Orchestrator
	hub  *traceHub
	kb   *pipeline.MemoryStore
}

func newTestServer(t *testing.T, registry *orchestrator.Registry) *testServer {
	t.Helper()
	kb := pipeline.NewMemoryStore()
	require.NoError(t, kb.Upsert(context.Background(), []pipeline.Point{
		{ID: "refunds", Vector: []float64{1, 0}, Content: refundPolicy, Source: "refunds.md"},
	}))

	hub := newTraceHub(zap.NewNop())
	pub := trace.NewPublisher(hub.publish, 16, nil)
	t.Cleanup(pub.Close)
	costs := cost.NewModel(cost.DefaultRates(), nil)
	newStore := func(id string) *trace.Store {
		return trace.NewStore(costs, trace.WithSession(id), trace.WithPublisher(pub))
	}

	indexer := pipeline.NewIndexer(constEmbedder{}, kb, pipeline.IndexerConfig{}, nil)
	generator := pipeline.NewGeneratorRouter(map[string]pipeline.Generator{"canned": cannedGenerator{}}, "canned")
	orch := orchestrator.New(orchestrator.Deps{
		Embedder:  constEmbedder{},
		Retriever: kb,
		Generator: generator,
		Indexer:   indexer,
		Counter:   kb,
	}, newStore(defaultSession))

	if registry == nil {
		registry = orchestrator.NewRegistry(nil)
	}
	mux := http.NewServeMux()
	registerRoutes(mux, deps{
		orch:      orch,
		generator: generator,
		registry:  registry,
		hub:       hub,
		wsHandler: ws.NewHandler(ws.HandlerConfig{Orchestrator: orch, NewStore: newStore, MaxConcurrent: 4}),
		logger:    zap.NewNop(),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, orch: orch, hub: hub, kb: kb}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestQueryRecordsTraceInDefaultSession(t *testing.T) {
	s := newTestServer(t, nil)

	var answer struct {
		Response string        `json:"response"`
		Metrics  trace.Metrics `json:"metrics"`
	}
	code := postJSON(t, s.url+"/api/query", `{"query":"How long do refunds take?"}`, &answer)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, answer.Response, "5 to 7 business days")
	assert.NotEmpty(t, answer.Metrics.TraceID)
	assert.Equal(t, 132, answer.Metrics.TotalTokens)
	assert.False(t, answer.Metrics.HallucinationDetected)

	var stats trace.Aggregate
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/session", &stats))
	assert.Equal(t, 1, stats.TotalQueries)
	assert.Equal(t, 100.0, stats.SuccessRate)

	var costSummary trace.CostSummary
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/session/cost", &costSummary))
	assert.Equal(t, 1, costSummary.Queries)
	assert.Equal(t, 132, costSummary.TotalTokens)

	var listing struct {
		Traces []trace.Summary `json:"traces"`
		Total  int             `json:"total"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/traces", &listing))
	require.Len(t, listing.Traces, 1)
	assert.Equal(t, trace.StatusCompleted, listing.Traces[0].Status)

	var got map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/traces/"+answer.Metrics.TraceID, &got))
	assert.Equal(t, answer.Metrics.TraceID, got["trace_id"])
	assert.Contains(t, got["spans"], trace.StageGeneration)

	assert.Equal(t, http.StatusNotFound, getJSON(t, s.url+"/api/traces/trace_404", nil))

	var export trace.Export
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/export", &export))
	assert.Len(t, export.Traces, 1)
	assert.Equal(t, 1, export.SessionStats.TotalQueries)
}

func TestTraceListingHonorsLimit(t *testing.T) {
	s := newTestServer(t, nil)
	for range 3 {
		s.orch.Query(context.Background(), "refunds")
	}

	var listing struct {
		Traces []trace.Summary `json:"traces"`
		Total  int             `json:"total"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/traces?limit=2", &listing))
	assert.Len(t, listing.Traces, 2)
	assert.Equal(t, 3, listing.Total)
}

func TestQueryRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	assert.Equal(t, http.StatusBadRequest, postJSON(t, s.url+"/api/query", `{"query":""}`, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, s.url+"/api/query", `not json`, nil))
	assert.Equal(t, 0, s.orch.SessionStats().TotalTraces)
}

func TestIndexAndCollection(t *testing.T) {
	s := newTestServer(t, nil)
	dir := t.TempDir()
	doc := filepath.Join(dir, "fees.md")
	require.NoError(t, os.WriteFile(doc, []byte("## Forex\nInternational card transactions carry a 3.5 percent forex markup fee.\n"), 0o644))

	var res pipeline.IndexResult
	require.Equal(t, http.StatusOK, postJSON(t, s.url+"/api/index", `{"path":"`+doc+`"}`, &res))
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ChunksCreated)

	var dirRes struct {
		Results []pipeline.IndexResult `json:"results"`
	}
	require.Equal(t, http.StatusOK, postJSON(t, s.url+"/api/index", `{"path":"`+dir+`"}`, &dirRes))
	require.Len(t, dirRes.Results, 1)

	var info map[string]int
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/collection", &info))
	assert.Equal(t, 2, info["points"])

	assert.Equal(t, http.StatusBadRequest, postJSON(t, s.url+"/api/index", `{"path":""}`, nil))
	assert.Equal(t, http.StatusBadRequest, postJSON(t, s.url+"/api/index", `{"path":"`+filepath.Join(dir, "missing.md")+`"}`, nil))

	empty := filepath.Join(dir, "empty.md")
	require.NoError(t, os.WriteFile(empty, []byte("short"), 0o644))
	assert.Equal(t, http.StatusUnprocessableEntity, postJSON(t, s.url+"/api/index", `{"path":"`+empty+`"}`, nil))
}

func TestHealthReportsDegradedBackend(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	registry := orchestrator.NewRegistry(map[string]orchestrator.BackendMeta{
		"qdrant": {Category: "vector_store", HealthURL: up.URL},
		"ollama": {Category: "llm", HealthURL: down.URL},
		"redis":  {Category: "cache"},
	})
	s := newTestServer(t, registry)

	resp, err := http.Get(s.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status   string                     `json:"status"`
		Backends []orchestrator.BackendInfo `json:"backends"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	require.Len(t, body.Backends, 3)
	assert.Equal(t, orchestrator.StatusUnhealthy, body.Backends[0].Status)
	assert.Equal(t, orchestrator.StatusHealthy, body.Backends[1].Status)
	assert.Equal(t, orchestrator.StatusUnknown, body.Backends[2].Status)
}

func TestModelsWithoutOllamaManager(t *testing.T) {
	s := newTestServer(t, nil)

	var models map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, s.url+"/api/models", &models))
	assert.Equal(t, "canned", models["active"])
	assert.Equal(t, []any{"canned"}, models["engines"])

	assert.Equal(t, http.StatusNotFound, postJSON(t, s.url+"/api/models/preload", `{"model":"llama3.2:3b"}`, nil))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.orch.Query(context.Background(), "refunds")

	resp, err := http.Get(s.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var found bool
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if strings.HasPrefix(sc.Text(), "rag_queries_total") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestTraceStreamDeliversCompletedTraces(t *testing.T) {
	s := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/api/traces/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.hub.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, m := s.orch.Query(context.Background(), "How long do refunds take?")

	rd := bufio.NewReader(resp.Body)
	var line string
	for !strings.HasPrefix(line, "data: ") {
		line, err = rd.ReadString('\n')
		require.NoError(t, err)
	}

	var ev struct {
		Type    string `json:"type"`
		Session string `json:"session_id"`
		Trace   struct {
			ID     string       `json:"trace_id"`
			Status trace.Status `json:"status"`
		} `json:"trace"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
	assert.Equal(t, trace.EventCompleted, ev.Type)
	assert.Equal(t, defaultSession, ev.Session)
	assert.Equal(t, m.TraceID, ev.Trace.ID)
	assert.Equal(t, trace.StatusCompleted, ev.Trace.Status)
}

func TestWebsocketSessionIsIsolatedFromDefaultSession(t *testing.T) {
	s := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(s.url, "http")+"/ws/query", nil)
	require.NoError(t, err)
	defer conn.Close()

	r := ask(conn, "How long do refunds take?")
	require.Empty(t, r.err)
	assert.True(t, r.success)
	assert.False(t, r.hallucinated)
	assert.GreaterOrEqual(t, r.totalMs, r.llmMs)

	assert.Equal(t, 0, s.orch.SessionStats().TotalTraces)
}
