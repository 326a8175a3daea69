package trace

import (
	"encoding/json"
	"time"

	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

// Status is the lifecycle state of a Trace.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Trace is the record of one query through the RAG pipeline.
type Trace struct {
	ID          string          `json:"trace_id"`
	Query       string          `json:"query"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Spans       map[string]Span `json:"spans"`
	Metrics     *Metrics        `json:"metrics,omitempty"`
	Response    string          `json:"response,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Span is one recorded pipeline stage.
type Span struct {
	Operation  string
	Payload    Payload
	RecordedAt time.Time
}

// MarshalJSON flattens the typed payload into its key/value view.
func (s Span) MarshalJSON() ([]byte, error) {
	var fields map[string]any
	if s.Payload != nil {
		fields = s.Payload.Fields()
	}
	return json.Marshal(struct {
		Operation  string         `json:"operation"`
		Payload    map[string]any `json:"payload"`
		RecordedAt time.Time      `json:"recorded_at"`
	}{s.Operation, fields, s.RecordedAt})
}

// Metrics is the flattened per-trace record produced at completion. On a
// stage failure only TraceID and Error are set.
type Metrics struct {
	TraceID        string  `json:"trace_id"`
	Query          string  `json:"query,omitempty"`
	TotalLatencyMs float64 `json:"total_latency_ms"`
	EmbeddingMs    float64 `json:"embedding_ms"`
	SearchMs       float64 `json:"search_ms"`
	LLMMs          float64 `json:"llm_ms"`
	OtherMs        float64 `json:"other_ms"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	Model          string  `json:"model,omitempty"`
	InputCostUSD   float64 `json:"input_cost_usd"`
	OutputCostUSD  float64 `json:"output_cost_usd"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	TopRelevance   float64 `json:"top_relevance"`
	ResultsCount   int     `json:"results_count"`
	quality.Result
	Error string `json:"error,omitempty"`
}

// Summary is the compact per-trace view used by exports and listings.
type Summary struct {
	TraceID string   `json:"trace_id"`
	Query   string   `json:"query"`
	Status  Status   `json:"status"`
	Metrics *Metrics `json:"metrics,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Export is a point-in-time dump of a session.
type Export struct {
	SessionStats    Aggregate `json:"session_stats"`
	Traces          []Summary `json:"traces"`
	ExportTimestamp time.Time `json:"export_timestamp"`
}

func (t Trace) summary() Summary {
	return Summary{TraceID: t.ID, Query: t.Query, Status: t.Status, Metrics: t.Metrics, Error: t.Error}
}

// clone returns a copy that shares nothing mutable with t.
func (t *Trace) clone() Trace {
	c := *t
	c.Spans = make(map[string]Span, len(t.Spans))
	for k, v := range t.Spans {
		c.Spans[k] = v
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Metrics != nil {
		m := *t.Metrics
		c.Metrics = &m
	}
	return c
}
