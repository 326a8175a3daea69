// Package trace records per-query traces for a session and rolls them up
// into session statistics.
//
// Lookups by unknown id, and writes against traces that already reached a
// terminal state, are no-ops: RecordSpan and Fail return silently and
// Complete returns the zero Metrics. Observability never fails the caller.
package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/cost"
	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

// ErrNotFound is returned by lookups for unknown trace ids.
var ErrNotFound = errors.New("trace not found")

// Store owns every trace of one session. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	traces  []*Trace
	byID    map[string]*Trace
	seq     int
	session string
	created time.Time

	cost   *cost.Model
	now    func() time.Time
	logger *zap.Logger
	events *Publisher
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithSession tags every event published by the store with the session id.
func WithSession(id string) Option {
	return func(s *Store) { s.session = id }
}

// WithPublisher forwards terminal trace events to p.
func WithPublisher(p *Publisher) Option {
	return func(s *Store) { s.events = p }
}

// NewStore creates an empty session store priced by costs.
func NewStore(costs *cost.Model, opts ...Option) *Store {
	s := &Store{
		byID:   make(map[string]*Trace),
		cost:   costs,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "trace_store"))
	if s.session != "" {
		s.logger = s.logger.With(zap.String("session_id", s.session))
	}
	s.created = s.now()
	return s
}

// Start opens a new in-progress trace for query.
func (s *Store) Start(query string) Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := s.now()
	t := &Trace{
		ID:        fmt.Sprintf("trace_%d_%d", s.seq, now.Unix()),
		Query:     query,
		Status:    StatusInProgress,
		CreatedAt: now,
		Spans:     make(map[string]Span),
	}
	s.traces = append(s.traces, t)
	s.byID[t.ID] = t
	return t.clone()
}

// RecordSpan attaches a stage payload to an in-progress trace. A second
// payload for the same stage replaces the first.
func (s *Store) RecordSpan(traceID string, p Payload) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[traceID]
	if !ok || t.Status.Terminal() {
		s.logger.Debug("span dropped", zap.String("trace_id", traceID), zap.String("stage", p.Stage()))
		return
	}
	if _, dup := t.Spans[p.Stage()]; dup {
		s.logger.Warn("span overwritten", zap.String("trace_id", traceID), zap.String("stage", p.Stage()))
	}
	t.Spans[p.Stage()] = Span{Operation: p.Stage(), Payload: p, RecordedAt: s.now()}
}

// Complete finalizes an in-progress trace and returns its merged metrics.
func (s *Store) Complete(traceID, response string, q quality.Result) Metrics {
	s.mu.Lock()
	t, ok := s.byID[traceID]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		s.logger.Debug("complete ignored", zap.String("trace_id", traceID))
		return Metrics{}
	}

	now := s.now()
	m := s.merge(t, now, q)
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.Response = response
	t.Metrics = &m
	snapshot := t.clone()
	s.mu.Unlock()

	s.events.Publish(Event{Kind: EventCompleted, Session: s.session, Trace: snapshot})
	return m
}

// Fail marks an in-progress trace as failed, keeping its recorded spans.
func (s *Store) Fail(traceID string, cause error) {
	s.mu.Lock()
	t, ok := s.byID[traceID]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	now := s.now()
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Error = "unknown error"
	if cause != nil {
		t.Error = cause.Error()
	}
	snapshot := t.clone()
	s.mu.Unlock()

	s.logger.Info("trace failed", zap.String("trace_id", traceID), zap.String("error", snapshot.Error))
	s.events.Publish(Event{Kind: EventFailed, Session: s.session, Trace: snapshot})
}

// Get returns a copy of the trace with the given id.
func (s *Store) Get(traceID string) (Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[traceID]
	if !ok {
		return Trace{}, false
	}
	return t.clone(), true
}

// Traces returns copies of all traces in creation order.
func (s *Store) Traces() []Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trace, len(s.traces))
	for i, t := range s.traces {
		out[i] = t.clone()
	}
	return out
}

// Summaries returns the compact view of all traces in creation order.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, len(s.traces))
	for i, t := range s.traces {
		out[i] = t.clone().summary()
	}
	return out
}

// Export dumps session statistics and every trace summary.
func (s *Store) Export() Export {
	return Export{
		SessionStats:    s.SessionStats(),
		Traces:          s.Summaries(),
		ExportTimestamp: s.now(),
	}
}

func (s *Store) merge(t *Trace, now time.Time, q quality.Result) Metrics {
	total := float64(now.Sub(t.CreatedAt)) / float64(time.Millisecond)
	m := Metrics{TraceID: t.ID, Query: t.Query, Result: q}

	var embedding, search, llm float64
	if sp, ok := t.Spans[StageEmbedding]; ok {
		embedding = sp.Payload.Elapsed()
	}
	if sp, ok := t.Spans[StageSearch]; ok {
		search = sp.Payload.Elapsed()
		if p, ok := sp.Payload.(SearchPayload); ok {
			m.TopRelevance = round(p.TopRelevance, 3)
			m.ResultsCount = p.ResultsCount
		}
	}
	if sp, ok := t.Spans[StageGeneration]; ok {
		llm = sp.Payload.Elapsed()
		if p, ok := sp.Payload.(GenerationPayload); ok {
			m.InputTokens = p.InputTokens
			m.OutputTokens = p.OutputTokens
			m.TotalTokens = p.TotalTokens
			m.Model = p.Model
		}
	}

	price := s.cost.Calculate(m.Model, m.InputTokens, m.OutputTokens)
	m.TotalLatencyMs = round(total, 2)
	m.EmbeddingMs = round(embedding, 2)
	m.SearchMs = round(search, 2)
	m.LLMMs = round(llm, 2)
	m.OtherMs = round(total-embedding-search-llm, 2)
	m.InputCostUSD = round(price.InputUSD, 6)
	m.OutputCostUSD = round(price.OutputUSD, 6)
	m.TotalCostUSD = round(price.TotalUSD, 6)
	return m
}
