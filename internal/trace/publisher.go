package trace

import (
	"sync"

	"go.uber.org/zap"
)

// Event kinds emitted when a trace reaches a terminal state.
const (
	EventCompleted = "trace_completed"
	EventFailed    = "trace_failed"
)

// Event is a terminal-state notification. Trace ids are only unique within
// a session, so consumers key on Session and Trace.ID together.
type Event struct {
	Kind    string `json:"type"`
	Session string `json:"session_id,omitempty"`
	Trace   Trace  `json:"trace"`
}

// Publisher delivers events to a handler on a background goroutine via a
// buffered channel. Publish never blocks: a full buffer drops the event.
// All methods are nil-safe.
type Publisher struct {
	mu      sync.RWMutex
	closed  bool
	handler func(Event)
	ch      chan Event
	done    chan struct{}
	logger  *zap.Logger
}

// NewPublisher starts the drain goroutine. Must call Close when done.
func NewPublisher(handler func(Event), buffer int, logger *zap.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		handler: handler,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "trace_publisher")),
	}
	go p.drain()
	return p
}

func (p *Publisher) drain() {
	defer close(p.done)
	for ev := range p.ch {
		p.handler(ev)
	}
}

// Publish queues ev for delivery.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- ev:
	default:
		p.logger.Warn("trace event dropped", zap.String("kind", ev.Kind), zap.String("trace_id", ev.Trace.ID))
	}
}

// Close drains pending events and stops the background goroutine.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
}
