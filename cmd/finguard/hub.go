package main

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

// subscriberBuffer is how many events a slow SSE client may lag behind
// before further events are dropped for it.
const subscriberBuffer = 16

// traceHub fans terminal trace events out to SSE subscribers.
type traceHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	logger *zap.Logger
}

func newTraceHub(logger *zap.Logger) *traceHub {
	return &traceHub{
		subs:   map[chan []byte]struct{}{},
		logger: logger.With(zap.String("component", "trace_hub")),
	}
}

func (h *traceHub) subscribe() chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *traceHub) unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *traceHub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// publish encodes ev and sends it to every subscriber without blocking. A
// subscriber whose buffer is full misses the event.
func (h *traceHub) publish(ev trace.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode trace event", zap.String("trace_id", ev.Trace.ID), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
			h.logger.Debug("sse subscriber lagging", zap.String("trace_id", ev.Trace.ID))
		}
	}
}
