package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/orchestrator"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared query pipeline for all sessions.
type HandlerConfig struct {
	Orchestrator  *orchestrator.Orchestrator
	NewStore      func(sessionID string) *trace.Store
	MaxConcurrent int
	Logger        *zap.Logger
}

// Handler manages WebSocket query sessions with admission control. Each
// connection gets its own trace Store, discarded when the socket closes.
type Handler struct {
	cfg    HandlerConfig
	sem    chan struct{}
	logger *zap.Logger
}

// NewHandler creates a WebSocket handler with a concurrency limit.
func NewHandler(cfg HandlerConfig) *Handler {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cfg:    cfg,
		sem:    make(chan struct{}, maxConc),
		logger: logger.With(zap.String("component", "ws")),
	}
}

// Client message types.
const (
	MsgQuery  = "query"
	MsgStats  = "stats"
	MsgExport = "export"
)

// clientMessage is a text frame sent by the client.
type clientMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Event is a server frame.
type Event struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Text      string           `json:"text,omitempty"`
	Token     string           `json:"token,omitempty"`
	Metrics   *trace.Metrics   `json:"metrics,omitempty"`
	Stats     *trace.Aggregate `json:"stats,omitempty"`
	Export    *trace.Export    `json:"export,omitempty"`
}

// ServeHTTP upgrades the connection and runs the query session.
// Returns 503 if at max concurrent session capacity.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	default:
		http.Error(w, "at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	h.runSession(conn)
}

func (h *Handler) runSession(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID := uuid.NewString()
	log := h.logger.With(zap.String("session_id", sessionID))
	orch := h.cfg.Orchestrator.ForSession(h.cfg.NewStore(sessionID))

	send := newEventSender(conn, log)
	send(Event{Type: "session", SessionID: sessionID})
	log.Info("session started")

	h.processMessages(ctx, conn, orch, send, log)

	stats := orch.SessionStats()
	log.Info("session ended",
		zap.Int("queries", stats.TotalQueries),
		zap.Int("failed", stats.FailedQueries),
		zap.Float64("total_cost_usd", stats.TotalCostUSD),
	)
}

// processMessages handles client frames until the connection closes.
// Queries run one at a time per session.
func (h *Handler) processMessages(ctx context.Context, conn *websocket.Conn, orch *orchestrator.Orchestrator, send func(Event), log *zap.Logger) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("connection closed", zap.Error(err))
			return
		}
		if msgType != websocket.TextMessage {
			send(Event{Type: "error", Text: "text frames only"})
			continue
		}

		var msg clientMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			send(Event{Type: "error", Text: "invalid message: " + err.Error()})
			continue
		}
		h.dispatch(ctx, orch, msg, send)
	}
}

func (h *Handler) dispatch(ctx context.Context, orch *orchestrator.Orchestrator, msg clientMessage, send func(Event)) {
	switch msg.Type {
	case MsgQuery:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			send(Event{Type: "error", Text: "empty query"})
			return
		}
		resp, m := orch.QueryStream(ctx, text, func(tok string) {
			send(Event{Type: "token", Token: tok})
		})
		if m.Error != "" {
			send(Event{Type: "error", Text: resp, Metrics: &m})
			return
		}
		send(Event{Type: "response", Text: resp, Metrics: &m})
	case MsgStats:
		stats := orch.SessionStats()
		send(Event{Type: "stats", Stats: &stats})
	case MsgExport:
		export := orch.Store().Export()
		send(Event{Type: "export", Export: &export})
	default:
		send(Event{Type: "error", Text: "unknown message type " + msg.Type})
	}
}

func newEventSender(conn *websocket.Conn, log *zap.Logger) func(Event) {
	var mu sync.Mutex
	return func(ev Event) {
		mu.Lock()
		defer mu.Unlock()

		jsonBytes, err := json.Marshal(ev)
		if err != nil {
			log.Error("marshal event", zap.Error(err))
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, jsonBytes); err != nil {
			log.Debug("write event", zap.Error(err))
		}
	}
}
