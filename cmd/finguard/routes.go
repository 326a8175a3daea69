package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/models"
	"github.com/hubenschmidt/finguard-observability/internal/orchestrator"
	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

// defaultTraceLimit is how many trace summaries are returned when the caller
// omits the ?limit= query parameter.
const defaultTraceLimit = 50

var errNoModelManager = errors.New("model management requires an ollama engine")

type deps struct {
	orch      *orchestrator.Orchestrator
	generator *pipeline.GeneratorRouter
	registry  *orchestrator.Registry
	models    *models.Manager
	hub       *traceHub
	wsHandler http.Handler
	logger    *zap.Logger
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/query", d.wsHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /api/query", d.handleQuery)
	mux.HandleFunc("GET /api/session", d.handleSession)
	mux.HandleFunc("GET /api/session/cost", d.handleSessionCost)
	mux.HandleFunc("GET /api/export", d.handleExport)
	mux.HandleFunc("POST /api/index", d.handleIndex)
	mux.HandleFunc("GET /api/collection", d.handleCollection)
	mux.HandleFunc("GET /api/models", d.handleModels)
	mux.HandleFunc("POST /api/models/preload", d.handlePreload)
	mux.HandleFunc("POST /api/models/unload", d.handleUnload)
	registerTraceRoutes(mux, d)
}

func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	backends := d.registry.StatusAll(r.Context())
	status, code := "ok", http.StatusOK
	if !orchestrator.Healthy(backends) {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "backends": backends})
}

func (d deps) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	response, m := d.orch.Query(r.Context(), req.Query)
	writeJSON(w, http.StatusOK, map[string]any{"response": response, "metrics": m})
}

func (d deps) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.orch.SessionStats())
}

func (d deps) handleSessionCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.orch.Store().SessionCost())
}

func (d deps) handleExport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.orch.Store().Export())
}

// handleIndex indexes a file, or every document in a directory.
func (d deps) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if info.IsDir() {
		results, err := d.orch.IndexDir(r.Context(), req.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}

	res := d.orch.Index(r.Context(), req.Path)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (d deps) handleCollection(w http.ResponseWriter, r *http.Request) {
	n, err := d.orch.CollectionInfo(r.Context())
	if err != nil {
		d.logger.Error("collection info", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"points": n})
}

func (d deps) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"active":  d.generator.Model(),
		"engines": d.generator.Engines(),
	}
	if d.models == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	cat, err := d.models.List(r.Context())
	if err != nil {
		d.logger.Error("list models", zap.Error(err))
	}
	loaded, _ := d.models.Loaded(r.Context())
	loadedNames := make([]string, 0, len(loaded))
	for _, m := range loaded {
		loadedNames = append(loadedNames, m.Name)
	}
	resp["llm"] = cat.LLM
	resp["embedding"] = cat.Embedding
	resp["loaded"] = loadedNames
	writeJSON(w, http.StatusOK, resp)
}

func (d deps) handlePreload(w http.ResponseWriter, r *http.Request) {
	d.modelAction(w, r, "loaded", (*models.Manager).Preload)
}

func (d deps) handleUnload(w http.ResponseWriter, r *http.Request) {
	d.modelAction(w, r, "unloaded", (*models.Manager).Unload)
}

func (d deps) modelAction(w http.ResponseWriter, r *http.Request, status string, action func(*models.Manager, context.Context, string) error) {
	if d.models == nil {
		http.Error(w, errNoModelManager.Error(), http.StatusNotFound)
		return
	}
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if err := action(d.models, r.Context(), req.Model); err != nil {
		d.logger.Error("model action failed", zap.String("model", req.Model), zap.String("action", status), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	d.logger.Info("model "+status, zap.String("model", req.Model))
	writeJSON(w, http.StatusOK, map[string]string{"model": req.Model, "status": status})
}

func registerTraceRoutes(mux *http.ServeMux, d deps) {
	mux.HandleFunc("GET /api/traces", func(w http.ResponseWriter, r *http.Request) {
		summaries := d.orch.Store().Summaries()
		total := len(summaries)
		if limit := queryInt(r, "limit", defaultTraceLimit); limit > 0 && total > limit {
			summaries = summaries[total-limit:]
		}
		writeJSON(w, http.StatusOK, map[string]any{"traces": summaries, "total": total})
	})

	mux.HandleFunc("GET /api/traces/stream", d.handleTraceStream)

	mux.HandleFunc("GET /api/traces/{id}", func(w http.ResponseWriter, r *http.Request) {
		t, ok := d.orch.Store().Get(r.PathValue("id"))
		if !ok {
			http.Error(w, trace.ErrNotFound.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})
}

// handleTraceStream pushes completed and failed trace events as SSE.
func (d deps) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := d.hub.subscribe()
	defer d.hub.unsubscribe(ch)
	d.logger.Info("trace stream client connected", zap.String("remote", r.RemoteAddr))

	for {
		select {
		case <-r.Context().Done():
			d.logger.Info("trace stream client disconnected", zap.String("remote", r.RemoteAddr))
			return
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
