package main

import (
	"context"
	"errors"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/config"
	"github.com/hubenschmidt/finguard-observability/internal/cost"
	"github.com/hubenschmidt/finguard-observability/internal/models"
	"github.com/hubenschmidt/finguard-observability/internal/orchestrator"
	"github.com/hubenschmidt/finguard-observability/internal/pipeline"
	"github.com/hubenschmidt/finguard-observability/internal/trace"
)

// initTimeout bounds backend setup (redis ping, postgres migrations, qdrant
// collection creation).
const initTimeout = 15 * time.Second

// app is the wired query pipeline shared by every subcommand.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	costs     *cost.Model
	publisher *trace.Publisher
	generator *pipeline.GeneratorRouter
	orch      *orchestrator.Orchestrator
	registry  *orchestrator.Registry
	models    *models.Manager
	closers   []func() error
}

// buildApp wires every collaborator from cfg. When onEvent is non-nil,
// terminal trace events from every session store are delivered to it.
func buildApp(ctx context.Context, cfg config.Config, logger *zap.Logger, onEvent func(trace.Event)) (*app, error) {
	a := &app{cfg: cfg, logger: logger, costs: cfg.Cost.Model()}
	if onEvent != nil {
		a.publisher = trace.NewPublisher(onEvent, cfg.Server.TraceEventBuffer, logger)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	embedder, err := a.newEmbedder(initCtx)
	if err != nil {
		a.Close()
		return nil, err
	}
	store, err := a.newVectorStore(initCtx)
	if err != nil {
		a.Close()
		return nil, err
	}

	minChars := cfg.Index.MinChunkChars
	indexer := pipeline.NewIndexer(embedder, store, pipeline.IndexerConfig{
		Concurrency:   cfg.Index.Concurrency,
		RatePerSecond: cfg.Index.RatePerSecond,
		Chunker:       func(text string) []string { return pipeline.ChunkSections(text, minChars) },
	}, logger)

	a.generator = a.newGenerator()
	a.orch = orchestrator.New(orchestrator.Deps{
		Embedder:  embedder,
		Retriever: store,
		Generator: a.generator,
		Indexer:   indexer,
		Counter:   store,
		TopK:      cfg.Retrieval.TopK,
		Logger:    logger,
	}, a.NewStore(defaultSession))

	switch {
	case cfg.LLM.Engine == "ollama":
		a.models = models.NewManager(cfg.LLM.Ollama.URL)
	case cfg.Embedding.Engine == "ollama":
		a.models = models.NewManager(cfg.Embedding.URL)
	}
	a.registry = orchestrator.NewRegistry(a.backends())
	return a, nil
}

// defaultSession names the store shared by the HTTP API and the CLI.
const defaultSession = "default"

// NewStore creates an empty session store wired to the shared pricing model
// and event publisher.
func (a *app) NewStore(sessionID string) *trace.Store {
	return trace.NewStore(a.costs,
		trace.WithSession(sessionID),
		trace.WithLogger(a.logger),
		trace.WithPublisher(a.publisher),
	)
}

// Close flushes trace events and releases backend connections.
func (a *app) Close() error {
	a.publisher.Close()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func (a *app) newEmbedder(ctx context.Context) (pipeline.Embedder, error) {
	c := a.cfg.Embedding
	var emb pipeline.Embedder
	switch c.Engine {
	case "openai":
		emb = pipeline.NewOpenAIEmbedder(c.APIKey, c.URL, c.Model)
	default:
		emb = pipeline.NewOllamaEmbedder(c.URL, c.Model, c.PoolSize)
	}

	if !a.cfg.Redis.Enabled {
		return emb, nil
	}
	rdb, err := pipeline.NewRedisClient(ctx, a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	a.logger.Info("embedding cache enabled", zap.String("addr", a.cfg.Redis.Addr), zap.Duration("ttl", c.CacheTTL))
	return pipeline.NewCachedEmbedder(emb, rdb, c.CacheTTL, a.logger), nil
}

func (a *app) newVectorStore(ctx context.Context) (pipeline.VectorStore, error) {
	switch a.cfg.Retrieval.Backend {
	case "pgvector":
		pg, err := pipeline.OpenPGVector(ctx, a.cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.logger.Info("knowledge base on pgvector")
		return pg, nil
	case "memory":
		a.logger.Warn("knowledge base is in memory and will not survive restarts")
		return pipeline.NewMemoryStore(), nil
	default:
		q := a.cfg.Qdrant
		qs := pipeline.NewQdrantStore(q.URL, q.Collection, a.cfg.Retrieval.ScoreThreshold, q.PoolSize)
		if err := qs.EnsureCollection(ctx, a.cfg.Embedding.VectorSize); err != nil {
			a.logger.Warn("qdrant collection", zap.String("collection", q.Collection), zap.Error(err))
		}
		a.logger.Info("knowledge base on qdrant", zap.String("url", q.URL), zap.String("collection", q.Collection))
		return qs, nil
	}
}

// newGenerator registers the local Ollama engine plus every hosted engine
// that is selected or has credentials.
func (a *app) newGenerator() *pipeline.GeneratorRouter {
	c := a.cfg.LLM
	backends := map[string]pipeline.Generator{
		"ollama": pipeline.NewOllamaGenerator(c.Ollama.URL, c.Ollama.Model, c.SystemPrompt, c.MaxTokens, c.PoolSize),
	}
	if c.Engine == "openai" || c.OpenAI.APIKey != "" {
		backends["openai"] = pipeline.NewOpenAIGenerator(c.OpenAI.APIKey, c.OpenAI.URL, c.OpenAI.Model, c.SystemPrompt, c.MaxTokens)
	}
	if c.Engine == "anthropic" || c.Anthropic.APIKey != "" {
		backends["anthropic"] = pipeline.NewAnthropicGenerator(c.Anthropic.APIKey, c.Anthropic.URL, c.Anthropic.Model, c.SystemPrompt, c.MaxTokens)
	}
	if c.Engine == "agent" || c.Agent.APIKey != "" {
		params := agents.OpenAIProviderParams{
			APIKey:       param.NewOpt(c.Agent.APIKey),
			UseResponses: param.NewOpt(false),
		}
		if c.Agent.URL != "" {
			params.BaseURL = param.NewOpt(c.Agent.URL)
		}
		counter := pipeline.NewTokenCounter(c.TokenEncoding, a.logger)
		backends["agent"] = pipeline.NewAgentGenerator(agents.NewOpenAIProvider(params), c.Agent.Model, c.SystemPrompt, c.MaxTokens, counter)
	}

	router := pipeline.NewGeneratorRouter(backends, c.Engine)
	a.logger.Info("llm engines", zap.Strings("engines", router.Engines()), zap.String("default", c.Engine))
	return router
}

// backends lists what /health probes. Backends without an HTTP readiness
// endpoint are reported as unknown.
func (a *app) backends() map[string]orchestrator.BackendMeta {
	b := map[string]orchestrator.BackendMeta{}
	if a.cfg.LLM.Engine == "ollama" {
		b["ollama"] = orchestrator.BackendMeta{Category: "llm", HealthURL: a.cfg.LLM.Ollama.URL + "/api/tags"}
	} else {
		b[a.cfg.LLM.Engine] = orchestrator.BackendMeta{Category: "llm"}
	}
	if a.cfg.Embedding.Engine == "ollama" {
		b["ollama-embed"] = orchestrator.BackendMeta{Category: "embedding", HealthURL: a.cfg.Embedding.URL + "/api/tags"}
	}
	switch a.cfg.Retrieval.Backend {
	case "qdrant":
		b["qdrant"] = orchestrator.BackendMeta{Category: "vector_store", HealthURL: a.cfg.Qdrant.URL + "/readyz"}
	case "pgvector":
		b["postgres"] = orchestrator.BackendMeta{Category: "vector_store"}
	}
	if a.cfg.Redis.Enabled {
		b["redis"] = orchestrator.BackendMeta{Category: "cache"}
	}
	return b
}
