package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
)

// IndexResult reports the outcome of indexing one document.
type IndexResult struct {
	Success       bool    `json:"success"`
	Source        string  `json:"source,omitempty"`
	ChunksCreated int     `json:"chunks_created"`
	TotalTimeMs   float64 `json:"total_time_ms"`
	Error         string  `json:"error,omitempty"`
}

// Chunker splits a document into chunks.
type Chunker func(text string) []string

// IndexerConfig tunes an Indexer.
type IndexerConfig struct {
	Concurrency   int
	RatePerSecond float64
	Chunker       Chunker
}

// Indexer chunks documents, embeds the chunks concurrently and writes them
// to a vector store.
type Indexer struct {
	embedder    Embedder
	writer      VectorWriter
	chunker     Chunker
	concurrency int
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewIndexer creates an indexer. A zero RatePerSecond disables rate limiting.
func NewIndexer(embedder Embedder, writer VectorWriter, cfg IndexerConfig, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Chunker == nil {
		cfg.Chunker = func(text string) []string { return ChunkSections(text, MinChunkChars) }
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Concurrency)
	}
	return &Indexer{
		embedder:    embedder,
		writer:      writer,
		chunker:     cfg.Chunker,
		concurrency: cfg.Concurrency,
		limiter:     limiter,
		logger:      logger.With(zap.String("component", "indexer")),
	}
}

// IndexFile indexes the document at path. Failures are reported in the result.
func (ix *Indexer) IndexFile(ctx context.Context, path string) IndexResult {
	start := time.Now()
	data, err := os.ReadFile(path)
	if err != nil {
		return IndexResult{Source: path, Error: fmt.Sprintf("read document: %v", err), TotalTimeMs: elapsedMs(start)}
	}
	res := ix.IndexText(ctx, path, string(data))
	res.TotalTimeMs = elapsedMs(start)
	return res
}

// IndexDir indexes every file in dir matching one of patterns, in name order.
func (ix *Indexer) IndexDir(ctx context.Context, dir string, patterns ...string) ([]IndexResult, error) {
	if len(patterns) == 0 {
		patterns = []string{"*.md", "*.txt"}
	}
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		files = append(files, matches...)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no documents in %s", dir)
	}
	sort.Strings(files)

	results := make([]IndexResult, 0, len(files))
	for _, f := range files {
		res := ix.IndexFile(ctx, f)
		if !res.Success {
			ix.logger.Warn("index file", zap.String("file", f), zap.String("error", res.Error))
		}
		results = append(results, res)
	}
	return results, nil
}

// IndexText chunks, embeds and stores text under source.
func (ix *Indexer) IndexText(ctx context.Context, source, text string) IndexResult {
	start := time.Now()
	res := IndexResult{Source: source}

	chunks := ix.chunker(text)
	if len(chunks) == 0 {
		res.Error = "no chunks produced"
		res.TotalTimeMs = elapsedMs(start)
		return res
	}

	points, err := ix.embedChunks(ctx, source, chunks)
	if err == nil {
		err = ix.writer.Upsert(ctx, points)
	}
	res.TotalTimeMs = elapsedMs(start)
	if err != nil {
		metrics.Errors.WithLabelValues("index", "embed_or_store").Inc()
		res.Error = err.Error()
		return res
	}

	metrics.ChunksIndexed.Add(float64(len(points)))
	ix.logger.Info("indexed",
		zap.String("source", source),
		zap.Int("chunks", len(points)),
		zap.Float64("total_time_ms", res.TotalTimeMs),
	)
	res.Success = true
	res.ChunksCreated = len(points)
	return res
}

func (ix *Indexer) embedChunks(ctx context.Context, source string, chunks []string) ([]Point, error) {
	points := make([]Point, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			if err := ix.limiter.Wait(gctx); err != nil {
				return err
			}
			vec, err := ix.embedder.Embed(gctx, chunk)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", i, err)
			}
			if len(vec) == 0 {
				return errors.New("embed chunk " + strconv.Itoa(i) + ": empty vector")
			}
			points[i] = Point{
				ID:       ChunkID(source, i),
				Vector:   vec,
				Content:  chunk,
				Source:   source,
				Metadata: map[string]any{"source": source, "chunk_id": i},
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return points, nil
}

// ChunkID derives a stable point id so re-indexing a document overwrites it.
func ChunkID(source string, chunk int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(chunk))).String()
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
