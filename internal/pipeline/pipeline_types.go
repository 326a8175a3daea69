package pipeline

import (
	"context"

	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Retriever returns the passages nearest to vector, best first, with
// relevance scores in [0,1].
type Retriever interface {
	Search(ctx context.Context, vector []float64, topK int) ([]quality.Passage, error)
}

// VectorWriter stores embedded chunks.
type VectorWriter interface {
	Upsert(ctx context.Context, points []Point) error
}

// Counter reports how many chunks a store holds.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// VectorStore is a knowledge base backend.
type VectorStore interface {
	Retriever
	VectorWriter
	Counter
}

// Generator produces an answer for query grounded on ragContext. onToken may
// be nil; backends that do not stream call it once with the full text.
type Generator interface {
	Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error)
}

// TokenCallback is called for each streamed token.
type TokenCallback func(token string)

// Generation is a completed LLM answer with token usage.
type Generation struct {
	Text               string  `json:"text"`
	Model              string  `json:"model"`
	InputTokens        int     `json:"input_tokens"`
	OutputTokens       int     `json:"output_tokens"`
	TotalTokens        int     `json:"total_tokens"`
	TimeToFirstTokenMs float64 `json:"ttft_ms"`
}

// Point is one chunk ready for storage.
type Point struct {
	ID       string
	Vector   []float64
	Content  string
	Source   string
	Metadata map[string]any
}

// ModelNamer is implemented by collaborators that know their model name.
type ModelNamer interface {
	Model() string
}

// ModelName returns v's model name, or "" when v does not report one.
func ModelName(v any) string {
	if n, ok := v.(ModelNamer); ok {
		return n.Model()
	}
	return ""
}
