package trace

// Stage names recorded by the query pipeline.
const (
	StageEmbedding  = "embedding"
	StageSearch     = "search"
	StageGeneration = "generation"
)

// Payload is the typed metrics record attached to a Span. Each stage has its
// own variant; the Store only reads the fields it aggregates.
type Payload interface {
	Stage() string
	Elapsed() float64
	OK() bool
	Fields() map[string]any
}

// EmbeddingPayload describes the query embedding call.
type EmbeddingPayload struct {
	Success    bool
	DurationMs float64
	Model      string
	Dimensions int
	Cached     bool
	Error      string
}

func (p EmbeddingPayload) Stage() string    { return StageEmbedding }
func (p EmbeddingPayload) Elapsed() float64 { return p.DurationMs }
func (p EmbeddingPayload) OK() bool         { return p.Success }

func (p EmbeddingPayload) Fields() map[string]any {
	f := map[string]any{
		"success":     p.Success,
		"duration_ms": p.DurationMs,
		"dimensions":  p.Dimensions,
		"cached":      p.Cached,
	}
	setOptional(f, "model", p.Model)
	setOptional(f, "error", p.Error)
	return f
}

// SearchPayload describes the vector search call.
type SearchPayload struct {
	Success      bool
	DurationMs   float64
	ResultsCount int
	TopRelevance float64
	Error        string
}

func (p SearchPayload) Stage() string    { return StageSearch }
func (p SearchPayload) Elapsed() float64 { return p.DurationMs }
func (p SearchPayload) OK() bool         { return p.Success }

func (p SearchPayload) Fields() map[string]any {
	f := map[string]any{
		"success":       p.Success,
		"duration_ms":   p.DurationMs,
		"results_count": p.ResultsCount,
		"top_relevance": p.TopRelevance,
	}
	setOptional(f, "error", p.Error)
	return f
}

// GenerationPayload describes the LLM call and its token usage.
type GenerationPayload struct {
	Success      bool
	DurationMs   float64
	Model        string
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	// TimeToFirstTokenMs is zero when no token was produced.
	TimeToFirstTokenMs float64
	Error              string
}

func (p GenerationPayload) Stage() string    { return StageGeneration }
func (p GenerationPayload) Elapsed() float64 { return p.DurationMs }
func (p GenerationPayload) OK() bool         { return p.Success }

func (p GenerationPayload) Fields() map[string]any {
	f := map[string]any{
		"success":       p.Success,
		"duration_ms":   p.DurationMs,
		"input_tokens":  p.InputTokens,
		"output_tokens": p.OutputTokens,
		"total_tokens":  p.TotalTokens,
	}
	if p.TimeToFirstTokenMs > 0 {
		f["ttft_ms"] = p.TimeToFirstTokenMs
	}
	setOptional(f, "model", p.Model)
	setOptional(f, "error", p.Error)
	return f
}

// GenericPayload carries stages the Store does not aggregate, e.g. a reranker.
type GenericPayload struct {
	Name       string
	Success    bool
	DurationMs float64
	Values     map[string]any
}

func (p GenericPayload) Stage() string    { return p.Name }
func (p GenericPayload) Elapsed() float64 { return p.DurationMs }
func (p GenericPayload) OK() bool         { return p.Success }

func (p GenericPayload) Fields() map[string]any {
	f := make(map[string]any, len(p.Values)+2)
	for k, v := range p.Values {
		f[k] = v
	}
	f["success"] = p.Success
	f["duration_ms"] = p.DurationMs
	return f
}

func setOptional(f map[string]any, key, val string) {
	if val != "" {
		f[key] = val
	}
}
