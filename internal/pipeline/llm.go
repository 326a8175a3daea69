package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/prompts"
)

// GeneratorRouter dispatches to the generator registered for an engine name.
type GeneratorRouter struct {
	*Router[Generator]
	engine string
}

// NewGeneratorRouter creates a router whose Generate uses the fallback engine.
func NewGeneratorRouter(backends map[string]Generator, fallback string) *GeneratorRouter {
	return &GeneratorRouter{Router: NewRouter(backends, fallback), engine: fallback}
}

// Generate routes to the default engine.
func (r *GeneratorRouter) Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	return r.GenerateWith(ctx, r.engine, query, ragContext, onToken)
}

// GenerateWith routes to engine, falling back to the default.
func (r *GeneratorRouter) GenerateWith(ctx context.Context, engine, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	backend, err := r.Route(engine)
	if err != nil {
		return nil, err
	}
	return backend.Generate(ctx, query, ragContext, onToken)
}

// Model reports the default engine's model.
func (r *GeneratorRouter) Model() string {
	backend, err := r.Route(r.engine)
	if err != nil {
		return ""
	}
	return ModelName(backend)
}

// OllamaGenerator streams chat completions from Ollama.
type OllamaGenerator struct {
	url          string
	model        string
	systemPrompt string
	maxTokens    int
	client       *http.Client
}

// NewOllamaGenerator creates an Ollama HTTP client. An empty systemPrompt
// uses the FinGuard default.
func NewOllamaGenerator(url, model, systemPrompt string, maxTokens, poolSize int) *OllamaGenerator {
	return &OllamaGenerator{
		url:          url,
		model:        model,
		systemPrompt: prompts.ForSession(systemPrompt),
		maxTokens:    maxTokens,
		client:       NewPooledHTTPClient(poolSize, 120*time.Second),
	}
}

// Model returns the chat model name.
func (c *OllamaGenerator) Model() string { return c.model }

// Generate streams an answer. Token counts come from the final chunk.
func (c *OllamaGenerator) Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	start := time.Now()

	resp, err := c.postChat(ctx, query, ragContext)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.Errors.WithLabelValues("generation", "status").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, body)
	}

	sr, err := consumeOllamaStream(resp.Body, onToken)
	if err != nil {
		return nil, fmt.Errorf("ollama stream: %w", err)
	}

	gen := sr.generation(c.model, start)
	gen.InputTokens = sr.promptTokens
	gen.OutputTokens = sr.evalTokens
	gen.TotalTokens = sr.promptTokens + sr.evalTokens
	return gen, nil
}

func (c *OllamaGenerator) postChat(ctx context.Context, query, ragContext string) (*http.Response, error) {
	messages := []ollamaMessage{{Role: "system", Content: c.systemPrompt}}
	if ragContext != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: prompts.RAGContext(ragContext)})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: prompts.Question(query)})

	bodyBytes, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Stream:   true,
		Options:  ollamaOptions{NumPredict: c.maxTokens},
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/api/chat", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.Errors.WithLabelValues("generation", "http").Inc()
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	return resp, nil
}

type streamResult struct {
	text         string
	ttft         time.Time
	promptTokens int
	evalTokens   int
}

func (sr *streamResult) token(text string, onToken TokenCallback) {
	if text == "" {
		return
	}
	if sr.ttft.IsZero() {
		sr.ttft = time.Now()
	}
	if onToken != nil {
		onToken(text)
	}
	sr.text += text
}

func (sr *streamResult) generation(model string, start time.Time) *Generation {
	ttft := float64(0)
	if !sr.ttft.IsZero() {
		ttft = float64(sr.ttft.Sub(start).Milliseconds())
	}
	return &Generation{
		Text:               sr.text,
		Model:              model,
		TimeToFirstTokenMs: ttft,
	}
}

func consumeOllamaStream(body io.Reader, onToken TokenCallback) (streamResult, error) {
	var sr streamResult
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var chunk ollamaStreamChunk
		if json.Unmarshal(scanner.Bytes(), &chunk) != nil {
			continue
		}
		if chunk.Error != "" {
			return sr, fmt.Errorf("%s", chunk.Error)
		}
		sr.token(chunk.Message.Content, onToken)
		if chunk.Done {
			sr.promptTokens = chunk.PromptEvalCount
			sr.evalTokens = chunk.EvalCount
			return sr, nil
		}
	}
	return sr, scanner.Err()
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages []ollamaMessage `json:"messages"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaStreamChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}
