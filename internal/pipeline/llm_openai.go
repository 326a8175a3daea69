package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/prompts"
)

// OpenAIGenerator answers through any OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
}

// NewOpenAIGenerator creates a chat client. An empty baseURL uses api.openai.com.
func NewOpenAIGenerator(apiKey, baseURL, model, systemPrompt string, maxTokens int) *OpenAIGenerator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		systemPrompt: prompts.ForSession(systemPrompt),
		maxTokens:    maxTokens,
	}
}

// Model returns the chat model name.
func (g *OpenAIGenerator) Model() string { return g.model }

// Generate requests one completion. Usage comes from the response.
func (g *OpenAIGenerator) Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	start := time.Now()

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: g.systemPrompt}}
	if ragContext != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompts.RAGContext(ragContext)})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompts.Question(query)})

	rsp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: g.maxTokens,
	})
	if err != nil {
		metrics.Errors.WithLabelValues("generation", "http").Inc()
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(rsp.Choices) == 0 {
		return nil, errors.New("openai chat: no choices")
	}

	var sr streamResult
	sr.token(rsp.Choices[0].Message.Content, onToken)

	model := rsp.Model
	if model == "" {
		model = g.model
	}
	gen := sr.generation(model, start)
	gen.InputTokens = rsp.Usage.PromptTokens
	gen.OutputTokens = rsp.Usage.CompletionTokens
	gen.TotalTokens = rsp.Usage.TotalTokens
	return gen, nil
}
