package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/prompts"
)

// AnthropicGenerator answers through the Anthropic Messages API.
type AnthropicGenerator struct {
	client       anthropic.Client
	model        string
	systemPrompt string
	maxTokens    int
}

// NewAnthropicGenerator creates a Messages client. An empty baseURL uses the SDK default.
func NewAnthropicGenerator(apiKey, baseURL, model, systemPrompt string, maxTokens int) *AnthropicGenerator {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicGenerator{
		client:       anthropic.NewClient(opts...),
		model:        model,
		systemPrompt: prompts.ForSession(systemPrompt),
		maxTokens:    maxTokens,
	}
}

// Model returns the model name.
func (g *AnthropicGenerator) Model() string { return g.model }

// Generate requests one message. Context rides in the system blocks.
func (g *AnthropicGenerator) Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	start := time.Now()

	system := []anthropic.TextBlockParam{{Text: g.systemPrompt}}
	if ragContext != "" {
		system = append(system, anthropic.TextBlockParam{Text: prompts.RAGContext(ragContext)})
	}

	rsp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(g.maxTokens),
		System:    system,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompts.Question(query))),
		},
	})
	if err != nil {
		metrics.Errors.WithLabelValues("generation", "http").Inc()
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range rsp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}

	var sr streamResult
	sr.token(text.String(), onToken)

	gen := sr.generation(g.model, start)
	gen.InputTokens = int(rsp.Usage.InputTokens)
	gen.OutputTokens = int(rsp.Usage.OutputTokens)
	gen.TotalTokens = gen.InputTokens + gen.OutputTokens
	return gen, nil
}
