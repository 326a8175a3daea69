package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
	"github.com/hubenschmidt/finguard-observability/internal/prompts"
)

// AgentGenerator streams answers through the openai-agents-go runner. The
// stream carries no usage, so token counts are estimated with a TokenCounter.
type AgentGenerator struct {
	provider     agents.ModelProvider
	model        string
	systemPrompt string
	maxTokens    int
	counter      *TokenCounter
}

// NewAgentGenerator creates a single-turn agent generator over provider.
func NewAgentGenerator(provider agents.ModelProvider, model, systemPrompt string, maxTokens int, counter *TokenCounter) *AgentGenerator {
	if counter == nil {
		counter = NewTokenCounter("", nil)
	}
	return &AgentGenerator{
		provider:     provider,
		model:        model,
		systemPrompt: prompts.ForSession(systemPrompt),
		maxTokens:    maxTokens,
		counter:      counter,
	}
}

// Model returns the model name.
func (a *AgentGenerator) Model() string { return a.model }

// Generate runs one agent turn and streams output text deltas.
func (a *AgentGenerator) Generate(ctx context.Context, query, ragContext string, onToken TokenCallback) (*Generation, error) {
	instructions := a.systemPrompt
	if ragContext != "" {
		instructions += "\n\n" + prompts.RAGContext(ragContext)
	}
	input := prompts.Question(query)

	agent := agents.New("finguard-support").
		WithInstructions(instructions).
		WithModel(a.model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   a.provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	start := time.Now()

	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		metrics.Errors.WithLabelValues("generation", "stream").Inc()
		return nil, fmt.Errorf("agent stream start: %w", err)
	}

	var sr streamResult
	for ev := range events {
		handleStreamEvent(ev, &sr, onToken)
	}
	if streamErr := <-errCh; streamErr != nil {
		metrics.Errors.WithLabelValues("generation", "stream").Inc()
		return nil, fmt.Errorf("agent stream: %w", streamErr)
	}

	gen := sr.generation(a.model, start)
	gen.InputTokens = a.counter.Count(instructions) + a.counter.Count(input)
	gen.OutputTokens = a.counter.Count(gen.Text)
	gen.TotalTokens = gen.InputTokens + gen.OutputTokens
	return gen, nil
}

func handleStreamEvent(ev agents.StreamEvent, sr *streamResult, onToken TokenCallback) {
	raw, ok := ev.(agents.RawResponsesStreamEvent)
	if !ok {
		return
	}
	if raw.Data.Type != "response.output_text.delta" {
		return
	}
	sr.token(raw.Data.Delta, onToken)
}
