package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OllamaEmbedder generates vector embeddings via Ollama /api/embed.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
}

// NewOllamaEmbedder creates an Ollama embedding client.
func NewOllamaEmbedder(url, model string, poolSize int) *OllamaEmbedder {
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		client: NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// Model returns the embedding model name.
func (c *OllamaEmbedder) Model() string { return c.model }

// Embed sends text to Ollama and returns the embedding vector.
func (c *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	var result ollamaEmbedResponse
	err := doJSON(ctx, c.client, http.MethodPost, c.url+"/api/embed", ollamaEmbedRequest{Model: c.model, Input: text}, &result)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, errors.New("empty embedding response")
	}
	return result.Embeddings[0], nil
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// OpenAIEmbedder generates embeddings with any OpenAI-compatible /v1/embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbedder creates an embedder. An empty baseURL uses api.openai.com.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed returns the embedding of text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	rsp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, errors.New("empty embedding response")
	}

	vec := make([]float64, len(rsp.Data[0].Embedding))
	for i, v := range rsp.Data[0].Embedding {
		vec[i] = float64(v)
	}
	return vec, nil
}
