// Package models manages the generation and embedding models served by a
// local Ollama instance.
package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"
)

// unloadPollInterval is how often /api/ps is polled while waiting for an unload.
const unloadPollInterval = 500 * time.Millisecond

// Catalog splits installed models by role.
type Catalog struct {
	LLM       []string `json:"llm"`
	Embedding []string `json:"embedding"`
}

// Loaded describes a model currently resident in memory.
type Loaded struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Manager talks to the Ollama model management endpoints.
type Manager struct {
	url           string
	client        *http.Client
	unloadTimeout time.Duration
}

// NewManager creates a manager for the Ollama instance at url.
func NewManager(url string) *Manager {
	return &Manager{
		url:           strings.TrimRight(url, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		unloadTimeout: 10 * time.Second,
	}
}

// List queries /api/tags. Models whose name contains "embed" are reported as
// embedding models.
func (m *Manager) List(ctx context.Context) (Catalog, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := m.do(ctx, http.MethodGet, "/api/tags", nil, &result); err != nil {
		return Catalog{}, fmt.Errorf("ollama tags: %w", err)
	}

	cat := Catalog{LLM: []string{}, Embedding: []string{}}
	for _, mod := range result.Models {
		if strings.Contains(mod.Name, "embed") {
			cat.Embedding = append(cat.Embedding, mod.Name)
			continue
		}
		cat.LLM = append(cat.LLM, mod.Name)
	}
	return cat, nil
}

// Loaded returns the models currently loaded, via /api/ps.
func (m *Manager) Loaded(ctx context.Context) ([]Loaded, error) {
	var result struct {
		Models []Loaded `json:"models"`
	}
	if err := m.do(ctx, http.MethodGet, "/api/ps", nil, &result); err != nil {
		return nil, fmt.Errorf("ollama ps: %w", err)
	}
	return result.Models, nil
}

// Preload loads model and keeps it resident.
func (m *Manager) Preload(ctx context.Context, model string) error {
	body := map[string]any{"model": model, "keep_alive": -1}
	if err := m.do(ctx, http.MethodPost, "/api/generate", body, nil); err != nil {
		return fmt.Errorf("ollama preload %s: %w", model, err)
	}
	return nil
}

// Unload asks Ollama to evict model and waits until /api/ps no longer lists
// it. A failing /api/ps poll is treated as success.
func (m *Manager) Unload(ctx context.Context, model string) error {
	body := map[string]any{"model": model, "keep_alive": 0, "stream": false}
	if err := m.do(ctx, http.MethodPost, "/api/generate", body, nil); err != nil {
		return fmt.Errorf("ollama unload %s: %w", model, err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.unloadTimeout)
	defer cancel()
	ticker := time.NewTicker(unloadPollInterval)
	defer ticker.Stop()
	for {
		loaded, err := m.Loaded(ctx)
		if err != nil {
			return nil
		}
		if !slices.ContainsFunc(loaded, func(l Loaded) bool { return l.Name == model }) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("model %s still loaded after %s", model, m.unloadTimeout)
		case <-ticker.C:
		}
	}
}

// UnloadAll evicts every loaded model.
func (m *Manager) UnloadAll(ctx context.Context) error {
	loaded, err := m.Loaded(ctx)
	if err != nil {
		return err
	}
	for _, l := range loaded {
		if err := m.Unload(ctx, l.Name); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.url+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
