package orchestrator

import (
	"context"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// BackendStatus is the probed state of a backend.
type BackendStatus string

const (
	StatusHealthy   BackendStatus = "healthy"
	StatusUnhealthy BackendStatus = "unhealthy"
	StatusUnknown   BackendStatus = "unknown"
)

// BackendMeta holds static metadata for a backend the service depends on.
type BackendMeta struct {
	Category  string // "llm", "embedding", "vector_store", "cache"
	HealthURL string // URL to probe for readiness; empty means not probed
}

// BackendInfo is the reported state of one backend.
type BackendInfo struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Status   BackendStatus `json:"status"`
}

// Registry lists the backends reported by the health endpoint.
type Registry struct {
	backends map[string]BackendMeta
	client   *http.Client
}

// NewRegistry creates a registry from a map of backend metadata.
func NewRegistry(backends map[string]BackendMeta) *Registry {
	if backends == nil {
		backends = make(map[string]BackendMeta)
	}
	return &Registry{backends: backends, client: &http.Client{Timeout: 3 * time.Second}}
}

// Lookup returns metadata for a backend, or false if not registered.
func (r *Registry) Lookup(name string) (BackendMeta, bool) {
	m, ok := r.backends[name]
	return m, ok
}

// Names returns all registered backend names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// StatusAll probes every backend concurrently and returns results in name order.
func (r *Registry) StatusAll(ctx context.Context) []BackendInfo {
	names := r.Names()
	results := make([]BackendInfo, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		meta := r.backends[name]
		g.Go(func() error {
			results[i] = BackendInfo{Name: name, Category: meta.Category, Status: r.probe(gctx, meta.HealthURL)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Healthy reports whether no probed backend is unhealthy.
func Healthy(infos []BackendInfo) bool {
	for _, info := range infos {
		if info.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

func (r *Registry) probe(ctx context.Context, url string) BackendStatus {
	if url == "" {
		return StatusUnknown
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StatusUnhealthy
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return StatusUnhealthy
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StatusUnhealthy
	}
	return StatusHealthy
}
