package pipeline

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

// MemoryStore is an in-process knowledge base ranked by cosine similarity.
type MemoryStore struct {
	mu     sync.RWMutex
	points []Point
	index  map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Upsert inserts points, replacing any with the same ID.
func (m *MemoryStore) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if i, ok := m.index[p.ID]; ok {
			m.points[i] = p
			continue
		}
		m.index[p.ID] = len(m.points)
		m.points = append(m.points, p)
	}
	return nil
}

// Search returns the topK most similar points. Negative similarities score 0.
func (m *MemoryStore) Search(_ context.Context, vector []float64, topK int) ([]quality.Passage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		p     Point
		score float64
	}
	hits := make([]scored, 0, len(m.points))
	for _, p := range m.points {
		hits = append(hits, scored{p: p, score: math.Max(cosine(vector, p.Vector), 0)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if topK >= 0 && len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]quality.Passage, len(hits))
	for i, h := range hits {
		meta := map[string]any{"source": h.p.Source}
		for k, v := range h.p.Metadata {
			meta[k] = v
		}
		out[i] = quality.Passage{Content: h.p.Content, RelevanceScore: h.score, Metadata: meta}
	}
	return out, nil
}

// Count returns the number of stored points.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
