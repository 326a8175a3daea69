package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

// QdrantStore is a knowledge base backed by one Qdrant collection over REST.
type QdrantStore struct {
	url            string
	collection     string
	scoreThreshold float64
	client         *http.Client
}

// NewQdrantStore creates a Qdrant REST client bound to collection.
func NewQdrantStore(url, collection string, scoreThreshold float64, poolSize int) *QdrantStore {
	return &QdrantStore{
		url:            url,
		collection:     collection,
		scoreThreshold: scoreThreshold,
		client:         NewPooledHTTPClient(poolSize, 30*time.Second),
	}
}

// EnsureCollection creates the collection if it doesn't already exist.
func (q *QdrantStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	body := qdrantCreateCollection{Vectors: qdrantVectorConfig{Size: vectorSize, Distance: "Cosine"}}
	err := doJSON(ctx, q.client, http.MethodPut, q.collectionURL(""), body, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	return nil
}

// Upsert inserts or updates points. Content and source land in the payload.
func (q *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	req := qdrantUpsertRequest{Points: make([]qdrantPoint, len(points))}
	for i, p := range points {
		payload := make(map[string]any, len(p.Metadata)+2)
		for k, v := range p.Metadata {
			payload[k] = v
		}
		payload["text"] = p.Content
		payload["source"] = p.Source
		req.Points[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: payload}
	}
	if err := doJSON(ctx, q.client, http.MethodPut, q.collectionURL("/points"), req, nil); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Search finds nearest neighbors. Qdrant's cosine score is the relevance.
func (q *QdrantStore) Search(ctx context.Context, vector []float64, topK int) ([]quality.Passage, error) {
	req := qdrantSearchRequest{
		Vector:         vector,
		Limit:          topK,
		ScoreThreshold: q.scoreThreshold,
		WithPayload:    true,
	}
	var result qdrantSearchResponse
	if err := doJSON(ctx, q.client, http.MethodPost, q.collectionURL("/points/search"), req, &result); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	passages := make([]quality.Passage, 0, len(result.Result))
	for _, hit := range result.Result {
		text, _ := hit.Payload["text"].(string)
		meta := make(map[string]any, len(hit.Payload))
		for k, v := range hit.Payload {
			if k != "text" {
				meta[k] = v
			}
		}
		passages = append(passages, quality.Passage{Content: text, RelevanceScore: hit.Score, Metadata: meta})
	}
	return passages, nil
}

// Count returns the number of points in the collection.
func (q *QdrantStore) Count(ctx context.Context) (int, error) {
	var result qdrantCollectionInfo
	if err := doJSON(ctx, q.client, http.MethodGet, q.collectionURL(""), nil, &result); err != nil {
		return 0, fmt.Errorf("collection info: %w", err)
	}
	return result.Result.PointsCount, nil
}

func (q *QdrantStore) collectionURL(suffix string) string {
	return q.url + "/collections/" + q.collection + suffix
}

type qdrantCreateCollection struct {
	Vectors qdrantVectorConfig `json:"vectors"`
}

type qdrantVectorConfig struct {
	Size     int    `json:"size"`
	Distance string `json:"distance"`
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float64      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type qdrantUpsertRequest struct {
	Points []qdrantPoint `json:"points"`
}

type qdrantSearchRequest struct {
	Vector         []float64 `json:"vector"`
	Limit          int       `json:"limit"`
	ScoreThreshold float64   `json:"score_threshold,omitempty"`
	WithPayload    bool      `json:"with_payload"`
}

type qdrantHit struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

type qdrantSearchResponse struct {
	Result []qdrantHit `json:"result"`
}

type qdrantCollectionInfo struct {
	Result struct {
		PointsCount int `json:"points_count"`
	} `json:"result"`
}
