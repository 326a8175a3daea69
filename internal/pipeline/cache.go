package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hubenschmidt/finguard-observability/internal/metrics"
)

const embeddingKeyPrefix = "finguard:emb:"

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// CachedEmbedder memoizes another Embedder in redis, keyed by model and a
// hash of the text. Cache failures fall through to the wrapped embedder.
type CachedEmbedder struct {
	next   Embedder
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedEmbedder wraps next. A zero ttl keeps entries until evicted.
func NewCachedEmbedder(next Embedder, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEmbedder{
		next:   next,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

// Model returns the wrapped embedder's model name.
func (c *CachedEmbedder) Model() string { return ModelName(c.next) }

// Embed returns the cached vector for text or computes and stores it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vec, _, err := c.EmbedCached(ctx, text)
	return vec, err
}

// EmbedCached is Embed that also reports whether the vector came from cache.
func (c *CachedEmbedder) EmbedCached(ctx context.Context, text string) ([]float64, bool, error) {
	key := c.key(text)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var vec []float64
		if jsonErr := json.Unmarshal(raw, &vec); jsonErr == nil && len(vec) > 0 {
			metrics.EmbeddingCache.WithLabelValues("hit").Inc()
			return vec, true, nil
		}
		c.logger.Warn("embedding cache entry corrupt", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("embedding cache read", zap.Error(err))
	}
	metrics.EmbeddingCache.WithLabelValues("miss").Inc()

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, false, err
	}

	if encoded, jsonErr := json.Marshal(vec); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.logger.Warn("embedding cache write", zap.Error(setErr))
		}
	}
	return vec, false, nil
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return embeddingKeyPrefix + c.Model() + ":" + hex.EncodeToString(sum[:])
}
