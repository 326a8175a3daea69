package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Upsert(context.Context, []Point) error { return errors.New("disk full") }

func TestIndexer_IndexFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.md")
	require.NoError(t, os.WriteFile(path, []byte(policyDoc), 0o644))

	store := NewMemoryStore()
	ix := NewIndexer(&countingEmbedder{vec: []float64{1, 0}}, store, IndexerConfig{Concurrency: 2}, nil)

	res := ix.IndexFile(context.Background(), path)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.ChunksCreated)
	assert.Equal(t, path, res.Source)
	assert.GreaterOrEqual(t, res.TotalTimeMs, 0.0)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.Search(context.Background(), []float64{1, 0}, 5)
	require.NoError(t, err)
	for _, p := range got {
		assert.Equal(t, path, p.Metadata["source"])
		assert.Contains(t, p.Metadata, "chunk_id")
	}

	// re-indexing overwrites instead of duplicating
	res = ix.IndexFile(context.Background(), path)
	require.True(t, res.Success)
	n, _ = store.Count(context.Background())
	assert.Equal(t, 2, n)
}

func TestIndexer_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		ix := NewIndexer(&countingEmbedder{vec: []float64{1}}, NewMemoryStore(), IndexerConfig{}, nil)
		res := ix.IndexFile(ctx, filepath.Join(t.TempDir(), "nope.md"))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "read document")
		assert.Zero(t, res.ChunksCreated)
	})
	t.Run("no chunks", func(t *testing.T) {
		ix := NewIndexer(&countingEmbedder{vec: []float64{1}}, NewMemoryStore(), IndexerConfig{}, nil)
		res := ix.IndexText(ctx, "empty.md", "## tiny")
		assert.False(t, res.Success)
		assert.Equal(t, "no chunks produced", res.Error)
	})
	t.Run("embed error", func(t *testing.T) {
		ix := NewIndexer(&countingEmbedder{err: errors.New("ollama down")}, NewMemoryStore(), IndexerConfig{RatePerSecond: 100}, nil)
		res := ix.IndexText(ctx, "p.md", policyDoc)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "ollama down")
	})
	t.Run("empty vector", func(t *testing.T) {
		ix := NewIndexer(&countingEmbedder{vec: nil}, NewMemoryStore(), IndexerConfig{}, nil)
		res := ix.IndexText(ctx, "p.md", policyDoc)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "empty vector")
	})
	t.Run("store error", func(t *testing.T) {
		ix := NewIndexer(&countingEmbedder{vec: []float64{1}}, failingWriter{}, IndexerConfig{}, nil)
		res := ix.IndexText(ctx, "p.md", policyDoc)
		assert.False(t, res.Success)
		assert.Equal(t, "disk full", res.Error)
	})
}

func TestIndexer_IndexDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.md"), []byte(policyDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte(policyDoc), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.json"), []byte(`{}`), 0o644))

	ix := NewIndexer(&countingEmbedder{vec: []float64{1}}, NewMemoryStore(), IndexerConfig{}, nil)
	results, err := ix.IndexDir(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, filepath.Join(dir, "a.txt"), results[0].Source)
	assert.Equal(t, filepath.Join(dir, "b.md"), results[1].Source)

	_, err = ix.IndexDir(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestChunkID_Stable(t *testing.T) {
	assert.Equal(t, ChunkID("a.md", 1), ChunkID("a.md", 1))
	assert.NotEqual(t, ChunkID("a.md", 1), ChunkID("a.md", 2))
	assert.NotEqual(t, ChunkID("a.md", 1), ChunkID("b.md", 1))
}
