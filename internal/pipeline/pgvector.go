package pipeline

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	"github.com/pgvector/pgvector-go"
	"go.nhat.io/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"

	"github.com/hubenschmidt/finguard-observability/internal/quality"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var (
	tracedDriverOnce sync.Once
	tracedDriver     string
	tracedDriverErr  error
)

// registerTracedDriver wraps the pgx driver with otelsql once per process.
func registerTracedDriver() (string, error) {
	tracedDriverOnce.Do(func() {
		tracedDriver, tracedDriverErr = otelsql.Register("pgx",
			otelsql.TraceQueryWithoutArgs(),
			otelsql.TraceRowsClose(),
			otelsql.TraceRowsAffected(),
			otelsql.WithSystem(semconv.DBSystemPostgreSQL),
		)
	})
	return tracedDriver, tracedDriverErr
}

// PGVectorStore is a knowledge base in PostgreSQL using the pgvector extension.
type PGVectorStore struct {
	db *sql.DB
}

// OpenPGVector connects to PostgreSQL at connStr and applies pending migrations.
func OpenPGVector(ctx context.Context, connStr string) (*PGVectorStore, error) {
	driver, err := registerTracedDriver()
	if err != nil {
		return nil, fmt.Errorf("pgvector driver: %w", err)
	}
	db, err := sql.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgvector open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}
	if err = otelsql.RecordStats(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector stats: %w", err)
	}
	s := NewPGVectorStore(db)
	if err = s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	return s, nil
}

// NewPGVectorStore wraps an open database handle.
func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

// Close closes the database.
func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

// Migrate applies embedded migrations newer than the recorded schema version.
func (s *PGVectorStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := s.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Upsert writes points in one transaction.
func (s *PGVectorStore) Upsert(ctx context.Context, points []Point) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		meta, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO documents (id, content, source, metadata, embedding)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO UPDATE
			 SET content = EXCLUDED.content, source = EXCLUDED.source,
			     metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`,
			p.ID, p.Content, p.Source, meta, pgvector.NewVector(toFloat32(p.Vector)),
		)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", p.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Search ranks documents by cosine distance. Relevance is 1 - distance.
func (s *PGVectorStore) Search(ctx context.Context, vector []float64, topK int) ([]quality.Passage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content, source, metadata, 1 - (embedding <=> $1) AS score
		 FROM documents
		 ORDER BY embedding <=> $1
		 LIMIT $2`,
		pgvector.NewVector(toFloat32(vector)), topK,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var passages []quality.Passage
	for rows.Next() {
		var (
			p       quality.Passage
			source  string
			rawMeta []byte
		)
		if err = rows.Scan(&p.Content, &source, &rawMeta, &p.RelevanceScore); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		p.Metadata = map[string]any{}
		if len(rawMeta) > 0 {
			if err = json.Unmarshal(rawMeta, &p.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		p.Metadata["source"] = source
		passages = append(passages, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return passages, nil
}

// Count returns the number of stored documents.
func (s *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
