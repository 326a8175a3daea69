package pipeline

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGVectorStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPGVectorStore(db), mock
}

func TestPGVectorStore_MigrateAppliesPending(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS schema_version`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), -1) FROM schema_version`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS documents_source_idx`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_version (version) VALUES ($1)`)).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_MigrateUpToDate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_version`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_Upsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("p1", "Refunds post in 5 days.", "refunds.md", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Upsert(context.Background(), []Point{{
		ID: "p1", Vector: []float64{0.1, 0.2}, Content: "Refunds post in 5 days.", Source: "refunds.md",
		Metadata: map[string]any{"chunk_id": 0},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_UpsertRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO documents`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.Upsert(context.Background(), []Point{{ID: "p1", Vector: []float64{1}}})
	require.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_Search(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"content", "source", "metadata", "score"}).
		AddRow("Refunds post in 5 days.", "refunds.md", []byte(`{"chunk_id":0}`), 0.88).
		AddRow("Disputes take 10 days.", "disputes.md", []byte(nil), 0.61)
	mock.ExpectQuery(`SELECT content, source, metadata, 1 - \(embedding <=> \$1\) AS score`).
		WithArgs(sqlmock.AnyArg(), 2).
		WillReturnRows(rows)

	passages, err := s.Search(context.Background(), []float64{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, passages, 2)
	assert.Equal(t, "Refunds post in 5 days.", passages[0].Content)
	assert.Equal(t, 0.88, passages[0].RelevanceScore)
	assert.Equal(t, "refunds.md", passages[0].Metadata["source"])
	assert.EqualValues(t, 0, passages[0].Metadata["chunk_id"])
	assert.Equal(t, "disputes.md", passages[1].Metadata["source"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGVectorStore_Count(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM documents`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}
