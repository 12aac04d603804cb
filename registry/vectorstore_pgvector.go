package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mcpgate/gateway/api"
)

// PgVectorStore is a VectorStore backed by PostgreSQL with the pgvector
// extension, using cosine distance (the <=> operator) for nearest-neighbour
// search over an HNSW index.
type PgVectorStore struct {
	pool *pgxpool.Pool
}

// NewPgVectorStore connects to dsn, registers pgvector's wire types on every
// new connection, and runs the tool_embeddings migration.
func NewPgVectorStore(ctx context.Context, dsn string, dimensions int) (*PgVectorStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: pgvector store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: pgvector store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: pgvector store: ping: %w", err)
	}
	if err := migratePgVectorStore(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("registry: pgvector store: migrate: %w", err)
	}
	return &PgVectorStore{pool: pool}, nil
}

func migratePgVectorStore(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tool_embeddings (
			tool_id    TEXT PRIMARY KEY,
			embedding  vector(%d) NOT NULL
		)`, dimensions),
		"CREATE INDEX IF NOT EXISTS tool_embeddings_hnsw ON tool_embeddings USING hnsw (embedding vector_cosine_ops)",
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PgVectorStore) Close() { s.pool.Close() }

// Upsert implements VectorStore.
func (s *PgVectorStore) Upsert(ctx context.Context, id api.ToolID, vector []float32) error {
	const q = `
		INSERT INTO tool_embeddings (tool_id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (tool_id) DO UPDATE SET embedding = EXCLUDED.embedding`
	_, err := s.pool.Exec(ctx, q, string(id), pgvector.NewVector(vector))
	if err != nil {
		return fmt.Errorf("registry: pgvector store: upsert %s: %w", id, err)
	}
	return nil
}

// Delete implements VectorStore.
func (s *PgVectorStore) Delete(ctx context.Context, id api.ToolID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tool_embeddings WHERE tool_id = $1`, string(id))
	if err != nil {
		return fmt.Errorf("registry: pgvector store: delete %s: %w", id, err)
	}
	return nil
}

// Query implements VectorStore, returning the topK nearest tools by cosine
// distance, converted to a similarity score (1 - distance).
func (s *PgVectorStore) Query(ctx context.Context, vector []float32, topK int) ([]ScoredID, error) {
	const q = `
		SELECT tool_id, embedding <=> $1 AS distance
		FROM   tool_embeddings
		ORDER  BY distance
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("registry: pgvector store: query: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredID, error) {
		var toolID string
		var distance float64
		if err := row.Scan(&toolID, &distance); err != nil {
			return ScoredID{}, err
		}
		return ScoredID{ID: api.ToolID(toolID), Similarity: 1 - distance}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: pgvector store: scan rows: %w", err)
	}
	return results, nil
}
