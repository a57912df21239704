// Package vectorstore implements the per-tenant namespaced dense index on
// top of Postgres + pgvector, generalized from the teacher's
// conversation-scoped embedding store.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/domain"
)

// Hit is a dense-search result: a chunk id, its similarity score, and the
// metadata stored alongside its vector.
type Hit struct {
	ChunkID  uuid.UUID
	Score    float32
	Metadata map[string]any
}

// Store persists and queries embeddings via Postgres + pgvector.
type Store struct {
	pool      *pgxpool.Pool
	dimension int
}

// New connects to Postgres and ensures the vector extension, table, and
// approximate index exist.
func New(ctx context.Context, dsn string, maxConns, dimension int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperr.Fatal("config_error", "parse vector database url", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Fatal("config_error", "connect vector database", err)
	}

	store := &Store{pool: pool, dimension: dimension}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases pooled connections.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunk_embeddings (
	chunk_id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	document_id UUID NOT NULL,
	embedding vector(%[1]d) NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS chunk_embeddings_tenant_idx ON chunk_embeddings (tenant_id);

-- Create the IVF index if it is missing. This is idempotent because we guard it.
DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1
		FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'chunk_embeddings_vector_idx'
	) THEN
		EXECUTE 'CREATE INDEX chunk_embeddings_vector_idx ON chunk_embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(statements, s.dimension))
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// IVF requires an approximate index; if it fails (e.g. insufficient
		// rows), we ignore and continue, same tolerance as the teacher.
		err = nil
	}
	if err != nil {
		return apperr.Fatal("config_error", "bootstrap vector schema", err)
	}
	return nil
}

// UpsertEmbeddings writes vectors under the tenant namespace, keyed by
// chunk_id. Idempotent: re-upserting the same chunk_id replaces its vector
// and metadata rather than duplicating the row.
func (s *Store) UpsertEmbeddings(ctx context.Context, tenantID string, documentID uuid.UUID, embeddings []domain.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Transient("begin embedding upsert transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range embeddings {
		if len(e.Values) != s.dimension {
			return apperr.Permanent(apperr.CodeEmbeddingConfigError,
				fmt.Sprintf("embedding dimension mismatch: expected %d got %d", s.dimension, len(e.Values)), nil)
		}
		metaJSON, err := marshalMetadata(e.Metadata)
		if err != nil {
			return apperr.Permanent(apperr.CodeValidationError, "encode embedding metadata", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO chunk_embeddings (chunk_id, tenant_id, document_id, embedding, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
	tenant_id   = EXCLUDED.tenant_id,
	document_id = EXCLUDED.document_id,
	embedding   = EXCLUDED.embedding,
	metadata    = EXCLUDED.metadata,
	updated_at  = NOW()
`, e.ChunkID, tenantID, documentID, pgvector.NewVector(e.Values), metaJSON); err != nil {
			return apperr.Transient("upsert embedding", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Transient("commit embedding upsert transaction", err)
	}
	return nil
}

// DenseSearch returns the top_k nearest chunks by cosine similarity within
// the tenant namespace. Scores are comparable across candidates from this
// call only, not calibrated across calls. A tenant with no rows yields an
// empty result, not an error.
func (s *Store) DenseSearch(ctx context.Context, tenantID string, vector []float32, topK int) ([]Hit, error) {
	if len(vector) != s.dimension {
		return nil, apperr.Permanent(apperr.CodeEmbeddingConfigError,
			fmt.Sprintf("query embedding dimension mismatch: expected %d got %d", s.dimension, len(vector)), nil)
	}

	rows, err := s.pool.Query(ctx, `
SELECT chunk_id, metadata, 1 - (embedding <=> $1) AS score
FROM chunk_embeddings
WHERE tenant_id = $2
ORDER BY embedding <=> $1
LIMIT $3
`, pgvector.NewVector(vector), tenantID, topK)
	if err != nil {
		return nil, apperr.Transient("dense search query", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var metaJSON []byte
		if err := rows.Scan(&h.ChunkID, &metaJSON, &h.Score); err != nil {
			return nil, apperr.Transient("scan dense hit", err)
		}
		h.Metadata = unmarshalMetadata(metaJSON)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate dense hits", err)
	}
	return hits, nil
}

// DeleteDocument removes all embeddings belonging to a document within a
// tenant namespace. The ingestion worker and reindex runner do not call it.
func (s *Store) DeleteDocument(ctx context.Context, tenantID string, documentID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM chunk_embeddings WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return apperr.Transient("delete document embeddings", err)
	}
	return nil
}
