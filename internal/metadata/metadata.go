// Package metadata implements the relational store for documents, chunks,
// and the reindex queue, plus lexical (full-text) search. It generalizes
// the teacher's vectorstore.Store schema-bootstrap pattern to a richer,
// tenant-scoped schema.
package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/domain"
)

// Repo is the relational metadata store, backed by pgxpool.Pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and ensures the metadata schema exists.
func New(ctx context.Context, dsn string, maxConns int) (*Repo, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperr.Fatal("config_error", "parse database url", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperr.Fatal("config_error", "connect metadata database", err)
	}

	repo := &Repo{pool: pool}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases pooled connections.
func (r *Repo) Close() { r.pool.Close() }

func (r *Repo) ensureSchema(ctx context.Context) error {
	const statements = `
CREATE TABLE IF NOT EXISTS documents (
	document_id UUID PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	filename TEXT NOT NULL,
	blob_uri TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	chunk_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_indexed_at TIMESTAMPTZ,
	last_schema_version TEXT NOT NULL DEFAULT '',
	last_embedding_model TEXT NOT NULL DEFAULT '',
	reindex_attempts INT NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS documents_tenant_idx ON documents (tenant_id);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id UUID PRIMARY KEY,
	document_id UUID NOT NULL,
	tenant_id TEXT NOT NULL,
	chunk_index INT NOT NULL,
	content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	schema_version TEXT NOT NULL,
	embedding_model TEXT NOT NULL,
	source_uri TEXT NOT NULL DEFAULT '',
	page_number INT,
	metadata JSONB NOT NULL DEFAULT '{}',
	search_vector tsvector NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, content_hash)
);

CREATE INDEX IF NOT EXISTS chunks_tenant_idx ON chunks (tenant_id);
CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_id);
CREATE INDEX IF NOT EXISTS chunks_search_vector_idx ON chunks USING GIN (search_vector);

CREATE TABLE IF NOT EXISTS reindex_queue (
	queue_id BIGSERIAL PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	document_id UUID NOT NULL,
	reason TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, document_id, reason)
);

CREATE INDEX IF NOT EXISTS reindex_queue_tenant_idx ON reindex_queue (tenant_id);
`
	_, err := r.pool.Exec(ctx, statements)
	if err != nil {
		return apperr.Fatal("config_error", "bootstrap metadata schema", err)
	}
	return nil
}

// UpsertDocument inserts or updates a document by document_id. Only
// non-zero-value fields participate in the COALESCE so a partial update
// (e.g. status-only) keeps unrelated columns; last_error is the exception
// and is always overwritten, so an update without an error clears it.
func (r *Repo) UpsertDocument(ctx context.Context, doc domain.Document) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO documents (document_id, tenant_id, filename, blob_uri, status, chunk_count,
	last_error, submitted_at, updated_at, last_indexed_at, last_schema_version,
	last_embedding_model, reindex_attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9, $10, $11, $12)
ON CONFLICT (document_id) DO UPDATE SET
	filename             = COALESCE(NULLIF(EXCLUDED.filename, ''), documents.filename),
	blob_uri             = COALESCE(NULLIF(EXCLUDED.blob_uri, ''), documents.blob_uri),
	status               = COALESCE(NULLIF(EXCLUDED.status, ''), documents.status),
	chunk_count          = CASE WHEN EXCLUDED.chunk_count > 0 THEN EXCLUDED.chunk_count ELSE documents.chunk_count END,
	last_error           = EXCLUDED.last_error,
	updated_at           = NOW(),
	last_indexed_at      = COALESCE(EXCLUDED.last_indexed_at, documents.last_indexed_at),
	last_schema_version  = COALESCE(NULLIF(EXCLUDED.last_schema_version, ''), documents.last_schema_version),
	last_embedding_model = COALESCE(NULLIF(EXCLUDED.last_embedding_model, ''), documents.last_embedding_model),
	reindex_attempts     = CASE WHEN EXCLUDED.reindex_attempts > 0 THEN EXCLUDED.reindex_attempts ELSE documents.reindex_attempts END
`,
		doc.DocumentID, doc.TenantID, doc.Filename, doc.BlobURI, string(doc.Status), doc.ChunkCount,
		doc.LastError, doc.SubmittedAt, doc.LastIndexedAt, doc.LastSchemaVersion,
		doc.LastEmbeddingModel, doc.ReindexAttempts,
	)
	if err != nil {
		return classifyWriteErr(err, "upsert document")
	}
	return nil
}

// UpsertChunks batch-upserts chunks for a document, replacing content,
// metadata, and the derived FTS vector on conflict by
// (tenant_id, content_hash). Returns the number of rows written.
func (r *Repo) UpsertChunks(ctx context.Context, tenantID string, documentID uuid.UUID, chunks []domain.Chunk, ftsConfig string) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, apperr.Transient("begin chunk upsert transaction", err)
	}
	defer tx.Rollback(ctx)

	for _, c := range chunks {
		metaJSON, err := marshalMetadata(c.Metadata)
		if err != nil {
			return 0, apperr.Permanent(apperr.CodeValidationError, "encode chunk metadata", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO chunks (chunk_id, document_id, tenant_id, chunk_index, content, content_hash,
	schema_version, embedding_model, source_uri, page_number, metadata, search_vector,
	created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, to_tsvector($12::regconfig, $5), NOW(), NOW())
ON CONFLICT (tenant_id, content_hash) DO UPDATE SET
	chunk_id        = EXCLUDED.chunk_id,
	document_id     = EXCLUDED.document_id,
	chunk_index     = EXCLUDED.chunk_index,
	content         = EXCLUDED.content,
	schema_version  = EXCLUDED.schema_version,
	embedding_model = EXCLUDED.embedding_model,
	source_uri      = EXCLUDED.source_uri,
	page_number     = EXCLUDED.page_number,
	metadata        = EXCLUDED.metadata,
	search_vector   = EXCLUDED.search_vector,
	updated_at      = NOW()
`,
			c.ChunkID, documentID, tenantID, c.ChunkIndex, c.Content, c.ContentHash,
			c.SchemaVersion, c.EmbeddingModel, c.SourceURI, c.PageNumber, metaJSON, ftsConfig,
		); err != nil {
			return 0, classifyWriteErr(err, "upsert chunk")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, apperr.Transient("commit chunk upsert transaction", err)
	}
	return len(chunks), nil
}

// LexicalHit is a row returned by SearchLexical.
type LexicalHit struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Content    string
	PageNumber *int
	SourceURI  string
	Metadata   map[string]any
	Rank       float64
}

// SearchLexical returns chunks matching query via full-text search, ranked
// highest-first, ties broken by chunk_id for deterministic ordering.
func (r *Repo) SearchLexical(ctx context.Context, tenantID, query string, limit int, ftsConfig string) ([]LexicalHit, error) {
	rows, err := r.pool.Query(ctx, `
SELECT chunk_id, document_id, content, page_number, source_uri, metadata,
	ts_rank(search_vector, websearch_to_tsquery($2::regconfig, $3)) AS rank
FROM chunks
WHERE tenant_id = $1
	AND search_vector @@ websearch_to_tsquery($2::regconfig, $3)
ORDER BY rank DESC, chunk_id ASC
LIMIT $4
`, tenantID, ftsConfig, query, limit)
	if err != nil {
		return nil, apperr.Transient("lexical search query", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var h LexicalHit
		var metaJSON []byte
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Content, &h.PageNumber, &h.SourceURI, &metaJSON, &h.Rank); err != nil {
			return nil, apperr.Transient("scan lexical hit", err)
		}
		h.Metadata = unmarshalMetadata(metaJSON)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate lexical hits", err)
	}
	return hits, nil
}

// FetchChunksByIDs hydrates a set of chunk IDs, scoped to tenant_id.
func (r *Repo) FetchChunksByIDs(ctx context.Context, tenantID string, chunkIDs []uuid.UUID) ([]domain.Chunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT chunk_id, document_id, tenant_id, chunk_index, content, content_hash,
	schema_version, embedding_model, source_uri, page_number, metadata, created_at, updated_at
FROM chunks
WHERE tenant_id = $1 AND chunk_id = ANY($2)
`, tenantID, chunkIDs)
	if err != nil {
		return nil, apperr.Transient("fetch chunks by id", err)
	}
	defer rows.Close()

	var out []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var metaJSON []byte
		if err := rows.Scan(&c.ChunkID, &c.DocumentID, &c.TenantID, &c.ChunkIndex, &c.Content, &c.ContentHash,
			&c.SchemaVersion, &c.EmbeddingModel, &c.SourceURI, &c.PageNumber, &metaJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apperr.Transient("scan chunk", err)
		}
		c.Metadata = unmarshalMetadata(metaJSON)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate chunks", err)
	}
	return out, nil
}

// EnqueueReindex inserts or coalesces a reindex request for
// (tenant_id, document_id, reason): idempotent, resets status to pending
// and clears any prior error rather than creating a duplicate row.
func (r *Repo) EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason domain.ReindexReason, priority int) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO reindex_queue (tenant_id, document_id, reason, priority, status, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, 'pending', 0, '', NOW(), NOW())
ON CONFLICT (tenant_id, document_id, reason) DO UPDATE SET
	priority   = GREATEST(reindex_queue.priority, EXCLUDED.priority),
	status     = 'pending',
	last_error = '',
	updated_at = NOW()
`, tenantID, documentID, string(reason), priority)
	if err != nil {
		return classifyWriteErr(err, "enqueue reindex")
	}
	return nil
}

// ReindexWork is a reindex queue row joined with document metadata needed
// to drive a reprocessing run.
type ReindexWork struct {
	domain.ReindexJob
}

// FetchReindexQueue returns pending work with attempts < maxAttempts,
// ordered by priority DESC, created_at ASC (ties FIFO). tenantID filters
// to a single tenant when non-empty.
func (r *Repo) FetchReindexQueue(ctx context.Context, limit, maxAttempts int, tenantID string) ([]ReindexWork, error) {
	query := `
SELECT q.queue_id, q.tenant_id, q.document_id, d.filename, d.blob_uri, q.reason, q.priority,
	q.status, q.attempts, q.last_error, q.created_at, q.updated_at
FROM reindex_queue q
JOIN documents d ON d.document_id = q.document_id AND d.tenant_id = q.tenant_id
WHERE q.status = 'pending' AND q.attempts < $1`
	args := []any{maxAttempts}
	if tenantID != "" {
		query += " AND q.tenant_id = $2"
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(" ORDER BY q.priority DESC, q.created_at ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient("fetch reindex queue", err)
	}
	defer rows.Close()

	var out []ReindexWork
	for rows.Next() {
		var w ReindexWork
		var reason, status string
		if err := rows.Scan(&w.QueueID, &w.TenantID, &w.DocumentID, &w.Filename, &w.BlobURI, &reason, &w.Priority,
			&status, &w.Attempts, &w.LastError, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, apperr.Transient("scan reindex work", err)
		}
		w.Reason = domain.ReindexReason(reason)
		w.Status = domain.ReindexStatus(status)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate reindex queue", err)
	}
	return out, nil
}

// MarkReindexStarted atomically increments attempts and sets processing.
func (r *Repo) MarkReindexStarted(ctx context.Context, queueID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE reindex_queue SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
WHERE queue_id = $1
`, queueID)
	if err != nil {
		return classifyWriteErr(err, "mark reindex started")
	}
	return nil
}

// MarkReindexSuccess transitions a queue row to completed.
func (r *Repo) MarkReindexSuccess(ctx context.Context, queueID int64) error {
	_, err := r.pool.Exec(ctx, `
UPDATE reindex_queue SET status = 'completed', last_error = '', updated_at = NOW()
WHERE queue_id = $1
`, queueID)
	if err != nil {
		return classifyWriteErr(err, "mark reindex success")
	}
	return nil
}

// MarkReindexFailure transitions a queue row to failed, recording the error.
func (r *Repo) MarkReindexFailure(ctx context.Context, queueID int64, cause string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE reindex_queue SET status = 'failed', last_error = $2, updated_at = NOW()
WHERE queue_id = $1
`, queueID, cause)
	if err != nil {
		return classifyWriteErr(err, "mark reindex failure")
	}
	return nil
}

// DriftCandidate identifies a document whose index no longer matches the
// target schema/embedding generation, or has gone stale.
type DriftCandidate struct {
	TenantID   string
	DocumentID uuid.UUID
	Filename   string
	BlobURI    string
	UpdatedAt  time.Time
}

// FindDriftCandidates returns documents needing reindex: schema or
// embedding model mismatch at the document or chunk level, or staleness
// beyond staleAfterDays. Ordered by updated_at DESC.
func (r *Repo) FindDriftCandidates(ctx context.Context, targetSchema, targetEmbedding string, staleAfterDays, limit int, tenantID string) ([]DriftCandidate, error) {
	query := `
SELECT DISTINCT d.tenant_id, d.document_id, d.filename, d.blob_uri, d.updated_at
FROM documents d
WHERE (
	d.last_schema_version <> $1
	OR d.last_embedding_model <> $2
	OR d.last_indexed_at IS NULL
	OR d.last_indexed_at < NOW() - ($3 || ' days')::interval
	OR EXISTS (
		SELECT 1 FROM chunks c
		WHERE c.document_id = d.document_id AND c.tenant_id = d.tenant_id
			AND (c.schema_version <> $1 OR c.embedding_model <> $2)
	)
)`
	args := []any{targetSchema, targetEmbedding, staleAfterDays}
	if tenantID != "" {
		query += " AND d.tenant_id = $4"
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(" ORDER BY d.updated_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Transient("find drift candidates", err)
	}
	defer rows.Close()

	var out []DriftCandidate
	for rows.Next() {
		var d DriftCandidate
		if err := rows.Scan(&d.TenantID, &d.DocumentID, &d.Filename, &d.BlobURI, &d.UpdatedAt); err != nil {
			return nil, apperr.Transient("scan drift candidate", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("iterate drift candidates", err)
	}
	return out, nil
}

// classifyWriteErr maps a pgx write error to the apperr taxonomy:
// constraint violations are permanent, everything else transient.
func classifyWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLSTATE 23") { // integrity constraint violation class
		return apperr.Permanent(apperr.CodeValidationError, op, err)
	}
	if err == pgx.ErrNoRows {
		return apperr.Permanent(apperr.CodeValidationError, op, err)
	}
	return apperr.Transient(op, err)
}
