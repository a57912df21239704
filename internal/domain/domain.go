// Package domain defines the core entities shared across the ingestion,
// retrieval, and reindex subsystems.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	DocumentPending    DocumentStatus = "pending"
	DocumentProcessing DocumentStatus = "processing"
	DocumentCompleted  DocumentStatus = "completed"
	DocumentFailed     DocumentStatus = "failed"
)

// Document is a tenant-scoped uploaded artifact.
type Document struct {
	DocumentID         uuid.UUID
	TenantID           string
	Filename           string
	BlobURI            string
	Status             DocumentStatus
	ChunkCount         int
	LastError          string
	SubmittedAt        time.Time
	UpdatedAt          time.Time
	LastIndexedAt       *time.Time
	LastSchemaVersion   string
	LastEmbeddingModel  string
	ReindexAttempts     int
}

// Chunk is a content-addressed segment of a document.
type Chunk struct {
	ChunkID        uuid.UUID
	DocumentID     uuid.UUID
	TenantID       string
	ChunkIndex     int
	Content        string
	ContentHash    string
	SchemaVersion  string
	EmbeddingModel string
	SourceURI      string
	PageNumber     *int
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ComputeContentHash returns the SHA-256 hex digest of chunk text, the
// idempotency key within a tenant.
func ComputeContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Embedding is a dense vector for a chunk within a tenant namespace.
type Embedding struct {
	ChunkID  uuid.UUID
	TenantID string
	Values   []float32
	Metadata map[string]any
}

// ReindexReason classifies why a document was enqueued for reprocessing.
type ReindexReason string

const (
	ReasonDrift      ReindexReason = "drift"
	ReasonManual     ReindexReason = "manual"
	ReasonSchemaBump ReindexReason = "schema_bump"
)

// ReindexStatus is the lifecycle state of a ReindexJob.
type ReindexStatus string

const (
	ReindexPending    ReindexStatus = "pending"
	ReindexProcessing ReindexStatus = "processing"
	ReindexCompleted  ReindexStatus = "completed"
	ReindexFailed     ReindexStatus = "failed"
)

// ReindexJob is a queued reprocessing request, coalesced by
// (tenant_id, document_id, reason).
type ReindexJob struct {
	QueueID     int64
	TenantID    string
	DocumentID  uuid.UUID
	Filename    string
	BlobURI     string
	Reason      ReindexReason
	Priority    int
	Status      ReindexStatus
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
