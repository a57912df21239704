// Package ingestion implements the IngestionWorker: consumes an ingestion
// message, orchestrates EmbeddingPipeline/MetadataRepo/VectorStore, and
// manages document status and failure classification, grounded in the
// original PubSubIngestionWorker's processing steps and error taxonomy.
package ingestion

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fabfab/knowledgebase/internal/apperr"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/vectorstore"

	"github.com/rs/zerolog"
)

// BlobFetcher downloads document bytes by URI.
type BlobFetcher interface {
	Fetch(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Embedder produces embedded chunks from a local file path.
type Embedder interface {
	Run(ctx context.Context, path string, ingestionContext map[string]any, cfg embedding.SplitConfig) ([]embedding.Output, error)
}

// MetadataWriter is the subset of MetadataRepo the worker needs.
type MetadataWriter interface {
	UpsertDocument(ctx context.Context, doc domain.Document) error
	UpsertChunks(ctx context.Context, tenantID string, documentID uuid.UUID, chunks []domain.Chunk, ftsConfig string) (int, error)
}

// VectorWriter is the subset of VectorStore the worker needs.
type VectorWriter interface {
	UpsertEmbeddings(ctx context.Context, tenantID string, documentID uuid.UUID, embeddings []domain.Embedding) error
}

// Worker consumes ingestion jobs from a broker.Queue and drives them
// through the embed/persist/index pipeline.
type Worker struct {
	queue          *broker.Queue
	blob           BlobFetcher
	pipeline       Embedder
	metadataRepo   MetadataWriter
	vectorStore    VectorWriter
	schemaVersion  string
	embeddingModel string
	ftsConfig      string
	maxConcurrent  int64
	logger         zerolog.Logger
}

// Config configures a Worker.
type Config struct {
	SchemaVersion  string
	EmbeddingModel string
	FTSConfig      string
	MaxConcurrent  int
}

// New builds an ingestion Worker.
func New(queue *broker.Queue, blob BlobFetcher, pipeline Embedder, metadataRepo MetadataWriter, vectorStore VectorWriter, cfg Config, logger zerolog.Logger) *Worker {
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Worker{
		queue:          queue,
		blob:           blob,
		pipeline:       pipeline,
		metadataRepo:   metadataRepo,
		vectorStore:    vectorStore,
		schemaVersion:  cfg.SchemaVersion,
		embeddingModel: cfg.EmbeddingModel,
		ftsConfig:      cfg.FTSConfig,
		maxConcurrent:  maxConcurrent,
		logger:         logger,
	}
}

// Run polls the queue until ctx is cancelled, processing up to
// maxConcurrent messages concurrently. It returns once all in-flight
// messages have drained after cancellation.
func (w *Worker) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(w.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			// Drain in-flight work before returning.
			_ = sem.Acquire(context.Background(), w.maxConcurrent)
			return nil
		default:
		}

		delivery, err := w.queue.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				_ = sem.Acquire(context.Background(), w.maxConcurrent)
				return nil
			}
			if delivery != nil {
				// A malformed payload can never decode successfully on
				// redelivery, so ack it here rather than leaving it stuck
				// in the processing list (broker.Queue.Dequeue's contract).
				w.logger.Error().Err(err).Msg("dequeue decode failed, acking malformed delivery")
				w.failMalformedDelivery(ctx, delivery, err)
				continue
			}
			w.logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		if delivery == nil {
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			_ = sem.Acquire(context.Background(), w.maxConcurrent)
			return nil
		}
		go func(d *broker.Delivery) {
			defer sem.Release(1)
			w.handleDelivery(ctx, d)
		}(delivery)
	}
}

// handleDelivery processes a single dequeued message, acking on permanent
// outcomes (success or permanent error) and nacking on transient failure so
// the broker redelivers it.
func (w *Worker) handleDelivery(ctx context.Context, d *broker.Delivery) {
	log := logging.With(w.logger, logging.Correlation{
		RequestID:  d.Job.RequestID,
		TenantID:   d.Job.TenantID,
		DocumentID: d.Job.DocumentID,
	})

	err := w.ProcessJob(ctx, d.Job, log)
	switch {
	case err == nil:
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed")
		}
	case apperr.IsPermanent(err):
		log.Error().Err(err).Msg("permanent ingestion failure")
		if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
			log.Error().Err(ackErr).Msg("ack failed after permanent error")
		}
	default:
		log.Warn().Err(err).Msg("transient ingestion failure, nacking")
		if nackErr := w.queue.Nack(ctx, d); nackErr != nil {
			log.Error().Err(nackErr).Msg("nack failed")
		}
	}
}

// ProcessJob runs the full state machine for one message:
// received -> validated -> downloaded -> embedded -> persisted -> ack.
// It marks the document's status accordingly and returns the terminal
// error (nil on success), classified as permanent or transient per
// spec §4.4.
func (w *Worker) ProcessJob(ctx context.Context, job broker.Job, log zerolog.Logger) error {
	if err := job.Validate(); err != nil {
		return err
	}

	docID, err := uuid.Parse(job.DocumentID)
	if err != nil {
		return apperr.Permanent(apperr.CodeValidationError, "document_id is not a valid uuid", err)
	}

	if err := w.metadataRepo.UpsertDocument(ctx, domain.Document{
		DocumentID:  docID,
		TenantID:    job.TenantID,
		Filename:    job.Filename,
		BlobURI:     job.BlobURI,
		Status:      domain.DocumentProcessing,
		SubmittedAt: job.SubmittedAt,
	}); err != nil {
		return err
	}

	tmpPath, cleanup, err := w.downloadToTempFile(ctx, job)
	if err != nil {
		w.markFailed(ctx, docID, job, err)
		return err
	}
	defer cleanup()

	cfg := embedding.DefaultSplitConfig()
	if job.ChunkConfig != nil {
		if job.ChunkConfig.Size > 0 {
			cfg.ChunkSize = job.ChunkConfig.Size
		}
		cfg.ChunkOverlap = job.ChunkConfig.Overlap
	}

	ingestionContext := map[string]any{
		"tenant_id":   job.TenantID,
		"document_id": job.DocumentID,
		"request_id":  job.RequestID,
	}

	outputs, err := w.pipeline.Run(ctx, tmpPath, ingestionContext, cfg)
	if err != nil {
		w.markFailed(ctx, docID, job, err)
		return err
	}

	chunks := embedding.ToChunks(outputs, docID, job.TenantID, w.schemaVersion, w.embeddingModel)
	chunkCount, err := w.metadataRepo.UpsertChunks(ctx, job.TenantID, docID, chunks, w.ftsConfig)
	if err != nil {
		w.markFailed(ctx, docID, job, err)
		return err
	}

	embeddings := embedding.ToEmbeddings(outputs, job.TenantID, job.DocumentID)
	if err := w.vectorStore.UpsertEmbeddings(ctx, job.TenantID, docID, embeddings); err != nil {
		w.markFailed(ctx, docID, job, err)
		return err
	}

	now := time.Now().UTC()
	if err := w.metadataRepo.UpsertDocument(ctx, domain.Document{
		DocumentID:         docID,
		TenantID:           job.TenantID,
		Status:             domain.DocumentCompleted,
		ChunkCount:         chunkCount,
		LastIndexedAt:      &now,
		LastSchemaVersion:  w.schemaVersion,
		LastEmbeddingModel: w.embeddingModel,
	}); err != nil {
		return err
	}

	log.Info().Int("chunk_count", chunkCount).Msg("ingestion completed")
	return nil
}

// failMalformedDelivery acks a delivery whose payload could not be decoded
// into a valid Job and, when a document ID is still recoverable, marks the
// document failed so it is not left in a processing state forever.
func (w *Worker) failMalformedDelivery(ctx context.Context, d *broker.Delivery, cause error) {
	if ackErr := w.queue.Ack(ctx, d); ackErr != nil {
		w.logger.Error().Err(ackErr).Msg("ack failed for malformed delivery")
	}
	if docID, parseErr := uuid.Parse(d.Job.DocumentID); parseErr == nil {
		w.markFailed(ctx, docID, d.Job, cause)
	}
}

func (w *Worker) markFailed(ctx context.Context, docID uuid.UUID, job broker.Job, cause error) {
	_ = w.metadataRepo.UpsertDocument(ctx, domain.Document{
		DocumentID: docID,
		TenantID:   job.TenantID,
		Status:     domain.DocumentFailed,
		LastError:  cause.Error(),
	})
}

// downloadToTempFile fetches the blob to a scoped temporary file, returning
// a cleanup func that removes it on every exit path.
func (w *Worker) downloadToTempFile(ctx context.Context, job broker.Job) (string, func(), error) {
	body, err := w.blob.Fetch(ctx, job.BlobURI)
	if err != nil {
		return "", func() {}, err
	}
	defer body.Close()

	tmp, err := os.CreateTemp("", fmt.Sprintf("kb-ingest-%s-*.pdf", job.DocumentID))
	if err != nil {
		return "", func() {}, apperr.Transient("create temp file", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		cleanup()
		return "", func() {}, apperr.Transient("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", func() {}, apperr.Transient("close temp file", err)
	}
	return tmp.Name(), cleanup, nil
}

// ensure interfaces are satisfied by the concrete packages at compile time.
var (
	_ MetadataWriter = (*metadata.Repo)(nil)
	_ VectorWriter   = (*vectorstore.Store)(nil)
)
