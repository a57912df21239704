// Package reindex implements the ReindexRunner: scans for drift, enqueues
// reprocessing, and replays the embedding pipeline for queued documents,
// grounded in the algorithm from spec §4.6.
package reindex

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/fabfab/knowledgebase/internal/domain"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"

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

// MetadataStore is the subset of metadata.Repo the runner needs.
type MetadataStore interface {
	FindDriftCandidates(ctx context.Context, targetSchema, targetEmbedding string, staleAfterDays, limit int, tenantID string) ([]metadata.DriftCandidate, error)
	EnqueueReindex(ctx context.Context, tenantID string, documentID uuid.UUID, reason domain.ReindexReason, priority int) error
	FetchReindexQueue(ctx context.Context, limit, maxAttempts int, tenantID string) ([]metadata.ReindexWork, error)
	MarkReindexStarted(ctx context.Context, queueID int64) error
	MarkReindexSuccess(ctx context.Context, queueID int64) error
	MarkReindexFailure(ctx context.Context, queueID int64, cause string) error
	UpsertDocument(ctx context.Context, doc domain.Document) error
	UpsertChunks(ctx context.Context, tenantID string, documentID uuid.UUID, chunks []domain.Chunk, ftsConfig string) (int, error)
}

// VectorWriter is the subset of vectorstore.Store the runner needs.
type VectorWriter interface {
	UpsertEmbeddings(ctx context.Context, tenantID string, documentID uuid.UUID, embeddings []domain.Embedding) error
}

// Config holds the tunable reindex knobs from spec §6.
type Config struct {
	TargetSchemaVersion  string
	TargetEmbeddingModel string
	StaleAfterDays       int
	MaxAttempts          int
	QueuePollLimit       int
	FTSConfig            string
	MaxConcurrent        int
	DryRun               bool
}

// Summary is the batch run's result, per spec §4.6 step 5.
type Summary struct {
	Processed       int
	Failed          int
	Skipped         int
	DurationSeconds float64
}

// Runner is the ReindexRunner.
type Runner struct {
	metadataRepo MetadataStore
	vectorStore  VectorWriter
	blob         BlobFetcher
	pipeline     Embedder
	cfg          Config
	logger       zerolog.Logger
}

// New builds a reindex Runner.
func New(metadataRepo MetadataStore, vectorStore VectorWriter, blob BlobFetcher, pipeline Embedder, cfg Config, logger zerolog.Logger) *Runner {
	return &Runner{metadataRepo: metadataRepo, vectorStore: vectorStore, blob: blob, pipeline: pipeline, cfg: cfg, logger: logger}
}

// Run executes one batch: scan drift, enqueue, process pending queue items
// up to limit, bounded by MaxConcurrent in-flight items.
func (r *Runner) Run(ctx context.Context, limit int, tenantID string) (Summary, error) {
	start := time.Now()

	candidates, err := r.metadataRepo.FindDriftCandidates(ctx, r.cfg.TargetSchemaVersion, r.cfg.TargetEmbeddingModel, r.cfg.StaleAfterDays, r.cfg.QueuePollLimit, tenantID)
	if err != nil {
		return Summary{}, err
	}
	for _, c := range candidates {
		if err := r.metadataRepo.EnqueueReindex(ctx, c.TenantID, c.DocumentID, domain.ReasonDrift, 5); err != nil {
			r.logger.Error().Err(err).Str("document_id", c.DocumentID.String()).Msg("enqueue drift candidate failed")
		}
	}

	pollLimit := limit
	if r.cfg.QueuePollLimit > 0 && r.cfg.QueuePollLimit < pollLimit {
		pollLimit = r.cfg.QueuePollLimit
	}
	work, err := r.metadataRepo.FetchReindexQueue(ctx, pollLimit, r.cfg.MaxAttempts, tenantID)
	if err != nil {
		return Summary{}, err
	}
	if limit > 0 && len(work) > limit {
		work = work[:limit]
	}

	maxConcurrent := int64(r.cfg.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	var processed, failed, skipped int32
	g, gctx := errgroup.WithContext(ctx)
	for _, item := range work {
		item := item
		if r.cfg.DryRun {
			r.logger.Info().Str("document_id", item.DocumentID.String()).Str("reason", string(item.Reason)).Msg("dry run: would reindex")
			skipped++
			continue
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if procErr := r.processItem(gctx, item); procErr != nil {
				atomic.AddInt32(&failed, 1)
				return nil
			}
			atomic.AddInt32(&processed, 1)
			return nil
		})
	}
	_ = g.Wait()

	return Summary{
		Processed:       int(processed),
		Failed:          int(failed),
		Skipped:         int(skipped),
		DurationSeconds: time.Since(start).Seconds(),
	}, nil
}

// processItem runs one reindex item through mark-started -> download ->
// pipeline -> persist -> mark-success/failure.
func (r *Runner) processItem(ctx context.Context, item metadata.ReindexWork) error {
	log := logging.With(r.logger, logging.Correlation{TenantID: item.TenantID, DocumentID: item.DocumentID.String(), QueueID: item.QueueID})

	if err := r.metadataRepo.MarkReindexStarted(ctx, item.QueueID); err != nil {
		log.Error().Err(err).Msg("mark reindex started failed")
		return err
	}

	body, err := r.blob.Fetch(ctx, item.BlobURI)
	if err != nil {
		r.fail(ctx, item, err)
		return err
	}

	tmpPath, cleanup, err := spoolToTempFile(item.DocumentID.String(), body)
	if err != nil {
		r.fail(ctx, item, err)
		return err
	}
	defer cleanup()

	ingestionContext := map[string]any{"tenant_id": item.TenantID, "document_id": item.DocumentID.String()}
	outputs, err := r.pipeline.Run(ctx, tmpPath, ingestionContext, embedding.DefaultSplitConfig())
	if err != nil {
		r.fail(ctx, item, err)
		return err
	}

	chunks := embedding.ToChunks(outputs, item.DocumentID, item.TenantID, r.cfg.TargetSchemaVersion, r.cfg.TargetEmbeddingModel)
	chunkCount, err := r.metadataRepo.UpsertChunks(ctx, item.TenantID, item.DocumentID, chunks, r.cfg.FTSConfig)
	if err != nil {
		r.fail(ctx, item, err)
		return err
	}

	embeddings := embedding.ToEmbeddings(outputs, item.TenantID, item.DocumentID.String())
	if err := r.vectorStore.UpsertEmbeddings(ctx, item.TenantID, item.DocumentID, embeddings); err != nil {
		r.fail(ctx, item, err)
		return err
	}

	now := time.Now().UTC()
	if err := r.metadataRepo.UpsertDocument(ctx, domain.Document{
		DocumentID:         item.DocumentID,
		TenantID:           item.TenantID,
		Status:             domain.DocumentCompleted,
		ChunkCount:         chunkCount,
		LastIndexedAt:      &now,
		LastSchemaVersion:  r.cfg.TargetSchemaVersion,
		LastEmbeddingModel: r.cfg.TargetEmbeddingModel,
	}); err != nil {
		r.fail(ctx, item, err)
		return err
	}

	if err := r.metadataRepo.MarkReindexSuccess(ctx, item.QueueID); err != nil {
		log.Error().Err(err).Msg("mark reindex success failed")
		return err
	}
	log.Info().Int("chunk_count", chunkCount).Msg("reindex completed")
	return nil
}

func (r *Runner) fail(ctx context.Context, item metadata.ReindexWork, cause error) {
	if markErr := r.metadataRepo.MarkReindexFailure(ctx, item.QueueID, cause.Error()); markErr != nil {
		r.logger.Error().Err(markErr).Int64("queue_id", item.QueueID).Msg("mark reindex failure failed")
	}
}
