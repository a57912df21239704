// Command reindex runs one batch of the drift-scan-and-reprocess job: it
// scans for documents whose chunk schema or embedding model has fallen
// behind the configured target, enqueues them, and replays the embedding
// pipeline for queued work up to a batch limit. Intended to be invoked
// periodically (cron, k8s CronJob) rather than run as a long-lived process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fabfab/knowledgebase/internal/blob"
	"github.com/fabfab/knowledgebase/internal/config"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/reindex"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
)

func main() {
	var configPath, tenantID string
	var dryRun bool
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&tenantID, "tenant", "", "restrict this batch to a single tenant (empty means all tenants)")
	flag.BoolVar(&dryRun, "dry-run", false, "log what would be reindexed without reprocessing it (drift candidates are still enqueued)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Reindex.SoftTimeoutSecs)*time.Second)
	defer cancel()

	metadataRepo, err := metadata.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect metadata store")
	}
	defer metadataRepo.Close()

	vectorStore, err := vectorstore.New(ctx, cfg.VectorDB.URL, cfg.VectorDB.MaxConnections, cfg.VectorDB.Dimension)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect vector store")
	}
	defer vectorStore.Close()

	blobStore, err := blob.NewS3Store(ctx, blob.Config{
		Region:       cfg.Blob.Region,
		Endpoint:     cfg.Blob.Endpoint,
		UsePathStyle: cfg.Blob.UsePathStyle,
		AccessKey:    cfg.Blob.AccessKey,
		SecretKey:    cfg.Blob.SecretKey,
	}, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure blob store")
	}

	embedProvider := embedding.NewOpenAIProvider(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	pipeline := embedding.New(embedProvider, 0)

	runner := reindex.New(metadataRepo, vectorStore, blobStore, pipeline, reindex.Config{
		TargetSchemaVersion:  cfg.Retrieval.ChunkSchemaVersion,
		TargetEmbeddingModel: cfg.Embedding.Model,
		StaleAfterDays:       cfg.Reindex.StaleAfterDays,
		MaxAttempts:          cfg.Reindex.MaxAttempts,
		QueuePollLimit:       cfg.Reindex.QueuePollLimit,
		FTSConfig:            cfg.Retrieval.FTSConfig,
		MaxConcurrent:        cfg.Reindex.BatchSize,
		DryRun:               dryRun,
	}, logger)

	summary, err := runner.Run(ctx, cfg.Reindex.MaxDocuments, tenantID)
	if err != nil {
		logger.Fatal().Err(err).Msg("reindex batch failed")
	}

	logger.Info().
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Float64("duration_seconds", summary.DurationSeconds).
		Msg("reindex batch completed")

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
