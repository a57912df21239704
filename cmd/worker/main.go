// Command worker runs the pull-subscription ingestion worker: it dequeues
// ingestion jobs from the broker and drives them through the embedding
// pipeline, polling the queue until the process is signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fabfab/knowledgebase/internal/blob"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/config"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/ingestion"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	metadataRepo, err := metadata.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect metadata store")
	}
	defer metadataRepo.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	vectorStore, err := vectorstore.New(ctx, cfg.VectorDB.URL, cfg.VectorDB.MaxConnections, cfg.VectorDB.Dimension)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect vector store")
	}
	defer vectorStore.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	blobStore, err := blob.NewS3Store(ctx, blob.Config{
		Region:       cfg.Blob.Region,
		Endpoint:     cfg.Blob.Endpoint,
		UsePathStyle: cfg.Blob.UsePathStyle,
		AccessKey:    cfg.Blob.AccessKey,
		SecretKey:    cfg.Blob.SecretKey,
	}, nil)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure blob store")
	}

	embedProvider := embedding.NewOpenAIProvider(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	pipeline := embedding.New(embedProvider, 0)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	defer redisClient.Close()
	queue := broker.New(redisClient, cfg.Broker.QueueKey, cfg.Broker.ProcessingKey)

	worker := ingestion.New(queue, blobStore, pipeline, metadataRepo, vectorStore, ingestion.Config{
		SchemaVersion:  cfg.Retrieval.ChunkSchemaVersion,
		EmbeddingModel: cfg.Embedding.Model,
		FTSConfig:      cfg.Retrieval.FTSConfig,
		MaxConcurrent:  cfg.Broker.MaxMessages,
	}, logger)

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("queue", cfg.Broker.QueueKey).Msg("starting ingestion worker")
	if err := worker.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("ingestion worker stopped with error")
	}
	logger.Info().Msg("ingestion worker stopped")
}
