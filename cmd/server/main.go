// Command server runs the knowledge platform's HTTP API: document upload,
// hybrid retrieval (/ask), chat generation (/chat), and the push-delivery
// ingestion endpoint (/pubsub/push).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fabfab/knowledgebase/internal/blob"
	"github.com/fabfab/knowledgebase/internal/broker"
	"github.com/fabfab/knowledgebase/internal/config"
	"github.com/fabfab/knowledgebase/internal/embedding"
	"github.com/fabfab/knowledgebase/internal/httpapi"
	"github.com/fabfab/knowledgebase/internal/ingestion"
	"github.com/fabfab/knowledgebase/internal/llm"
	"github.com/fabfab/knowledgebase/internal/logging"
	"github.com/fabfab/knowledgebase/internal/metadata"
	"github.com/fabfab/knowledgebase/internal/retrieval"
	"github.com/fabfab/knowledgebase/internal/vectorstore"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("knowledgebase-server dev build")
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(cfg.LogLevel, cfg.LogJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Broker.Addr,
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
	defer redisClient.Close()
	queue := broker.New(redisClient, cfg.Broker.QueueKey, cfg.Broker.ProcessingKey)

	llmClient := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	retrievalEngine := retrieval.New(embedProvider, vectorStore, metadataRepo, llmClient, retrieval.Config{
		DenseTopN:              cfg.Retrieval.DenseTopN,
		BM25TopM:               cfg.Retrieval.BM25TopM,
		RerankTopK:             cfg.Retrieval.RerankTopK,
		RerankerModel:          cfg.Retrieval.RerankerModel,
		RerankerTimeoutSeconds: cfg.Retrieval.RerankerTimeoutSeconds,
		FTSConfig:              cfg.Retrieval.FTSConfig,
	})

	// The HTTP API also serves as the push-delivery target for /pubsub/push,
	// reusing the same ingestion state machine the pull worker runs.
	processor := ingestion.New(queue, blobStore, pipeline, metadataRepo, vectorStore, ingestion.Config{
		SchemaVersion:  cfg.Retrieval.ChunkSchemaVersion,
		EmbeddingModel: cfg.Embedding.Model,
		FTSConfig:      cfg.Retrieval.FTSConfig,
	}, logger)

	defaultModels := append([]string{cfg.LLM.DefaultModel}, cfg.LLM.FallbackModels...)

	router := httpapi.New(httpapi.Config{
		UploadBucket:   cfg.Blob.Bucket,
		DefaultModels:  defaultModels,
		MaxInputChars:  cfg.Guardrails.MaxInputChars,
		BannedPhrases:  cfg.Guardrails.BannedPhrases,
		PIIPatterns:    cfg.Guardrails.PIIPatterns,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		AllowedOrigins: []string{"*"},
	}, blobStore, queue, processor, retrievalEngine, llmClient, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	logger.Info().Str("address", cfg.Server.Address).Msg("starting server")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	waitForShutdown(httpServer, logger)
}

func waitForShutdown(srv *http.Server, logger zerolog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("forced close failed")
		}
	}

	logger.Info().Msg("server stopped")
}
