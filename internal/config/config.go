// Package config loads runtime configuration for the knowledge platform.
// It layers an optional YAML file with environment variable overrides
// (nested keys joined by "__", mirroring the source system's
// pydantic-settings env_nested_delimiter), following the shape of
// DocumentProcessingSettings / RetrievalSettings / ReindexSettings /
// GuardrailSettings from the original implementation.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully resolved application configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	VectorDB   VectorDBConfig
	Broker     BrokerConfig
	Blob       BlobConfig
	Embedding  EmbeddingConfig
	LLM        LLMConfig
	Retrieval  RetrievalConfig
	Reindex    ReindexConfig
	Guardrails GuardrailConfig
	LogLevel   string
	LogJSON    bool
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address string
}

// DatabaseConfig is the relational metadata store connection.
type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

// VectorDBConfig is the dense index connection. It points at the same
// Postgres+pgvector instance as DatabaseConfig by default.
type VectorDBConfig struct {
	URL            string
	MaxConnections int
	Dimension      int
}

// BrokerConfig configures the ingestion message broker: a Redis-backed
// reliable list queue standing in for the pull-subscription model.
type BrokerConfig struct {
	Addr                 string
	Password             string
	DB                   int
	QueueKey             string
	ProcessingKey        string
	MaxMessages          int
	VisibilityTTLSeconds int
}

// BlobConfig configures the blob store blackbox collaborator.
type BlobConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// EmbeddingConfig holds the embedding provider settings and the spec §6
// "Processing" knobs. ChunkSize and ChunkOverlap are loaded and validated
// here only: the ingestion worker and the reindex runner split documents
// with embedding.DefaultSplitConfig (1000/200), which a message's
// chunk_config can override for ingestion, and do not read these fields.
type EmbeddingConfig struct {
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	Dimension    int
	ChunkSize    int
	ChunkOverlap int
}

// LLMConfig controls chat/generation and reranking behavior.
type LLMConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	DefaultModel   string
	FallbackModels []string
	Temperature    float64
	MaxTokens      int
}

// RetrievalConfig is the "Retrieval" knob group from spec §6.
type RetrievalConfig struct {
	DenseTopN              int
	BM25TopM               int
	RerankTopK             int
	RerankerModel          string
	RerankerTimeoutSeconds int
	FTSConfig              string
	ChunkSchemaVersion     string
}

// ReindexConfig is the "Reindex" knob group from spec §6.
type ReindexConfig struct {
	BatchSize       int
	MaxDocuments    int
	StaleAfterDays  int
	MaxAttempts     int
	QueuePollLimit  int
	SoftTimeoutSecs int
}

// GuardrailConfig is the "Guardrails" knob group from spec §6.
type GuardrailConfig struct {
	MaxInputChars int
	BannedPhrases []string
	PIIPatterns   []string
}

// Load reads configuration from an optional YAML file (configPath, may be
// empty) and the environment, applying defaults, and validates bounds.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	setDefaults(v)

	v.SetEnvPrefix("KB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		LogLevel: v.GetString("log.level"),
		LogJSON:  v.GetBool("log.json"),
		Server: ServerConfig{
			Address: v.GetString("server.address"),
		},
		Database: DatabaseConfig{
			URL:            v.GetString("database.url"),
			MaxConnections: v.GetInt("database.max_connections"),
		},
		VectorDB: VectorDBConfig{
			URL:            v.GetString("vectordb.url"),
			MaxConnections: v.GetInt("vectordb.max_connections"),
			Dimension:      v.GetInt("vectordb.dimension"),
		},
		Broker: BrokerConfig{
			Addr:                 v.GetString("broker.addr"),
			Password:             v.GetString("broker.password"),
			DB:                   v.GetInt("broker.db"),
			QueueKey:             v.GetString("broker.queue_key"),
			ProcessingKey:        v.GetString("broker.processing_key"),
			MaxMessages:          v.GetInt("broker.max_messages"),
			VisibilityTTLSeconds: v.GetInt("broker.visibility_ttl_seconds"),
		},
		Blob: BlobConfig{
			Bucket:       v.GetString("blob.bucket"),
			Region:       v.GetString("blob.region"),
			Endpoint:     v.GetString("blob.endpoint"),
			UsePathStyle: v.GetBool("blob.use_path_style"),
			AccessKey:    v.GetString("blob.access_key"),
			SecretKey:    v.GetString("blob.secret_key"),
		},
		Embedding: EmbeddingConfig{
			Provider:     v.GetString("embedding.provider"),
			Model:        v.GetString("embedding.model"),
			APIKey:       v.GetString("embedding.api_key"),
			BaseURL:      v.GetString("embedding.base_url"),
			Dimension:    v.GetInt("embedding.dimension"),
			ChunkSize:    v.GetInt("embedding.chunk_size"),
			ChunkOverlap: v.GetInt("embedding.chunk_overlap"),
		},
		LLM: LLMConfig{
			Provider:       v.GetString("llm.provider"),
			APIKey:         v.GetString("llm.api_key"),
			BaseURL:        v.GetString("llm.base_url"),
			DefaultModel:   v.GetString("llm.default_model"),
			FallbackModels: v.GetStringSlice("llm.fallback_models"),
			Temperature:    v.GetFloat64("llm.temperature"),
			MaxTokens:      v.GetInt("llm.max_tokens"),
		},
		Retrieval: RetrievalConfig{
			DenseTopN:              v.GetInt("retrieval.dense_top_n"),
			BM25TopM:               v.GetInt("retrieval.bm25_top_m"),
			RerankTopK:             v.GetInt("retrieval.rerank_top_k"),
			RerankerModel:          v.GetString("retrieval.reranker_model"),
			RerankerTimeoutSeconds: v.GetInt("retrieval.reranker_timeout_seconds"),
			FTSConfig:              v.GetString("retrieval.fts_config"),
			ChunkSchemaVersion:     v.GetString("retrieval.chunk_schema_version"),
		},
		Reindex: ReindexConfig{
			BatchSize:       v.GetInt("reindex.batch_size"),
			MaxDocuments:    v.GetInt("reindex.max_documents"),
			StaleAfterDays:  v.GetInt("reindex.stale_after_days"),
			MaxAttempts:     v.GetInt("reindex.max_attempts"),
			QueuePollLimit:  v.GetInt("reindex.queue_poll_limit"),
			SoftTimeoutSecs: v.GetInt("reindex.soft_timeout_seconds"),
		},
		Guardrails: GuardrailConfig{
			MaxInputChars: v.GetInt("guardrails.max_input_chars"),
			BannedPhrases: v.GetStringSlice("guardrails.banned_phrases"),
			PIIPatterns:   v.GetStringSlice("guardrails.pii_patterns"),
		},
	}
	if cfg.VectorDB.URL == "" {
		cfg.VectorDB.URL = cfg.Database.URL
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("database.url", "postgres://kb:kb@localhost:5432/knowledgebase?sslmode=disable")
	v.SetDefault("database.max_connections", 5)

	v.SetDefault("vectordb.max_connections", 5)
	v.SetDefault("vectordb.dimension", 1536)

	v.SetDefault("broker.addr", "localhost:6379")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.queue_key", "kb:ingest:queue")
	v.SetDefault("broker.processing_key", "kb:ingest:processing")
	v.SetDefault("broker.max_messages", 5)
	v.SetDefault("broker.visibility_ttl_seconds", 300)

	v.SetDefault("blob.bucket", "knowledgebase-documents")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.use_path_style", false)

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.chunk_size", 1000)
	v.SetDefault("embedding.chunk_overlap", 200)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.default_model", "gpt-4o-mini")
	v.SetDefault("llm.fallback_models", []string{"gpt-4o-mini"})
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 800)

	v.SetDefault("retrieval.dense_top_n", 20)
	v.SetDefault("retrieval.bm25_top_m", 20)
	v.SetDefault("retrieval.rerank_top_k", 8)
	v.SetDefault("retrieval.reranker_model", "gpt-4o-mini")
	v.SetDefault("retrieval.reranker_timeout_seconds", 10)
	v.SetDefault("retrieval.fts_config", "english")
	v.SetDefault("retrieval.chunk_schema_version", "2024-09-24")

	v.SetDefault("reindex.batch_size", 25)
	v.SetDefault("reindex.max_documents", 200)
	v.SetDefault("reindex.stale_after_days", 30)
	v.SetDefault("reindex.max_attempts", 3)
	v.SetDefault("reindex.queue_poll_limit", 200)
	v.SetDefault("reindex.soft_timeout_seconds", 600)

	v.SetDefault("guardrails.max_input_chars", 6000)
	v.SetDefault("guardrails.banned_phrases", []string{
		"ignore previous instructions",
		"disregard above",
		"you are now",
		"system override",
		"forget prior",
	})
	v.SetDefault("guardrails.pii_patterns", []string{
		`\b\d{3}-\d{2}-\d{4}\b`,                         // SSN
		`\b(?:\d[ -]*?){13,16}\b`,                       // credit-card-like digit run
		`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`,              // phone number
		`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`, // email
	})
}

func validate(cfg Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url must not be empty")
	}
	if cfg.Embedding.ChunkOverlap >= cfg.Embedding.ChunkSize {
		return fmt.Errorf("embedding.chunk_overlap (%d) must be less than chunk_size (%d)", cfg.Embedding.ChunkOverlap, cfg.Embedding.ChunkSize)
	}
	if cfg.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if cfg.Retrieval.DenseTopN <= 0 || cfg.Retrieval.BM25TopM <= 0 || cfg.Retrieval.RerankTopK <= 0 {
		return fmt.Errorf("retrieval top-n/top-m/top-k must be positive")
	}
	if cfg.Reindex.MaxAttempts <= 0 {
		return fmt.Errorf("reindex.max_attempts must be positive")
	}
	if cfg.Broker.MaxMessages <= 0 {
		return fmt.Errorf("broker.max_messages must be positive")
	}
	return nil
}
