package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

// Dedup strategy names accepted by DEDUP_STRATEGY.
const (
	StrategyRecordID    = "record_id"
	StrategyContentHash = "content_hash"
	StrategyBoth        = "both"
)

type Config struct {
	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	GeminiAPIKey   string  `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel string  `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`
	EmbeddingDim   int     `envconfig:"EMBEDDING_DIM" default:"3072"`
	EmbedRateRPS   float64 `envconfig:"EMBED_RATE_RPS" default:"5"`

	ZoteroAPIKey    string `envconfig:"ZOTERO_API_KEY"`
	ZoteroLibraryID string `envconfig:"ZOTERO_LIBRARY_ID"`
	ExtractorURL    string `envconfig:"EXTRACTOR_URL" default:"http://extractor:8000"`

	ChunkSize    int `envconfig:"CHUNK_SIZE" default:"1000"`
	ChunkOverlap int `envconfig:"CHUNK_OVERLAP" default:"250"`

	DedupStrategy        string `envconfig:"DEDUP_STRATEGY" default:"record_id"`
	IngestionConcurrency int    `envconfig:"INGESTION_CONCURRENCY" default:"8"`
	UpsertBatchSize      int    `envconfig:"UPSERT_BATCH_SIZE" default:"50"`
	MaxRecords           int    `envconfig:"MAX_RECORDS" default:"0"` // 0 = no cap

	RetryAttempts    int `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelayMs int `envconfig:"RETRY_BASE_DELAY_MS" default:"500"`

	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell instead; a missing .env is not an error.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.WeaviateHost == "" {
		return fmt.Errorf("%w: WEAVIATE_HOST", ErrMissingRequired)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: EMBEDDING_MODEL", ErrMissingRequired)
	}
	switch c.DedupStrategy {
	case StrategyRecordID, StrategyContentHash, StrategyBoth:
	default:
		return fmt.Errorf("invalid DEDUP_STRATEGY %q: must be one of record_id, content_hash, both", c.DedupStrategy)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.ChunkOverlap, c.ChunkSize)
	}
	if c.IngestionConcurrency < 1 {
		return fmt.Errorf("INGESTION_CONCURRENCY must be at least 1")
	}
	if c.UpsertBatchSize < 1 {
		return fmt.Errorf("UPSERT_BATCH_SIZE must be at least 1")
	}
	return nil
}
