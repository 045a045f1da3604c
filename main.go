package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	ingestfeature "refsearch/features/ingest"
	"refsearch/features/mcp"
	"refsearch/features/stats"
	"refsearch/internal/adapter/extractor"
	"refsearch/internal/adapter/gemini"
	wstore "refsearch/internal/adapter/weaviate"
	"refsearch/internal/adapter/zotero"
	"refsearch/internal/config"
	"refsearch/internal/ingest"
	"refsearch/internal/middleware"
	"refsearch/internal/retrieval"
	"refsearch/internal/retry"
	"refsearch/internal/text"
	"refsearch/internal/vector"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Weaviate Connection & Schema
	wCfg := weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	}
	wClient, err := weaviate.NewClient(wCfg)
	if err != nil {
		slog.Error("failed to create weaviate client", "error", err)
		os.Exit(1)
	}

	schemaClient := vector.NewClientAdapter(wClient)
	bootstrapDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	for i := 0; i < cfg.BootstrapRetryAttempts; i++ {
		if err = vector.EnsureSchema(context.Background(), schemaClient); err == nil {
			slog.Info("weaviate schema ensured")
			break
		}
		slog.Warn("failed to ensure weaviate schema, retrying...", "attempt", i+1, "error", err)
		time.Sleep(bootstrapDelay)
	}
	if err != nil {
		slog.Error("failed to ensure weaviate schema after retries", "error", err)
		os.Exit(1)
	}

	// 3. Adapters
	store := wstore.NewStore(wClient, cfg.EmbeddingModel, cfg.EmbeddingDim)
	embedder := gemini.NewEmbedder(cfg.GeminiAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.EmbedRateRPS)
	defer embedder.Close()
	provider := zotero.NewClient(cfg.ZoteroLibraryID, cfg.ZoteroAPIKey)
	pdfExtractor := extractor.NewClient(cfg.ExtractorURL)

	policy := retry.NewPolicy(cfg.RetryAttempts, time.Duration(cfg.RetryBaseDelayMs)*time.Millisecond)

	// 4. Ingestion Pipeline
	pipeline := ingest.NewPipeline(provider, pdfExtractor, embedder, store, policy, ingest.Config{
		Strategy:       ingest.Strategy(cfg.DedupStrategy),
		Concurrency:    cfg.IngestionConcurrency,
		BatchSize:      cfg.UpsertBatchSize,
		MaxRecords:     cfg.MaxRecords,
		ChunkOpts:      text.Options{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap},
		EmbeddingModel: cfg.EmbeddingModel,
	})
	ingestHandler := ingestfeature.NewHandler(pipeline)

	// 5. Retrieval & MCP
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}

	retrievalService := retrieval.NewService(store, embedder, policy, queryLogger)
	mcpHandler := mcp.NewHandler(retrievalService, cfg.EmbeddingModel, cfg.EmbeddingDim)
	statsHandler := stats.NewHandler(retrievalService)

	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	http.Handle("/mcp", middleware.CorrelationID(mcpHandler)) // plain POST endpoint
	http.Handle("GET /mcp/sse", middleware.CorrelationID(enableCORS(mcpHandler.HandleSSE)))
	http.Handle("POST /mcp/messages", middleware.CorrelationID(enableCORS(mcpHandler.HandleMessage)))

	http.Handle("POST /ingest/runs", middleware.CorrelationID(enableCORS(ingestHandler.StartRun)))
	http.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	slog.Info("server starting", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
