package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knoguchi/ragengine/internal/auth"
	"github.com/knoguchi/ragengine/internal/config"
	"github.com/knoguchi/ragengine/internal/embedder"
	"github.com/knoguchi/ragengine/internal/ingestion"
	"github.com/knoguchi/ragengine/internal/jobs"
	"github.com/knoguchi/ragengine/internal/llm"
	"github.com/knoguchi/ragengine/internal/metrics"
	"github.com/knoguchi/ragengine/internal/repository/postgres"
	"github.com/knoguchi/ragengine/internal/reranker"
	"github.com/knoguchi/ragengine/internal/retrieval"
	"github.com/knoguchi/ragengine/internal/server"
	"github.com/knoguchi/ragengine/internal/service"
	"github.com/knoguchi/ragengine/internal/vectorstore"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting RAG engine",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"llm_provider", cfg.LLMProvider,
		"vector_backend", cfg.VectorBackend,
	)

	// PostgreSQL holds documents, chunks, the keyword index and by default vectors
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	base, closeEmbedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}
	defer closeEmbedder()
	dimension := base.Dimension()
	slog.Info("initialized embedder", "kind", cfg.EmbedderKind, "model", base.ModelName(), "dimension", dimension)

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, dimension); err != nil {
			return err
		}
		slog.Info("schema migrated")
	}

	documentRepo := postgres.NewDocumentRepo(db)
	chunkRepo := postgres.NewChunkRepo(db)

	queryEmbedder, err := embedder.NewCached(base, cfg.EmbeddingCacheSize)
	if err != nil {
		return fmt.Errorf("failed to create embedding cache: %w", err)
	}
	defer queryEmbedder.Close()

	var (
		vectorSearcher retrieval.VectorSearcher = chunkRepo
		indexerOpts                             = []ingestion.IndexerOption{
			ingestion.WithBatchSize(cfg.EmbedBatchSize),
			ingestion.WithLogger(logger),
		}
	)
	if cfg.VectorBackend == config.VectorBackendQdrant {
		qdrant, err := vectorstore.NewQdrantStore(cfg.QdrantGRPCURL, cfg.QdrantCollection)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		defer qdrant.Close()
		if err := qdrant.EnsureCollection(ctx, dimension); err != nil {
			return err
		}
		vectorSearcher = qdrant
		indexerOpts = append(indexerOpts, ingestion.WithVectorStore(qdrant))
		slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)
	}

	retriever := retrieval.NewHybridRetriever(queryEmbedder, vectorSearcher, chunkRepo,
		retrieval.WithSignalTimeout(cfg.Retrieval.SignalTimeout),
		retrieval.WithRRFK(cfg.Retrieval.RRFK),
		retrieval.WithLogger(logger),
	)

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	provider, err := llm.NewProvider(cfg, llmClient, logger)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	slog.Info("initialized LLM provider", "provider", provider.Name())

	var scorer reranker.Scorer
	switch cfg.ScorerKind {
	case config.ScorerLLM:
		scorer = reranker.NewLLMScorer(llmClient)
	default:
		scorer = reranker.NewHTTPScorer(cfg.RerankerURL, cfg.RerankerModel)
	}
	rr := reranker.NewCrossEncoder(scorer,
		reranker.WithTimeout(cfg.Retrieval.RerankTimeout),
		reranker.WithLogger(logger),
	)

	engine := service.NewEngine(retriever, rr, provider, cfg.Retrieval, service.WithLogger(logger))

	m := metrics.New()

	jobStore, closeStore, err := newJobStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()
	queue, err := jobs.NewQueue(jobStore,
		jobs.WithWorkers(cfg.JobWorkers),
		jobs.WithStateHook(m.JobTransition),
		jobs.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}

	indexer, err := ingestion.NewIndexer(
		ingestion.NewChunker(cfg.ChunkMaxWords, cfg.ChunkOverlap),
		base, documentRepo, indexerOpts...,
	)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}
	defer indexer.Release()
	ingest := service.NewIngestService(queue, indexer)

	authn := newAuthenticator(cfg, logger)
	if !authn.Enabled() {
		slog.Warn("authentication disabled: no API keys or JWT secret configured")
	}

	grpcServer, err := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: logger,
		Ready:  db,
		Auth:   authn,
	})
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
		Engine:         engine,
		Ingest:         ingest,
		Stats:          documentRepo,
		Ready:          db,
		Metrics:        m,
		Auth:           authn,
		Defaults: server.QueryDefaults{
			MultiQuery: cfg.Retrieval.MultiQueryEnabled,
			HyDE:       cfg.Retrieval.HyDEEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 2)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errCh:
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		slog.Error("failed to drain ingestion jobs", "error", err)
	}

	slog.Info("servers stopped")
	return runErr
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// newEmbedder builds the document embedder selected by EMBEDDER.
func newEmbedder(cfg *config.Config) (embedder.Embedder, func(), error) {
	switch cfg.EmbedderKind {
	case config.EmbedderHugot:
		e, err := embedder.NewHugotEmbedder(cfg.HugotModelPath, cfg.EmbeddingDimension)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load hugot model: %w", err)
		}
		return e, func() {
			if err := e.Close(); err != nil {
				slog.Warn("failed to close hugot session", "error", err)
			}
		}, nil
	default:
		return embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL:   cfg.OllamaURL,
			Model:     cfg.OllamaEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
			BatchSize: cfg.EmbedBatchSize,
		}), func() {}, nil
	}
}

// newJobStore builds the job read model selected by JOB_STORE.
func newJobStore(ctx context.Context, cfg *config.Config, db *postgres.DB) (jobs.Store, func(), error) {
	switch cfg.JobStore {
	case config.JobStoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("job state in Redis")
		return jobs.NewRedisStore(client, jobs.DefaultRedisTTL), func() { _ = client.Close() }, nil
	case config.JobStoreMemory:
		return jobs.NewMemoryStore(), func() {}, nil
	default:
		return postgres.NewJobRepo(db), func() {}, nil
	}
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) *auth.Authenticator {
	opts := []auth.Option{auth.WithLogger(logger)}
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		opts = append(opts, auth.WithJWT(auth.NewJWTManager(jwtCfg)))
	}
	return auth.NewAuthenticator(cfg.APIKeys, cfg.AdminAPIKey, opts...)
}
