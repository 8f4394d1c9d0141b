package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adaptrag/server/internal/adaptor"
	"github.com/adaptrag/server/internal/auth"
	"github.com/adaptrag/server/internal/config"
	"github.com/adaptrag/server/internal/crossencoder"
	"github.com/adaptrag/server/internal/embedder"
	"github.com/adaptrag/server/internal/expander"
	"github.com/adaptrag/server/internal/feedback"
	"github.com/adaptrag/server/internal/llm"
	"github.com/adaptrag/server/internal/repository"
	"github.com/adaptrag/server/internal/repository/memory"
	"github.com/adaptrag/server/internal/repository/postgres"
	"github.com/adaptrag/server/internal/reranker"
	"github.com/adaptrag/server/internal/retriever"
	"github.com/adaptrag/server/internal/retryutil"
	"github.com/adaptrag/server/internal/server"
	"github.com/adaptrag/server/internal/service"
	"github.com/adaptrag/server/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting adaptive retrieval service",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"model_provider", cfg.ModelProvider,
	)

	// Initialize persistence: PostgreSQL when configured, in-memory otherwise
	var (
		feedbackRepo   repository.FeedbackRepository
		adaptorRepo    repository.AdaptorRepository
		readinessCheck func(ctx context.Context) error
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
		feedbackRepo = postgres.NewFeedbackRepo(db)
		adaptorRepo = postgres.NewAdaptorRepo(db)
		readinessCheck = db.Pool.Ping
		slog.Info("connected to PostgreSQL")
	} else {
		feedbackRepo = memory.NewFeedbackRepo()
		adaptorRepo = memory.NewAdaptorRepo()
		slog.Warn("DATABASE_URL not set, feedback and adaptor state will not survive restarts")
	}

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("failed to ensure collection: %w", err)
	}
	slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)

	// Initialize embedder and LLM for the configured provider
	var (
		embed     embedder.Embedder
		llmClient llm.LLM
		llmModel  string
	)
	switch cfg.ModelProvider {
	case "openai":
		embed = embedder.NewOpenAIEmbedder(embedder.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.OpenAIEmbeddingModel,
			Dimension: cfg.EmbeddingDimension,
		})
		llmClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, llm.WithOpenAIModel(cfg.OpenAILLMModel))
		llmModel = cfg.OpenAILLMModel
	case "ollama":
		embed = embedder.NewOllamaEmbedder(embedder.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaEmbeddingModel,
		})
		llmClient = llm.NewOllamaClient(llm.WithBaseURL(cfg.OllamaURL), llm.WithModel(cfg.OllamaLLMModel))
		llmModel = cfg.OllamaLLMModel
	default:
		return fmt.Errorf("unknown MODEL_PROVIDER %q", cfg.ModelProvider)
	}
	slog.Info("initialized model backends", "provider", cfg.ModelProvider, "llm_model", llmModel)

	// Restore the adaptor from its latest persisted version
	ad, err := restoreAdaptor(ctx, adaptorRepo, cfg.EmbeddingDimension, cfg.AdaptorGrace)
	if err != nil {
		return err
	}
	slog.Info("adaptor ready", "version", ad.Current().ID, "dimension", cfg.EmbeddingDimension)

	trainer := adaptor.NewTrainer(adaptor.TrainerConfig{
		Epochs:       cfg.TrainingEpochs,
		LearningRate: cfg.LearningRate,
		Lambda:       cfg.RegularizationL2,
	})

	// Feedback store, restored from persistence
	fbStore := feedback.NewStore(feedback.Config{
		TrainingThreshold: cfg.TrainingThreshold,
		Repo:              feedbackRepo,
		Logger:            slog.Default(),
	})
	if err := fbStore.Load(ctx); err != nil {
		return fmt.Errorf("failed to restore feedback state: %w", err)
	}

	// Pipeline stages
	exp := expander.NewLLMExpander(llmClient,
		expander.WithModel(llmModel),
		expander.WithCount(cfg.ExpansionCount),
	)
	ret := retriever.New(embed, ad, vectorStore, retriever.Config{
		TopK:     cfg.TopK,
		MinScore: cfg.MinScore,
	})
	encoder := crossencoder.NewLLMScorer(llmClient, crossencoder.WithModel(llmModel))
	rer := reranker.New(encoder, fbStore, reranker.Config{
		PenaltyWeight: cfg.PenaltyWeight,
		TopM:          cfg.TopM,
	})

	svc := service.New(exp, ret, rer, fbStore, ad, trainer, llmClient, vectorStore, adaptorRepo,
		service.Config{
			RatingWindow: cfg.RatingWindow,
			Retry: retryutil.Policy{
				MaxAttempts: cfg.RetryMaxAttempts,
				BaseDelay:   cfg.RetryBaseDelay,
			},
			LLMModel: llmModel,
			Logger:   slog.Default(),
		})
	fbStore.SetTrigger(svc.TrainingTrigger())

	// Periodic training sweeps pick up examples that never crossed the
	// threshold on their own
	if cfg.BackgroundTraining > 0 {
		go backgroundTraining(ctx, svc, cfg.BackgroundTraining)
	}

	// HTTP server
	jwtMgr := auth.NewJWTManager(&auth.JWTConfig{
		Secret: cfg.JWTSecret,
		Expiry: cfg.JWTExpiry,
		Issuer: "adaptrag",
	})
	creds := auth.NewCredentialStore(cfg.DemoUser, cfg.DemoPassword)

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		Port:           cfg.HTTPPort,
		Logger:         slog.Default(),
		AllowedOrigins: []string{"*"}, // Configure in production
		ReadinessCheck: readinessCheck,
	}, svc, jwtMgr, creds)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// restoreAdaptor loads the latest persisted matrix, falling back to the
// identity when no training cycle has ever completed.
func restoreAdaptor(ctx context.Context, repo repository.AdaptorRepository, dim, grace int) (*adaptor.Adaptor, error) {
	snapshot, err := repo.LoadLatest(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return adaptor.New(dim, grace), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load adaptor snapshot: %w", err)
	}

	if snapshot.Dimension != dim {
		slog.Warn("persisted adaptor dimension does not match configuration, starting from identity",
			"persisted", snapshot.Dimension, "configured", dim)
		return adaptor.New(dim, grace), nil
	}

	m, err := adaptor.NewMatrix(snapshot.Dimension, snapshot.Weights)
	if err != nil {
		return nil, fmt.Errorf("persisted adaptor snapshot is invalid: %w", err)
	}
	slog.Info("restored adaptor from persistence", "version", snapshot.VersionID)
	return adaptor.Restore(m, adaptor.VersionID(snapshot.VersionID), grace), nil
}

// backgroundTraining periodically trains on whatever has accumulated in
// the queue, so sparse feedback still reaches the adaptor eventually.
func backgroundTraining(ctx context.Context, svc *service.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.TrainNow(ctx, 0); err != nil {
				if errors.Is(err, adaptor.ErrEmptyTrainingSet) {
					continue
				}
				slog.Error("background training failed", "error", err)
			}
		}
	}
}

// Ensure interfaces are satisfied at compile time
var (
	_ repository.FeedbackRepository = (*postgres.FeedbackRepo)(nil)
	_ repository.AdaptorRepository  = (*postgres.AdaptorRepo)(nil)
	_ repository.FeedbackRepository = (*memory.FeedbackRepo)(nil)
	_ repository.AdaptorRepository  = (*memory.AdaptorRepo)(nil)
	_ vectorstore.VectorStore       = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder             = (*embedder.OllamaEmbedder)(nil)
	_ embedder.Embedder             = (*embedder.OpenAIEmbedder)(nil)
	_ llm.LLM                       = (*llm.OllamaClient)(nil)
	_ llm.LLM                       = (*llm.OpenAIClient)(nil)
	_ crossencoder.CrossEncoder     = (*crossencoder.LLMScorer)(nil)
)
