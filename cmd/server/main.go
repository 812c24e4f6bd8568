// Command server runs the MiniRAG HTTP API: tenant management, auth,
// bot profiles, sources, RAG chat, webhooks, and stats. Ingestion runs
// in the separate worker binary; this process only enqueues jobs.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/minirag/minirag/internal/api"
	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/processor"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/security"
	"github.com/minirag/minirag/internal/vectorstore"
	"github.com/minirag/minirag/internal/webhook"
)

const dbConnectAttempts = 10

func main() {
	logger := observability.NewStandardLogger("server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if std, ok := logger.(*observability.StandardLogger); ok {
		logger = std.WithLevel(observability.ParseLevel(cfg.Server.LogLevel))
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := connectDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
		}
	}()
	store := repository.NewStore(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.Address,
		Password: cfg.Queue.Password,
		DB:       cfg.Queue.Database,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("Failed to close redis client", map[string]interface{}{"error": err.Error()})
		}
	}()
	jobs := queue.New(redisClient, cfg.Queue.Stream, cfg.Queue.Group, logger)

	host, port, err := cfg.Vector.HostPort()
	if err != nil {
		logger.Fatal("Invalid vector store address", map[string]interface{}{"error": err.Error()})
	}
	dimension := llm.EmbeddingDimensions(cfg.Providers.DefaultEmbeddingModel)
	vectors, err := vectorstore.NewQdrantStore(host, port, cfg.Vector.Collection, dimension, logger)
	if err != nil {
		logger.Fatal("Failed to connect to vector store", map[string]interface{}{"error": err.Error()})
	}
	defer func() {
		if err := vectors.Close(); err != nil {
			logger.Warn("Failed to close vector store", map[string]interface{}{"error": err.Error()})
		}
	}()

	// The worker creates the collection too; a failure here only delays
	// retrieval, so the API still comes up.
	ensureCtx, ensureCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := vectors.EnsureCollection(ensureCtx); err != nil {
		logger.Warn("Vector collection check failed", map[string]interface{}{"error": err.Error()})
	}
	ensureCancel()

	keyBytes, err := cfg.Security.EncryptionKeyBytes()
	if err != nil {
		logger.Fatal("Invalid encryption key", map[string]interface{}{"error": err.Error()})
	}
	encryptor, err := security.NewEncryptor(keyBytes)
	if err != nil {
		logger.Fatal("Failed to initialize encryption", map[string]interface{}{"error": err.Error()})
	}
	sessions := auth.NewSessionManager(cfg.Security.SessionSigningKey, cfg.Security.SessionTTL())
	resolver := auth.NewResolver(store, sessions, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	limiter := resilience.NewRateLimiter(resilience.RateLimiterConfig{
		ProviderRPS: cfg.RateLimit.ProviderRPS,
		WebhookRPS:  cfg.RateLimit.WebhookRPS,
		Burst:       cfg.RateLimit.Burst,
	}, logger)
	breaker := resilience.NewCircuitBreaker("llm", resilience.DefaultCircuitBreakerConfig(), logger)
	dispatcher := webhook.NewDispatcher(store.Webhooks, cfg.Timeouts.Webhook, limiter, m, logger)
	providers := llm.NewRegistry(cfg.Providers.OpenAIAPIKey, cfg.Providers.AnthropicAPIKey, logger)

	server := api.NewServer(api.Config{
		App:       cfg,
		Store:     store,
		Resolver:  resolver,
		Sessions:  sessions,
		Encryptor: encryptor,
		Registry:  providers,
		Vectors:   vectors,
		Jobs:      jobs,
		Uploads:   processor.NewUploadExtractor(),
		Webhooks:  dispatcher,
		Limiter:   limiter,
		Breaker:   breaker,
		Metrics:   m,
		Logger:    logger,
	})

	metricsServer := &http.Server{
		Addr:              cfg.Server.MetricsAddr,
		Handler:           metricsMux(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Server stopped", nil)
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// connectDB dials Postgres with backoff so the server survives starting
// before the database is ready.
func connectDB(ctx context.Context, cfg config.DatabaseConfig, logger observability.Logger) (*sqlx.DB, error) {
	var db *sqlx.DB
	var err error
	for attempt := 1; attempt <= dbConnectAttempts; attempt++ {
		db, err = sqlx.ConnectContext(ctx, "postgres", cfg.URL)
		if err == nil {
			db.SetMaxOpenConns(cfg.MaxConns)
			db.SetMaxIdleConns(cfg.MaxIdleConns)
			return db, nil
		}
		logger.Warn("Database not ready, retrying", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return nil, err
}
