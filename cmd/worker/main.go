// Command worker consumes ingestion jobs from the Redis stream and runs
// the refresh scheduler. It is the only process that writes to the
// vector store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/ingest"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/scheduler"
	"github.com/minirag/minirag/internal/vectorstore"
	"github.com/minirag/minirag/internal/webhook"
)

const dbConnectAttempts = 10

func main() {
	logger := observability.NewStandardLogger("worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", map[string]interface{}{"error": err.Error()})
	}
	if std, ok := logger.(*observability.StandardLogger); ok {
		logger = std.WithLevel(observability.ParseLevel(cfg.Server.LogLevel))
	}

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

	// Ingestion cannot run without the collection, so this one is fatal.
	ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
	err = vectors.EnsureCollection(ensureCtx)
	ensureCancel()
	if err != nil {
		logger.Fatal("Failed to ensure vector collection", map[string]interface{}{"error": err.Error()})
	}

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
	dispatcher := webhook.NewDispatcher(store.Webhooks, cfg.Timeouts.Webhook, limiter, m, logger)
	providers := llm.NewRegistry(cfg.Providers.OpenAIAPIKey, cfg.Providers.AnthropicAPIKey, logger)
	locks := queue.NewSourceLock(redisClient, queue.DefaultLockTTL)

	worker := ingest.New(ingest.Config{
		Sources:        store.Sources,
		Documents:      store.Documents,
		Provider:       providers,
		Store:          vectors,
		Locks:          locks,
		Webhooks:       dispatcher,
		Limiter:        limiter,
		Metrics:        m,
		EmbeddingModel: cfg.Providers.DefaultEmbeddingModel,
		FetchTimeout:   cfg.Timeouts.URLFetch,
		EmbedTimeout:   cfg.Timeouts.Embedding,
		Logger:         logger,
	})
	handlers := map[string]queue.Handler{
		queue.JobIngestSource: worker.HandleIngest,
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("%s-%d", hostname, i)
		go func() {
			defer wg.Done()
			if err := jobs.Consume(ctx, consumer, handlers); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Consumer stopped", map[string]interface{}{
					"consumer": consumer,
					"error":    err.Error(),
				})
			}
		}()
	}
	logger.Info("Ingest workers started", map[string]interface{}{
		"concurrency": cfg.Worker.Concurrency,
		"stream":      cfg.Queue.Stream,
		"group":       cfg.Queue.Group,
	})

	refresher := scheduler.New(store.Sources, jobs, cfg.Worker.RefreshInterval, logger)
	if err := refresher.Start(ctx); err != nil {
		logger.Fatal("Failed to start refresh scheduler", map[string]interface{}{"error": err.Error()})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Shutting down", nil)

	cancel()
	refresher.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("Consumers did not stop in time", nil)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown error", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Worker stopped", nil)
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// connectDB dials Postgres with backoff so the worker survives starting
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
