// Package ingest runs the ingestion pipeline that turns a source into
// searchable chunks and vectors.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/processor"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/vectorstore"
	"github.com/minirag/minirag/internal/webhook"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultEmbedTimeout = 60 * time.Second

	// maxFetchBytes caps how much of a fetched page is read.
	maxFetchBytes = 10 << 20

	// Failure messages are truncated before they reach the source row
	// and the webhook payload.
	maxStoredErrorLen  = 2000
	maxPayloadErrorLen = 500

	userAgent = "MiniRAG/1.0"
)

// These messages are stored on the source row and shown to operators,
// so they read as status text.
var (
	errNoContent = errors.New("No content to ingest")
	errNoChunks  = errors.New("Chunking produced no output")
)

// Config wires the worker's collaborators. Locks, Webhooks, Limiter and
// Metrics may be nil.
type Config struct {
	Sources        *repository.SourceRepository
	Documents      *repository.DocumentRepository
	Provider       llm.Provider
	Store          vectorstore.Store
	Locks          *queue.SourceLock
	Webhooks       *webhook.Dispatcher
	Limiter        *resilience.RateLimiter
	Metrics        *metrics.Metrics
	EmbeddingModel string
	FetchTimeout   time.Duration
	EmbedTimeout   time.Duration
	Logger         observability.Logger
}

// Worker ingests sources from the job queue.
type Worker struct {
	sources        *repository.SourceRepository
	documents      *repository.DocumentRepository
	provider       llm.Provider
	store          vectorstore.Store
	locks          *queue.SourceLock
	webhooks       *webhook.Dispatcher
	limiter        *resilience.RateLimiter
	metrics        *metrics.Metrics
	chunker        *processor.Chunker
	client         *http.Client
	embeddingModel string
	fetchTimeout   time.Duration
	embedTimeout   time.Duration
	logger         observability.Logger
}

// New creates an ingest worker.
func New(cfg Config) *Worker {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = llm.DefaultEmbeddingModel
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = defaultEmbedTimeout
	}
	return &Worker{
		sources:        cfg.Sources,
		documents:      cfg.Documents,
		provider:       cfg.Provider,
		store:          cfg.Store,
		locks:          cfg.Locks,
		webhooks:       cfg.Webhooks,
		limiter:        cfg.Limiter,
		metrics:        cfg.Metrics,
		chunker:        processor.NewDefaultChunker(),
		client:         &http.Client{Timeout: cfg.FetchTimeout},
		embeddingModel: cfg.EmbeddingModel,
		fetchTimeout:   cfg.FetchTimeout,
		embedTimeout:   cfg.EmbedTimeout,
		logger:         cfg.Logger.WithPrefix("ingest"),
	}
}

// HandleIngest processes one ingest job end to end. Pipeline failures
// finalize the source as errored and consume the job; only transient
// infrastructure errors are returned so the queue redelivers the
// message. Re-running a finished job is safe: chunks and vectors are
// replaced wholesale per source.
func (w *Worker) HandleIngest(ctx context.Context, job queue.Job) error {
	tenantID, err := uuid.Parse(job.TenantID)
	if err != nil {
		w.logger.Error("Dropping job with invalid tenant id", map[string]interface{}{
			"job_id":    job.ID,
			"tenant_id": job.TenantID,
		})
		return nil
	}
	sourceID, err := uuid.Parse(job.SourceID)
	if err != nil {
		w.logger.Error("Dropping job with invalid source id", map[string]interface{}{
			"job_id":    job.ID,
			"source_id": job.SourceID,
		})
		return nil
	}

	source, err := w.sources.GetWithContent(ctx, tenantID, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			w.logger.Warn("Skipping ingest for missing source", map[string]interface{}{
				"source_id": job.SourceID,
				"tenant_id": job.TenantID,
			})
			return nil
		}
		return err
	}
	if !source.IsActive {
		w.logger.Debug("Skipping ingest for inactive source", map[string]interface{}{
			"source_id": job.SourceID,
			"tenant_id": job.TenantID,
		})
		return nil
	}

	if w.locks != nil {
		ok, err := w.locks.Acquire(ctx, sourceID.String())
		if err != nil {
			return err
		}
		if !ok {
			w.logger.Info("Source is already being ingested", map[string]interface{}{
				"source_id": job.SourceID,
			})
			return nil
		}
		defer func() {
			// The job context may be gone by now; release on a fresh one.
			if rerr := w.locks.Release(context.Background(), sourceID.String()); rerr != nil {
				w.logger.Warn("Failed to release source lock", map[string]interface{}{
					"source_id": job.SourceID,
					"error":     rerr.Error(),
				})
			}
		}()
	}

	if w.metrics != nil {
		w.metrics.ActiveIngestions.Inc()
		defer w.metrics.ActiveIngestions.Dec()
	}

	start := time.Now()
	if err := w.sources.SetProcessing(ctx, tenantID, sourceID); err != nil {
		return err
	}

	chunkCount, err := w.process(ctx, source)
	if err != nil {
		// A dead job context means shutdown, not a bad source; leave the
		// message pending for redelivery.
		if ctx.Err() != nil {
			return err
		}
		w.finalizeError(ctx, source, err, start)
		return nil
	}

	if err := w.sources.FinalizeReady(ctx, tenantID, sourceID, 1, chunkCount, time.Now().UTC()); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.RecordIngestJob("success", chunkCount, time.Since(start))
	}
	w.logger.Info("Source ingested", map[string]interface{}{
		"source_id":   job.SourceID,
		"tenant_id":   job.TenantID,
		"chunk_count": chunkCount,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if w.webhooks != nil {
		w.webhooks.Dispatch(tenantID, models.EventSourceIngested, map[string]interface{}{
			"source_id":      job.SourceID,
			"source_name":    source.Name,
			"document_count": 1,
			"chunk_count":    chunkCount,
		})
	}
	return nil
}

// process runs extraction through vector upsert and returns the number
// of chunks written.
func (w *Worker) process(ctx context.Context, source *models.Source) (int, error) {
	content, err := w.extract(ctx, source)
	if err != nil {
		return 0, err
	}
	if content == "" {
		return 0, errNoContent
	}

	doc := &models.Document{
		ID:        uuid.New(),
		TenantID:  source.TenantID,
		SourceID:  source.ID,
		Title:     source.Name,
		Content:   content,
		CharCount: utf8.RuneCountInString(content),
	}

	pieces := w.chunker.Split(content)
	if len(pieces) == 0 {
		return 0, errNoChunks
	}

	texts := make([]string, len(pieces))
	for i, piece := range pieces {
		texts[i] = piece.Content
	}
	vectors, err := w.embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(pieces) {
		return 0, fmt.Errorf("embedding returned %d vectors for %d chunks", len(vectors), len(pieces))
	}

	// The chunk row id doubles as the vector id, tying each row to its
	// point in the vector store.
	chunks := make([]*models.Chunk, len(pieces))
	points := make([]vectorstore.Point, len(pieces))
	for i, piece := range pieces {
		chunkID := uuid.New()
		chunks[i] = &models.Chunk{
			ID:           chunkID,
			TenantID:     source.TenantID,
			DocumentID:   doc.ID,
			SourceID:     source.ID,
			BotProfileID: source.BotProfileID,
			Ordinal:      piece.Ordinal,
			Content:      piece.Content,
			CharCount:    piece.CharCount,
			VectorID:     chunkID.String(),
		}
		points[i] = vectorstore.Point{
			ID:     chunkID.String(),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				TenantID:     source.TenantID.String(),
				SourceID:     source.ID.String(),
				BotProfileID: source.BotProfileID.String(),
				DocumentID:   doc.ID.String(),
				Ordinal:      piece.Ordinal,
				Content:      piece.Content,
			},
		}
	}
	doc.ChunkCount = len(chunks)

	if err := w.store.EnsureCollection(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure vector collection: %w", err)
	}
	if err := w.store.DeleteBySource(ctx, source.TenantID.String(), source.ID.String()); err != nil {
		return 0, fmt.Errorf("failed to delete stale vectors: %w", err)
	}
	if err := w.documents.ReplaceForSource(ctx, source.TenantID, source.ID, doc, chunks); err != nil {
		return 0, err
	}
	if err := w.store.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("failed to upsert vectors: %w", err)
	}
	return len(chunks), nil
}

// extract returns the raw text for a source. Text and upload sources
// carry their content inline; URL sources are fetched and stripped.
func (w *Worker) extract(ctx context.Context, source *models.Source) (string, error) {
	if source.SourceType == models.SourceTypeURL {
		return w.fetchURL(ctx, source)
	}
	if source.Content == nil {
		return "", nil
	}
	return *source.Content, nil
}

// fetchURL downloads the configured page and extracts its readable
// text. A source without a configured url yields empty content rather
// than an error.
func (w *Worker) fetchURL(ctx context.Context, source *models.Source) (string, error) {
	var cfg struct {
		URL string `json:"url"`
	}
	if source.Config != "" {
		if err := json.Unmarshal([]byte(source.Config), &cfg); err != nil {
			return "", fmt.Errorf("invalid source config: %w", err)
		}
	}
	if cfg.URL == "" {
		return "", nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid source url: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch of %s returned status %d", cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", cfg.URL, err)
	}

	_, text := processor.ExtractArticle(string(body), cfg.URL)
	return text, nil
}

// embed turns chunk texts into vectors using the platform embedding
// model and credentials.
func (w *Worker) embed(ctx context.Context, texts []string) ([][]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, w.embedTimeout)
	defer cancel()

	if w.limiter != nil {
		if err := w.limiter.Wait(embedCtx, resilience.DestOpenAI); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	vectors, err := w.provider.Embed(embedCtx, w.embeddingModel, texts, "")
	if w.metrics != nil {
		w.metrics.RecordProviderCall(resilience.DestOpenAI, "embed", time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	return vectors, nil
}

// finalizeError records the failure on the source row and notifies
// subscribers. Recording failures are logged, not returned; the job is
// consumed either way.
func (w *Worker) finalizeError(ctx context.Context, source *models.Source, cause error, start time.Time) {
	message := cause.Error()

	w.logger.Error("Ingestion failed", map[string]interface{}{
		"source_id": source.ID.String(),
		"tenant_id": source.TenantID.String(),
		"error":     message,
	})
	if err := w.sources.FinalizeError(ctx, source.TenantID, source.ID, truncate(message, maxStoredErrorLen)); err != nil {
		w.logger.Error("Failed to record ingest error", map[string]interface{}{
			"source_id": source.ID.String(),
			"error":     err.Error(),
		})
	}
	if w.metrics != nil {
		w.metrics.RecordIngestJob("failure", 0, time.Since(start))
	}
	if w.webhooks != nil {
		w.webhooks.Dispatch(source.TenantID, models.EventSourceFailed, map[string]interface{}{
			"source_id": source.ID.String(),
			"error":     truncate(message, maxPayloadErrorLen),
		})
	}
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
