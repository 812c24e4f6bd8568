package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/vectorstore"
)

type fakeProvider struct {
	embedErr   error
	embedModel string
	embedTexts []string
	embedKey   string
}

func (f *fakeProvider) Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error) {
	f.embedModel = model
	f.embedTexts = texts
	f.embedKey = apiKey
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{0.1, 0.2, 0.3}
	}
	return vectors, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	return nil, llm.ErrUnavailable
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	return nil, llm.ErrUnavailable
}

type fakeStore struct {
	calls     []string
	deleted   []string
	points    []vectorstore.Point
	upsertErr error
}

func (f *fakeStore) EnsureCollection(ctx context.Context) error {
	f.calls = append(f.calls, "ensure")
	return nil
}

func (f *fakeStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	f.calls = append(f.calls, "upsert")
	f.points = append(f.points, points...)
	return f.upsertErr
}

func (f *fakeStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error {
	f.calls = append(f.calls, "delete")
	f.deleted = append(f.deleted, tenantID+"/"+sourceID)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.Match, error) {
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

// argContains matches any string argument containing the fragment.
type argContains string

func (a argContains) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && strings.Contains(s, string(a))
}

type workerFixture struct {
	worker   *Worker
	mock     sqlmock.Sqlmock
	provider *fakeProvider
	store    *fakeStore
}

func newWorkerFixture(t *testing.T, opts ...func(*Config)) *workerFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sdb := sqlx.NewDb(db, "sqlmock")
	provider := &fakeProvider{}
	store := &fakeStore{}

	cfg := Config{
		Sources:        repository.NewSourceRepository(sdb),
		Documents:      repository.NewDocumentRepository(sdb),
		Provider:       provider,
		Store:          store,
		EmbeddingModel: "text-embedding-3-small",
		Logger:         observability.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &workerFixture{worker: New(cfg), mock: mock, provider: provider, store: store}
}

func textSource(content string) *models.Source {
	return &models.Source{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		BotProfileID: uuid.New(),
		Name:         "Handbook",
		SourceType:   models.SourceTypeText,
		Content:      &content,
		IsActive:     true,
	}
}

func urlSource(pageURL string) *models.Source {
	return &models.Source{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		BotProfileID: uuid.New(),
		Name:         "Docs site",
		SourceType:   models.SourceTypeURL,
		Config:       fmt.Sprintf(`{"url": %q}`, pageURL),
		IsActive:     true,
	}
}

func sourceRow(src *models.Source) *sqlmock.Rows {
	now := time.Now()
	var content interface{}
	if src.Content != nil {
		content = *src.Content
	}
	columns := []string{
		"id", "tenant_id", "bot_profile_id", "parent_id", "name", "description",
		"source_type", "status", "config", "refresh_schedule", "last_refreshed_at",
		"error_message", "document_count", "chunk_count", "is_active",
		"created_at", "updated_at", "content",
	}
	return sqlmock.NewRows(columns).AddRow(
		src.ID.String(), src.TenantID.String(), src.BotProfileID.String(), nil,
		src.Name, src.Description, string(src.SourceType), string(models.SourceStatusPending),
		src.Config, string(models.RefreshNone), nil, nil, 0, 0, src.IsActive, now, now, content,
	)
}

func expectLoad(mock sqlmock.Sqlmock, src *models.Source) {
	mock.ExpectQuery("FROM sources").
		WithArgs(src.ID, src.TenantID).
		WillReturnRows(sourceRow(src))
}

func expectProcessing(mock sqlmock.Sqlmock, src *models.Source) {
	mock.ExpectExec("UPDATE sources").
		WithArgs(models.SourceStatusProcessing, src.ID, src.TenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectReplace(mock sqlmock.Sqlmock, src *models.Source, content string, chunkCount int) {
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM chunks").
		WithArgs(src.ID, src.TenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM documents").
		WithArgs(src.ID, src.TenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO documents").
		WithArgs(sqlmock.AnyArg(), src.TenantID, src.ID, src.Name, content,
			utf8.RuneCountInString(content), chunkCount).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for i := 0; i < chunkCount; i++ {
		mock.ExpectExec("INSERT INTO chunks").
			WithArgs(sqlmock.AnyArg(), src.TenantID, sqlmock.AnyArg(), src.ID, src.BotProfileID,
				i, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()
}

func expectReady(mock sqlmock.Sqlmock, src *models.Source, chunkCount int) {
	mock.ExpectExec("UPDATE sources").
		WithArgs(models.SourceStatusReady, 1, chunkCount, sqlmock.AnyArg(), src.ID, src.TenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectFailed(mock sqlmock.Sqlmock, src *models.Source, message driver.Value) {
	mock.ExpectExec("UPDATE sources").
		WithArgs(models.SourceStatusError, message, src.ID, src.TenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestHandleIngest_TextSourceWritesChunksAndVectors(t *testing.T) {
	f := newWorkerFixture(t)
	src := textSource("Go is expressive.")

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectReplace(f.mock, src, "Go is expressive.", 1)
	expectReady(f.mock, src, 1)

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Equal(t, []string{"ensure", "delete", "upsert"}, f.store.calls)
	assert.Equal(t, []string{src.TenantID.String() + "/" + src.ID.String()}, f.store.deleted)

	require.Len(t, f.store.points, 1)
	point := f.store.points[0]
	_, err = uuid.Parse(point.ID)
	assert.NoError(t, err)
	assert.Equal(t, src.TenantID.String(), point.Payload.TenantID)
	assert.Equal(t, src.ID.String(), point.Payload.SourceID)
	assert.Equal(t, src.BotProfileID.String(), point.Payload.BotProfileID)
	assert.Equal(t, 0, point.Payload.Ordinal)
	assert.Equal(t, "Go is expressive.", point.Payload.Content)

	assert.Equal(t, "text-embedding-3-small", f.provider.embedModel)
	assert.Equal(t, []string{"Go is expressive."}, f.provider.embedTexts)
	assert.Empty(t, f.provider.embedKey)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_MissingSourceSkipsQuietly(t *testing.T) {
	f := newWorkerFixture(t)

	f.mock.ExpectQuery("FROM sources").WillReturnError(sql.ErrNoRows)

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(uuid.New(), uuid.New()))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_InactiveSourceSkipsQuietly(t *testing.T) {
	f := newWorkerFixture(t)
	src := textSource("stale")
	src.IsActive = false

	expectLoad(f.mock, src)

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_InvalidJobIDsDropped(t *testing.T) {
	f := newWorkerFixture(t)

	job := queue.Job{ID: uuid.NewString(), Name: queue.JobIngestSource, TenantID: "not-a-uuid", SourceID: uuid.NewString()}
	require.NoError(t, f.worker.HandleIngest(context.Background(), job))

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_EmptyContentFinalizesError(t *testing.T) {
	f := newWorkerFixture(t)
	src := textSource("")
	src.Content = nil

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectFailed(f.mock, src, "No content to ingest")

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_URLSourceFetchesPage(t *testing.T) {
	uaCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case uaCh <- r.Header.Get("User-Agent"):
		default:
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><title>Team Handbook</title></head><body><article><p>Alpha beta gamma.</p></article></body></html>`)
	}))
	defer srv.Close()

	f := newWorkerFixture(t)
	src := urlSource(srv.URL)

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectReplace(f.mock, src, "Alpha beta gamma.", 1)
	expectReady(f.mock, src, 1)

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Equal(t, "MiniRAG/1.0", <-uaCh)
	require.Len(t, f.store.points, 1)
	assert.Equal(t, "Alpha beta gamma.", f.store.points[0].Payload.Content)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_URLFetchFailureFinalizesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newWorkerFixture(t)
	src := urlSource(srv.URL)

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectFailed(f.mock, src, argContains("returned status 500"))

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_EmbedFailureFinalizesError(t *testing.T) {
	f := newWorkerFixture(t)
	f.provider.embedErr = llm.ErrUnavailable
	src := textSource("Go is expressive.")

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectFailed(f.mock, src, argContains("failed to embed chunks"))

	err := f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_LockHeldDropsJob(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locks := queue.NewSourceLock(client, time.Minute)
	f := newWorkerFixture(t, func(cfg *Config) { cfg.Locks = locks })
	src := textSource("held")

	held, err := locks.Acquire(context.Background(), src.ID.String())
	require.NoError(t, err)
	require.True(t, held)

	expectLoad(f.mock, src)

	err = f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	assert.Empty(t, f.store.calls)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestHandleIngest_ReleasesLockAfterRun(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locks := queue.NewSourceLock(client, time.Minute)
	f := newWorkerFixture(t, func(cfg *Config) { cfg.Locks = locks })
	src := textSource("Go is expressive.")

	expectLoad(f.mock, src)
	expectProcessing(f.mock, src)
	expectReplace(f.mock, src, "Go is expressive.", 1)
	expectReady(f.mock, src, 1)

	err = f.worker.HandleIngest(context.Background(), queue.NewIngestJob(src.TenantID, src.ID))
	require.NoError(t, err)

	free, err := locks.Acquire(context.Background(), src.ID.String())
	require.NoError(t, err)
	assert.True(t, free)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abcd", 2))
	// Never splits a multi-byte rune.
	assert.Equal(t, "h", truncate("héllo", 2))
}
