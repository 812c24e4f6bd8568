package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

// capture records webhook deliveries received by a test endpoint.
type capture struct {
	mu        sync.Mutex
	event     string
	signature string
	body      []byte
	hits      int
}

func (c *capture) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.event = r.Header.Get("X-MiniRAG-Event")
		c.signature = r.Header.Get("X-MiniRAG-Signature")
		c.body = body
		c.hits++
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func newDispatcherWithMock(t *testing.T) (*Dispatcher, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewWebhookRepository(sqlx.NewDb(db, "sqlmock"))
	d := NewDispatcher(repo, time.Second, nil, nil, observability.NewNoopLogger())
	return d, mock
}

func webhookRow(id, tenantID uuid.UUID, url, secret, events string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "url", "secret", "events", "description", "is_active",
		"created_at", "updated_at",
	}).AddRow(id.String(), tenantID.String(), url, secret, events, "", true, now, now)
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler(http.StatusOK))
	defer srv.Close()

	d, mock := newDispatcherWithMock(t)
	tenantID := uuid.New()
	hookID := uuid.New()

	mock.ExpectQuery("FROM webhooks").
		WithArgs(tenantID).
		WillReturnRows(webhookRow(hookID, tenantID, srv.URL, "s3cret", `["source.ingested"]`))

	d.Dispatch(tenantID, models.EventSourceIngested, map[string]interface{}{
		"source_id":   uuid.NewString(),
		"chunk_count": 12,
	})

	require.Eventually(t, func() bool { return cap.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, "source.ingested", cap.event)
	assert.True(t, security.VerifyHMAC("s3cret", cap.body, cap.signature),
		"signature must verify against the delivered body")

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(cap.body, &payload))
	assert.Equal(t, float64(12), payload["chunk_count"])
}

func TestDispatcher_SkipsUnsubscribedWebhooks(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler(http.StatusOK))
	defer srv.Close()

	d, mock := newDispatcherWithMock(t)
	tenantID := uuid.New()

	mock.ExpectQuery("FROM webhooks").
		WithArgs(tenantID).
		WillReturnRows(webhookRow(uuid.New(), tenantID, srv.URL, "s3cret", `["chat.message"]`))

	d.Dispatch(tenantID, models.EventSourceFailed, map[string]interface{}{"source_id": "x"})

	assert.Never(t, func() bool { return cap.count() > 0 },
		300*time.Millisecond, 25*time.Millisecond)
}

func TestDispatcher_SendTest(t *testing.T) {
	cap := &capture{}
	srv := httptest.NewServer(cap.handler(http.StatusNoContent))
	defer srv.Close()

	d, _ := newDispatcherWithMock(t)
	hook := &models.Webhook{
		ID:     uuid.New(),
		URL:    srv.URL,
		Secret: "s3cret",
		Events: `[]`,
	}

	result := d.SendTest(context.Background(), hook)
	assert.True(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusNoContent, *result.StatusCode)

	cap.mu.Lock()
	assert.Equal(t, "test.ping", cap.event)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(cap.body, &payload))
	assert.Equal(t, hook.ID.String(), payload["webhook_id"])
	cap.mu.Unlock()
}

func TestDispatcher_SendTestFailureStatuses(t *testing.T) {
	srv := httptest.NewServer((&capture{}).handler(http.StatusInternalServerError))
	defer srv.Close()

	d, _ := newDispatcherWithMock(t)

	result := d.SendTest(context.Background(), &models.Webhook{
		ID: uuid.New(), URL: srv.URL, Secret: "s", Events: `[]`,
	})
	assert.False(t, result.Success)
	require.NotNil(t, result.StatusCode)
	assert.Equal(t, http.StatusInternalServerError, *result.StatusCode)

	// Unreachable endpoint: no status at all.
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	result = d.SendTest(context.Background(), &models.Webhook{
		ID: uuid.New(), URL: dead.URL, Secret: "s", Events: `[]`,
	})
	assert.False(t, result.Success)
	assert.Nil(t, result.StatusCode)
}
