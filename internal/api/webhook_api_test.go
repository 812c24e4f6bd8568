package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/security"
	"github.com/minirag/minirag/internal/webhook"
)

func newWebhookRouter(t *testing.T, ident *auth.AuthContext) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newStoreMock(t)
	dispatcher := webhook.NewDispatcher(store.Webhooks, time.Second, nil, nil, observability.NewNoopLogger())
	handler := NewWebhookAPI(store, dispatcher, observability.NewNoopLogger())
	r, group := newRouter(ident)
	handler.RegisterRoutes(group)
	return r, mock
}

var webhookCols = []string{
	"id", "tenant_id", "url", "secret", "events", "description", "is_active",
	"created_at", "updated_at",
}

func webhookRow(id, tenantID uuid.UUID, url, secret, events string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(webhookCols).AddRow(
		id.String(), tenantID.String(), url, secret, events, "", true, now, now)
}

func TestWebhookAPI_Create_GeneratesSecret(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	mock.ExpectExec("INSERT INTO webhooks").
		WithArgs(sqlmock.AnyArg(), tenantID, "https://hooks.acme.test/rag", sqlmock.AnyArg(),
			`["source.ingested"]`, "", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{
		"url":    "https://hooks.acme.test/rag",
		"events": []string{"source.ingested"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.NotEmpty(t, body["secret"])
	assert.Equal(t, true, body["has_secret"])
	assert.Equal(t, []interface{}{"source.ingested"}, body["events"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookAPI_Create_RejectsUnknownEvent(t *testing.T) {
	r, _ := newWebhookRouter(t, testIdentity(uuid.New(), models.RoleMember))

	for _, event := range []string{"bogus", "test.ping"} {
		w := doJSON(r, http.MethodPost, "/v1/webhooks", gin.H{
			"url":    "https://hooks.acme.test/rag",
			"events": []string{event},
		})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, "Invalid event type: "+event+". Valid: chat.message, source.failed, source.ingested",
			decodeBody(t, w)["detail"])
	}
}

func TestWebhookAPI_Get_OmitsSecret(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	hookID := uuid.New()
	mock.ExpectQuery("FROM webhooks").
		WithArgs(hookID, tenantID).
		WillReturnRows(webhookRow(hookID, tenantID, "https://hooks.acme.test/rag",
			"whsec_stored", `["chat.message"]`))

	w := doJSON(r, http.MethodGet, "/v1/webhooks/"+hookID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.NotContains(t, body, "secret")
	assert.NotContains(t, w.Body.String(), "whsec_stored")
	assert.Equal(t, true, body["has_secret"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookAPI_Delete(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	hookID := uuid.New()
	mock.ExpectExec("DELETE FROM webhooks").
		WithArgs(hookID, tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doJSON(r, http.MethodDelete, "/v1/webhooks/"+hookID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookAPI_Delete_Missing(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	hookID := uuid.New()
	mock.ExpectExec("DELETE FROM webhooks").
		WithArgs(hookID, tenantID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := doJSON(r, http.MethodDelete, "/v1/webhooks/"+hookID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Webhook not found", decodeBody(t, w)["detail"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookAPI_Test_SendsSignedPing(t *testing.T) {
	var (
		gotBody      []byte
		gotEvent     string
		gotSignature string
	)
	receiver := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		gotBody, _ = io.ReadAll(req.Body)
		gotEvent = req.Header.Get("X-MiniRAG-Event")
		gotSignature = req.Header.Get("X-MiniRAG-Signature")
		rw.WriteHeader(http.StatusOK)
	}))
	defer receiver.Close()

	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	hookID := uuid.New()
	mock.ExpectQuery("FROM webhooks").
		WithArgs(hookID, tenantID).
		WillReturnRows(webhookRow(hookID, tenantID, receiver.URL, "whsec_test", `[]`))

	w := doJSON(r, http.MethodPost, "/v1/webhooks/"+hookID.String()+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(http.StatusOK), body["status_code"])

	assert.Equal(t, "test.ping", gotEvent)
	assert.Equal(t, security.SignHMAC("whsec_test", gotBody), gotSignature)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "test.ping", payload["event"])
	assert.Equal(t, hookID.String(), payload["webhook_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookAPI_Test_Unreachable(t *testing.T) {
	receiver := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {}))
	receiver.Close()

	tenantID := uuid.New()
	r, mock := newWebhookRouter(t, testIdentity(tenantID, models.RoleMember))

	hookID := uuid.New()
	mock.ExpectQuery("FROM webhooks").
		WithArgs(hookID, tenantID).
		WillReturnRows(webhookRow(hookID, tenantID, receiver.URL, "whsec_test", `[]`))

	w := doJSON(r, http.MethodPost, "/v1/webhooks/"+hookID.String()+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, false, body["success"])
	assert.Nil(t, body["status_code"])
	require.NoError(t, mock.ExpectationsWereMet())
}
