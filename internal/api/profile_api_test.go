package api

import (
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
)

func newProfileRouter(t *testing.T, ident *auth.AuthContext) (*gin.Engine, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newStoreMock(t)
	handler := NewProfileAPI(store, newTestEncryptor(t), "gpt-4o-mini", observability.NewNoopLogger())
	r, group := newRouter(ident)
	handler.RegisterRoutes(group)
	return r, mock
}

func TestProfileAPI_Create_AppliesDefaults(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newProfileRouter(t, testIdentity(tenantID, models.RoleMember))

	mock.ExpectExec("INSERT INTO bot_profiles").
		WithArgs(sqlmock.AnyArg(), tenantID, "Support bot", "", "gpt-4o-mini",
			defaultSystemPrompt, defaultTemperature, defaultMaxTokens, nil, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doJSON(r, http.MethodPost, "/v1/bot-profiles", gin.H{"name": "Support bot"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, defaultSystemPrompt, body["system_prompt"])
	assert.Equal(t, float64(defaultMaxTokens), body["max_tokens"])
	assert.Equal(t, false, body["has_credentials"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileAPI_Create_EncryptsCredentials(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newProfileRouter(t, testIdentity(tenantID, models.RoleMember))

	mock.ExpectExec("INSERT INTO bot_profiles").
		WithArgs(sqlmock.AnyArg(), tenantID, "Support bot", "", "gpt-4o",
			defaultSystemPrompt, defaultTemperature, defaultMaxTokens, sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	w := doJSON(r, http.MethodPost, "/v1/bot-profiles", gin.H{
		"name":        "Support bot",
		"model":       "gpt-4o",
		"credentials": gin.H{"api_key": "sk-secret"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, true, body["has_credentials"])
	assert.NotContains(t, w.Body.String(), "sk-secret")
	assert.NotContains(t, body, "encrypted_credentials")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileAPI_Create_RejectsBadTemperature(t *testing.T) {
	r, _ := newProfileRouter(t, testIdentity(uuid.New(), models.RoleMember))

	w := doJSON(r, http.MethodPost, "/v1/bot-profiles", gin.H{
		"name": "Support bot", "temperature": 3.5,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decodeBody(t, w)["detail"], "temperature")
}

func TestProfileAPI_Update_ClearsCredentials(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newProfileRouter(t, testIdentity(tenantID, models.RoleMember))

	profileID := uuid.New()
	stored := "ciphertext"
	mock.ExpectQuery("FROM bot_profiles").
		WithArgs(tenantID, profileID).
		WillReturnRows(profileRow(profileID, tenantID, "gpt-4o", &stored))
	mock.ExpectExec("UPDATE bot_profiles").
		WithArgs("Support Bot", "", "gpt-4o", "You are helpful.", 0.7, 512,
			nil, true, tenantID, profileID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doJSON(r, http.MethodPatch, "/v1/bot-profiles/"+profileID.String(), gin.H{
		"credentials": gin.H{},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decodeBody(t, w)["has_credentials"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileAPI_Get_Missing(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newProfileRouter(t, testIdentity(tenantID, models.RoleMember))

	profileID := uuid.New()
	mock.ExpectQuery("FROM bot_profiles").
		WithArgs(tenantID, profileID).
		WillReturnRows(sqlmock.NewRows(profileCols))

	w := doJSON(r, http.MethodGet, "/v1/bot-profiles/"+profileID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Bot profile not found", decodeBody(t, w)["detail"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileAPI_Delete(t *testing.T) {
	tenantID := uuid.New()
	r, mock := newProfileRouter(t, testIdentity(tenantID, models.RoleMember))

	profileID := uuid.New()
	mock.ExpectExec("UPDATE bot_profiles").
		WithArgs(tenantID, profileID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := doJSON(r, http.MethodDelete, "/v1/bot-profiles/"+profileID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}
