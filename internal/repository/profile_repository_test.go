package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/models"
)

var profileRowColumns = []string{
	"id", "tenant_id", "name", "description", "model", "system_prompt",
	"temperature", "max_tokens", "encrypted_credentials", "is_active",
	"created_at", "updated_at",
}

func addProfileRow(rows *sqlmock.Rows, id, tenantID uuid.UUID, name string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id.String(), tenantID.String(), name, "", "gpt-4o-mini",
		"You are helpful.", 0.7, 1024, nil, true, now, now)
}

func TestBotProfileRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotProfileRepository(db)

	creds := "ciphertext"
	profile := &models.BotProfile{
		ID: uuid.New(), TenantID: uuid.New(), Name: "Support Bot",
		Model: "gpt-4o", SystemPrompt: "You are helpful.",
		Temperature: 0.7, MaxTokens: 512,
		EncryptedCredentials: &creds, IsActive: true,
	}
	mock.ExpectExec("INSERT INTO bot_profiles").
		WithArgs(profile.ID, profile.TenantID, "Support Bot", "", "gpt-4o",
			"You are helpful.", 0.7, 512, &creds, true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Create(context.Background(), profile)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotProfileRepository_GetActive_ExcludesDeactivated(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotProfileRepository(db)

	tenantID := uuid.New()
	id := uuid.New()
	mock.ExpectQuery("is_active = true").
		WithArgs(tenantID, id).
		WillReturnRows(sqlmock.NewRows(profileRowColumns))

	_, err := repo.GetActive(context.Background(), tenantID, id)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotProfileRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotProfileRepository(db)

	tenantID := uuid.New()
	rows := sqlmock.NewRows(profileRowColumns)
	addProfileRow(rows, uuid.New(), tenantID, "Support Bot")
	addProfileRow(rows, uuid.New(), tenantID, "Docs Bot")
	mock.ExpectQuery("ORDER BY created_at DESC").
		WithArgs(tenantID).
		WillReturnRows(rows)

	profiles, err := repo.List(context.Background(), tenantID)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, "Support Bot", profiles[0].Name)
	assert.False(t, profiles[0].HasCredentials())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBotProfileRepository_SoftDelete_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBotProfileRepository(db)

	tenantID := uuid.New()
	id := uuid.New()
	mock.ExpectExec("UPDATE bot_profiles").
		WithArgs(tenantID, id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SoftDelete(context.Background(), tenantID, id)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
