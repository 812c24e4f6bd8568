package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minirag/minirag/internal/models"
)

const profileColumns = `id, tenant_id, name, description, model, system_prompt, temperature, max_tokens, encrypted_credentials, is_active, created_at, updated_at`

// BotProfileRepository handles bot profile rows.
type BotProfileRepository struct {
	db *sqlx.DB
}

// NewBotProfileRepository creates a new bot profile repository instance.
func NewBotProfileRepository(db *sqlx.DB) *BotProfileRepository {
	return &BotProfileRepository{db: db}
}

// Create inserts a bot profile.
func (r *BotProfileRepository) Create(ctx context.Context, profile *models.BotProfile) error {
	query := `
		INSERT INTO bot_profiles (id, tenant_id, name, description, model, system_prompt,
			temperature, max_tokens, encrypted_credentials, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		profile.ID, profile.TenantID, profile.Name, profile.Description,
		profile.Model, profile.SystemPrompt, profile.Temperature,
		profile.MaxTokens, profile.EncryptedCredentials, profile.IsActive)
	if err != nil {
		return fmt.Errorf("failed to insert bot profile: %w", err)
	}
	return nil
}

// Get retrieves a bot profile within a tenant.
func (r *BotProfileRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.BotProfile, error) {
	var profile models.BotProfile
	query := `SELECT ` + profileColumns + ` FROM bot_profiles WHERE tenant_id = $1 AND id = $2`

	if err := r.db.GetContext(ctx, &profile, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bot profile: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bot profile: %w", err)
	}
	return &profile, nil
}

// GetActive retrieves an active bot profile within a tenant. Used on the
// chat path, which must not answer through a deactivated bot.
func (r *BotProfileRepository) GetActive(ctx context.Context, tenantID, id uuid.UUID) (*models.BotProfile, error) {
	var profile models.BotProfile
	query := `
		SELECT ` + profileColumns + `
		FROM bot_profiles
		WHERE tenant_id = $1 AND id = $2 AND is_active = true`

	if err := r.db.GetContext(ctx, &profile, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("bot profile: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get bot profile: %w", err)
	}
	return &profile, nil
}

// List retrieves the tenant's active bot profiles, newest first.
func (r *BotProfileRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.BotProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM bot_profiles
		WHERE tenant_id = $1 AND is_active = true
		ORDER BY created_at DESC`

	var profiles []*models.BotProfile
	if err := r.db.SelectContext(ctx, &profiles, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list bot profiles: %w", err)
	}
	return profiles, nil
}

// Update writes the mutable fields of a bot profile.
func (r *BotProfileRepository) Update(ctx context.Context, profile *models.BotProfile) error {
	query := `
		UPDATE bot_profiles
		SET name = $1, description = $2, model = $3, system_prompt = $4,
		    temperature = $5, max_tokens = $6, encrypted_credentials = $7,
		    is_active = $8, updated_at = now()
		WHERE tenant_id = $9 AND id = $10`

	result, err := r.db.ExecContext(ctx, query,
		profile.Name, profile.Description, profile.Model, profile.SystemPrompt,
		profile.Temperature, profile.MaxTokens, profile.EncryptedCredentials,
		profile.IsActive, profile.TenantID, profile.ID)
	if err != nil {
		return fmt.Errorf("failed to update bot profile: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("bot profile: %w", ErrNotFound)
	}
	return nil
}

// SoftDelete hides a bot profile from list endpoints while preserving
// chats and sources that reference it.
func (r *BotProfileRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE bot_profiles
		SET is_active = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND is_active = true`

	result, err := r.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete bot profile: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("bot profile: %w", ErrNotFound)
	}
	return nil
}
