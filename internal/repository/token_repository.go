package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minirag/minirag/internal/models"
)

const tokenColumns = `id, tenant_id, user_id, name, token_hash, token_prefix, is_active, expires_at, last_used_at, revoked_at, created_at, updated_at`

// APITokenRepository handles API token rows. Lookup by digest is the hot
// path of every API-token-authenticated request.
type APITokenRepository struct {
	db *sqlx.DB
}

// NewAPITokenRepository creates a new API token repository instance.
func NewAPITokenRepository(db *sqlx.DB) *APITokenRepository {
	return &APITokenRepository{db: db}
}

// Create inserts a token row.
func (r *APITokenRepository) Create(ctx context.Context, tx *sqlx.Tx, token *models.APIToken) error {
	query := `
		INSERT INTO api_tokens (id, tenant_id, user_id, name, token_hash, token_prefix, is_active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query,
			token.ID, token.TenantID, token.UserID, token.Name,
			token.TokenHash, token.TokenPrefix, token.IsActive, token.ExpiresAt)
	} else {
		_, err = r.db.ExecContext(ctx, query,
			token.ID, token.TenantID, token.UserID, token.Name,
			token.TokenHash, token.TokenPrefix, token.IsActive, token.ExpiresAt)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("token digest: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to insert api token: %w", err)
	}
	return nil
}

// GetByHash retrieves an unrevoked token by its digest. Revoked rows are
// excluded in SQL so a revoked plaintext can never authenticate.
func (r *APITokenRepository) GetByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	var token models.APIToken
	query := `
		SELECT ` + tokenColumns + `
		FROM api_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL`

	if err := r.db.GetContext(ctx, &token, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}
	return &token, nil
}

// Get retrieves a token within a tenant.
func (r *APITokenRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.APIToken, error) {
	var token models.APIToken
	query := `SELECT ` + tokenColumns + ` FROM api_tokens WHERE tenant_id = $1 AND id = $2`

	if err := r.db.GetContext(ctx, &token, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get api token: %w", err)
	}
	return &token, nil
}

// List retrieves the tenant's unrevoked tokens, newest first.
func (r *APITokenRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.APIToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM api_tokens
		WHERE tenant_id = $1 AND revoked_at IS NULL
		ORDER BY created_at DESC`

	var tokens []*models.APIToken
	if err := r.db.SelectContext(ctx, &tokens, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list api tokens: %w", err)
	}
	return tokens, nil
}

// Revoke marks a token revoked. Idempotent: revoking twice is not an
// error, revoking a missing token is.
func (r *APITokenRepository) Revoke(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE api_tokens
		SET revoked_at = now(), is_active = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND revoked_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to revoke api token: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish an already-revoked token from a missing one.
		var exists bool
		check := `SELECT EXISTS (SELECT 1 FROM api_tokens WHERE tenant_id = $1 AND id = $2)`
		if err := r.db.GetContext(ctx, &exists, check, tenantID, id); err != nil {
			return fmt.Errorf("failed to check api token: %w", err)
		}
		if !exists {
			return fmt.Errorf("api token: %w", ErrNotFound)
		}
	}
	return nil
}

// TouchLastUsed records when a token last authenticated a request. Called
// asynchronously; failures only cost bookkeeping accuracy.
func (r *APITokenRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE api_tokens SET last_used_at = $1 WHERE id = $2`
	if _, err := r.db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to touch api token: %w", err)
	}
	return nil
}
