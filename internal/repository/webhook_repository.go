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

const webhookColumns = `id, tenant_id, url, secret, events, description, is_active,
	created_at, updated_at`

// WebhookRepository handles webhook registrations. Unlike other
// entities these are hard-deleted; a removed endpoint should never
// receive another delivery.
type WebhookRepository struct {
	db *sqlx.DB
}

// NewWebhookRepository creates a new webhook repository instance.
func NewWebhookRepository(db *sqlx.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create inserts a webhook registration.
func (r *WebhookRepository) Create(ctx context.Context, wh *models.Webhook) error {
	query := `
		INSERT INTO webhooks (id, tenant_id, url, secret, events, description, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query,
		wh.ID, wh.TenantID, wh.URL, wh.Secret, wh.Events, wh.Description, wh.IsActive)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// Get retrieves a webhook.
func (r *WebhookRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Webhook, error) {
	var wh models.Webhook
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1 AND tenant_id = $2`

	if err := r.db.GetContext(ctx, &wh, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("webhook: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return &wh, nil
}

// List returns all webhooks of a tenant, newest first.
func (r *WebhookRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at DESC`

	webhooks := []*models.Webhook{}
	if err := r.db.SelectContext(ctx, &webhooks, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return webhooks, nil
}

// ListActive returns the active webhooks of a tenant for dispatch.
// Event filtering happens in the dispatcher.
func (r *WebhookRepository) ListActive(ctx context.Context, tenantID uuid.UUID) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE tenant_id = $1 AND is_active = true
		ORDER BY created_at ASC`

	webhooks := []*models.Webhook{}
	if err := r.db.SelectContext(ctx, &webhooks, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list active webhooks: %w", err)
	}
	return webhooks, nil
}

// Delete removes a webhook permanently.
func (r *WebhookRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check webhook delete: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("webhook: %w", ErrNotFound)
	}
	return nil
}
