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

// TenantRepository handles tenant rows.
type TenantRepository struct {
	db *sqlx.DB
}

// NewTenantRepository creates a new tenant repository instance.
func NewTenantRepository(db *sqlx.DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// Create inserts a tenant. A taken slug returns ErrDuplicate.
func (r *TenantRepository) Create(ctx context.Context, tx *sqlx.Tx, tenant *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, slug, plan, is_active)
		VALUES ($1, $2, $3, $4, $5)`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query,
			tenant.ID, tenant.Name, tenant.Slug, tenant.Plan, tenant.IsActive)
	} else {
		_, err = r.db.ExecContext(ctx, query,
			tenant.ID, tenant.Name, tenant.Slug, tenant.Plan, tenant.IsActive)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("slug %q: %w", tenant.Slug, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert tenant: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var tenant models.Tenant
	query := `
		SELECT id, name, slug, plan, is_active, created_at, updated_at
		FROM tenants
		WHERE id = $1`

	if err := r.db.GetContext(ctx, &tenant, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// GetBySlug retrieves a tenant by its slug.
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	var tenant models.Tenant
	query := `
		SELECT id, name, slug, plan, is_active, created_at, updated_at
		FROM tenants
		WHERE slug = $1`

	if err := r.db.GetContext(ctx, &tenant, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tenant: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get tenant by slug: %w", err)
	}
	return &tenant, nil
}
