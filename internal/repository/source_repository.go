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

// sourceColumns lists every sources column except content, which can be
// large and is only needed by the ingest path.
const sourceColumns = `id, tenant_id, bot_profile_id, parent_id, name, description,
	source_type, status, config, refresh_schedule, last_refreshed_at, error_message,
	document_count, chunk_count, is_active, created_at, updated_at`

// SourceRepository handles source rows and their lifecycle transitions.
type SourceRepository struct {
	db *sqlx.DB
}

// NewSourceRepository creates a new source repository instance.
func NewSourceRepository(db *sqlx.DB) *SourceRepository {
	return &SourceRepository{db: db}
}

// ListSourcesFilter narrows List. A nil ParentID with IncludeChildren
// false returns only top-level sources.
type ListSourcesFilter struct {
	BotProfileID    *uuid.UUID
	ParentID        *uuid.UUID
	IncludeChildren bool
}

// Create inserts a source. When tx is non-nil the insert joins the
// caller's transaction, which batch creation uses to keep a parent and
// its children atomic.
func (r *SourceRepository) Create(ctx context.Context, tx *sqlx.Tx, src *models.Source) error {
	query := `
		INSERT INTO sources (id, tenant_id, bot_profile_id, parent_id, name, description,
			source_type, status, content, config, refresh_schedule,
			document_count, chunk_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	args := []interface{}{
		src.ID, src.TenantID, src.BotProfileID, src.ParentID, src.Name, src.Description,
		src.SourceType, src.Status, src.Content, src.Config, src.RefreshSchedule,
		src.DocumentCount, src.ChunkCount, src.IsActive,
	}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to insert source: %w", err)
	}
	return nil
}

// Get retrieves a source without its content. Soft-deleted rows are
// still returned so delete and error reporting stay visible.
func (r *SourceRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1 AND tenant_id = $2`

	if err := r.db.GetContext(ctx, &src, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return &src, nil
}

// GetWithContent retrieves a source including its raw content. The
// ingest worker is the only caller.
func (r *SourceRepository) GetWithContent(ctx context.Context, tenantID, id uuid.UUID) (*models.Source, error) {
	var src models.Source
	query := `SELECT ` + sourceColumns + `, content FROM sources WHERE id = $1 AND tenant_id = $2`

	if err := r.db.GetContext(ctx, &src, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("source: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get source content: %w", err)
	}
	return &src, nil
}

// List returns active sources newest first. Without a ParentID filter
// the listing covers top-level sources only, unless IncludeChildren is
// set.
func (r *SourceRepository) List(ctx context.Context, tenantID uuid.UUID, filter ListSourcesFilter) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE tenant_id = $1 AND is_active = true`
	args := []interface{}{tenantID}

	if filter.BotProfileID != nil {
		args = append(args, *filter.BotProfileID)
		query += fmt.Sprintf(" AND bot_profile_id = $%d", len(args))
	}
	if filter.ParentID != nil {
		args = append(args, *filter.ParentID)
		query += fmt.Sprintf(" AND parent_id = $%d", len(args))
	} else if !filter.IncludeChildren {
		query += " AND parent_id IS NULL"
	}
	query += " ORDER BY created_at DESC"

	sources := []*models.Source{}
	if err := r.db.SelectContext(ctx, &sources, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

// ListChildren returns the active children of a parent source, oldest
// first. Parent status and chunk counts aggregate over this set.
func (r *SourceRepository) ListChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + `
		FROM sources
		WHERE parent_id = $1 AND tenant_id = $2 AND is_active = true
		ORDER BY created_at ASC`

	children := []*models.Source{}
	if err := r.db.SelectContext(ctx, &children, query, parentID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list child sources: %w", err)
	}
	return children, nil
}

// Update writes the mutable fields of a source.
func (r *SourceRepository) Update(ctx context.Context, src *models.Source) error {
	query := `
		UPDATE sources
		SET name = $1, description = $2, config = $3, content = $4,
			refresh_schedule = $5, is_active = $6, updated_at = NOW()
		WHERE id = $7 AND tenant_id = $8`

	result, err := r.db.ExecContext(ctx, query,
		src.Name, src.Description, src.Config, src.Content,
		src.RefreshSchedule, src.IsActive, src.ID, src.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source: %w", ErrNotFound)
	}
	return nil
}

// SoftDelete deactivates a source and cascades to its active children
// in one transaction.
func (r *SourceRepository) SoftDelete(ctx context.Context, tenantID, id uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE sources SET is_active = false, updated_at = NOW()
		WHERE parent_id = $1 AND tenant_id = $2 AND is_active = true`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate child sources: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE sources SET is_active = false, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate source: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source: %w", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit source delete: %w", err)
	}
	return nil
}

// SetProcessing marks a source as being ingested and clears any prior
// error message.
func (r *SourceRepository) SetProcessing(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE sources
		SET status = $1, error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3`

	result, err := r.db.ExecContext(ctx, query, models.SourceStatusProcessing, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to mark source processing: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check processing update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source: %w", ErrNotFound)
	}
	return nil
}

// FinalizeReady records a successful ingest: counters, refresh
// timestamp, and the ready status.
func (r *SourceRepository) FinalizeReady(ctx context.Context, tenantID, id uuid.UUID, documentCount, chunkCount int, refreshedAt time.Time) error {
	query := `
		UPDATE sources
		SET status = $1, document_count = $2, chunk_count = $3,
			error_message = NULL, last_refreshed_at = $4, updated_at = NOW()
		WHERE id = $5 AND tenant_id = $6`

	result, err := r.db.ExecContext(ctx, query,
		models.SourceStatusReady, documentCount, chunkCount, refreshedAt, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to finalize source: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check finalize update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source: %w", ErrNotFound)
	}
	return nil
}

// FinalizeError records a failed ingest with the error message the
// worker captured.
func (r *SourceRepository) FinalizeError(ctx context.Context, tenantID, id uuid.UUID, message string) error {
	query := `
		UPDATE sources
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4`

	result, err := r.db.ExecContext(ctx, query, models.SourceStatusError, message, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to record source error: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check error update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("source: %w", ErrNotFound)
	}
	return nil
}

// ListRefreshEligible returns sources across all tenants that are due
// for an automatic re-ingest at the given instant. A source is due when
// it has a schedule, is active, is not already processing, and either
// has never refreshed or its interval has elapsed.
func (r *SourceRepository) ListRefreshEligible(ctx context.Context, now time.Time) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + `
		FROM sources
		WHERE refresh_schedule <> 'none'
		  AND is_active = true
		  AND status <> 'processing'
		  AND (last_refreshed_at IS NULL
			OR (refresh_schedule = 'hourly' AND last_refreshed_at <= $1::timestamptz - interval '1 hour')
			OR (refresh_schedule = 'daily' AND last_refreshed_at <= $1::timestamptz - interval '24 hours')
			OR (refresh_schedule = 'weekly' AND last_refreshed_at <= $1::timestamptz - interval '168 hours'))
		ORDER BY created_at ASC`

	sources := []*models.Source{}
	if err := r.db.SelectContext(ctx, &sources, query, now); err != nil {
		return nil, fmt.Errorf("failed to list refresh-eligible sources: %w", err)
	}
	return sources, nil
}
