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

const userColumns = `id, tenant_id, email, password_hash, display_name, role, is_active, created_at, updated_at`

// UserRepository handles tenant-scoped user rows.
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new user repository instance.
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user. A duplicate email within the tenant returns
// ErrDuplicate.
func (r *UserRepository) Create(ctx context.Context, tx *sqlx.Tx, user *models.User) error {
	query := `
		INSERT INTO users (id, tenant_id, email, password_hash, display_name, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query,
			user.ID, user.TenantID, user.Email, user.PasswordHash,
			user.DisplayName, user.Role, user.IsActive)
	} else {
		_, err = r.db.ExecContext(ctx, query,
			user.ID, user.TenantID, user.Email, user.PasswordHash,
			user.DisplayName, user.Role, user.IsActive)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %q: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetByEmail retrieves a user by email across tenants. Used by login.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return &user, nil
}

// GetByID retrieves a user without a tenant filter. Used when resolving
// API tokens, whose rows already pin the tenant.
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// Get retrieves a user within a tenant.
func (r *UserRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND id = $2`

	if err := r.db.GetContext(ctx, &user, query, tenantID, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// List retrieves all users for a tenant ordered by email.
func (r *UserRepository) List(ctx context.Context, tenantID uuid.UUID) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 ORDER BY email ASC`

	var users []*models.User
	if err := r.db.SelectContext(ctx, &users, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// Update writes the mutable fields of a user.
func (r *UserRepository) Update(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET email = $1, password_hash = $2, display_name = $3, role = $4,
		    is_active = $5, updated_at = now()
		WHERE tenant_id = $6 AND id = $7`

	result, err := r.db.ExecContext(ctx, query,
		user.Email, user.PasswordHash, user.DisplayName, user.Role,
		user.IsActive, user.TenantID, user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("email %q: %w", user.Email, ErrDuplicate)
		}
		return fmt.Errorf("failed to update user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}

// Deactivate disables a user account.
func (r *UserRepository) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	query := `
		UPDATE users
		SET is_active = false, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`

	result, err := r.db.ExecContext(ctx, query, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate user: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("user: %w", ErrNotFound)
	}
	return nil
}
