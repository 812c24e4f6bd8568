package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/models"
)

var tenantRowColumns = []string{"id", "name", "slug", "plan", "is_active", "created_at", "updated_at"}

func TestTenantRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db)

	tenant := &models.Tenant{
		ID: uuid.New(), Name: "Acme", Slug: "acme", Plan: "free", IsActive: true,
	}
	mock.ExpectExec("INSERT INTO tenants").
		WithArgs(tenant.ID, "Acme", "acme", "free", true).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Create(context.Background(), nil, tenant)
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRepository_Create_TakenSlug(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db)

	mock.ExpectExec("INSERT INTO tenants").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repo.Create(context.Background(), nil, &models.Tenant{ID: uuid.New(), Slug: "acme"})
	assert.True(t, errors.Is(err, ErrDuplicate))
	assert.Contains(t, err.Error(), "acme")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRepository_GetBySlug(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db)

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("WHERE slug = ").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(tenantRowColumns).
			AddRow(id.String(), "Acme", "acme", "free", true, now, now))

	tenant, err := repo.GetBySlug(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, id, tenant.ID)
	assert.Equal(t, "acme", tenant.Slug)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTenantRepository_GetByID_Missing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTenantRepository(db)

	mock.ExpectQuery("FROM tenants").
		WillReturnRows(sqlmock.NewRows(tenantRowColumns))

	_, err := repo.GetByID(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
