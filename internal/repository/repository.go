// Package repository implements PostgreSQL data access. Every query on a
// tenant-owned table carries an explicit tenant_id filter; cross-tenant
// reads are not expressible through this package.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist under the
	// caller's tenant. Handlers map it to 404.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned on unique constraint violations.
	// Handlers map it to 409.
	ErrDuplicate = errors.New("already exists")
)

// uniqueViolation is the PostgreSQL error code for unique_violation.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Store bundles all repositories over one connection pool.
type Store struct {
	db *sqlx.DB

	Tenants   *TenantRepository
	Users     *UserRepository
	Tokens    *APITokenRepository
	Profiles  *BotProfileRepository
	Sources   *SourceRepository
	Documents *DocumentRepository
	Chats     *ChatRepository
	Stats     *StatsRepository
	Webhooks  *WebhookRepository
}

// NewStore creates a Store and its repositories.
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:        db,
		Tenants:   NewTenantRepository(db),
		Users:     NewUserRepository(db),
		Tokens:    NewAPITokenRepository(db),
		Profiles:  NewBotProfileRepository(db),
		Sources:   NewSourceRepository(db),
		Documents: NewDocumentRepository(db),
		Chats:     NewChatRepository(db),
		Stats:     NewStatsRepository(db),
		Webhooks:  NewWebhookRepository(db),
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// BeginTx begins a transaction for multi-repository writes.
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
