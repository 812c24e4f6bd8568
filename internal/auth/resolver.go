package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

// AuthContext is the resolved identity carried through a request.
// TokenID is set only when an API token authenticated the request.
type AuthContext struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     models.UserRole
	TokenID  *uuid.UUID
}

// Resolver turns bearer credentials into an AuthContext. Session tokens
// carry a "." (compact JWS form); anything else is treated as an opaque
// API token.
type Resolver struct {
	store    *repository.Store
	sessions *SessionManager
	logger   observability.Logger
	now      func() time.Time
}

// NewResolver creates a credential resolver.
func NewResolver(store *repository.Store, sessions *SessionManager, logger observability.Logger) *Resolver {
	return &Resolver{
		store:    store,
		sessions: sessions,
		logger:   logger.WithPrefix("auth"),
		now:      time.Now,
	}
}

// Resolve authenticates a raw bearer credential. Both paths load the
// owning user and tenant; inactive accounts fail closed.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*AuthContext, error) {
	if raw == "" {
		return nil, ErrUnauthenticated
	}
	if strings.Contains(raw, ".") {
		return r.resolveSession(ctx, raw)
	}
	return r.resolveAPIToken(ctx, raw)
}

func (r *Resolver) resolveSession(ctx context.Context, raw string) (*AuthContext, error) {
	claims, err := r.sessions.Verify(raw)
	if err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	user, err := r.store.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !user.IsActive || user.TenantID != tenantID {
		return nil, ErrUnauthenticated
	}

	tenant, err := r.store.Tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !tenant.IsActive {
		return nil, ErrUnauthenticated
	}

	// The stored role wins over the claim; a role change takes effect
	// without waiting for the session to expire.
	return &AuthContext{TenantID: tenantID, UserID: userID, Role: user.Role}, nil
}

func (r *Resolver) resolveAPIToken(ctx context.Context, raw string) (*AuthContext, error) {
	token, err := r.store.Tokens.GetByHash(ctx, security.HashAPIToken(raw))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}

	now := r.now()
	if !token.IsActive || token.RevokedAt != nil {
		return nil, ErrUnauthenticated
	}
	if token.ExpiresAt != nil && !token.ExpiresAt.After(now) {
		return nil, ErrCredentialExpired
	}

	user, err := r.store.Users.GetByID(ctx, token.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrUnauthenticated
	}

	tenant, err := r.store.Tenants.GetByID(ctx, token.TenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !tenant.IsActive {
		return nil, ErrUnauthenticated
	}

	r.touchToken(token.ID, now)

	tokenID := token.ID
	return &AuthContext{
		TenantID: token.TenantID,
		UserID:   token.UserID,
		Role:     user.Role,
		TokenID:  &tokenID,
	}, nil
}

// touchToken records last_used_at off the request path. Losing the write
// only costs bookkeeping accuracy.
func (r *Resolver) touchToken(id uuid.UUID, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.Tokens.TouchLastUsed(ctx, id, at); err != nil {
			r.logger.Debug("Failed to record token use", map[string]interface{}{
				"token_id": id.String(),
				"error":    err.Error(),
			})
		}
	}()
}
