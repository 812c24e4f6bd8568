// Package auth resolves bearer credentials to an AuthContext. Two
// credential shapes are accepted: signed session tokens issued at login,
// and opaque API tokens looked up by digest.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
)

var (
	// ErrUnauthenticated covers every credential failure that is not an
	// expiry: bad signature, unknown token, disabled account or tenant.
	// The single error keeps responses from leaking which check failed.
	ErrUnauthenticated = errors.New("invalid or expired credentials")

	// ErrCredentialExpired is returned for expired sessions and API
	// tokens so clients can prompt for re-authentication.
	ErrCredentialExpired = errors.New("credential has expired")
)

// SessionClaims is the payload of a signed session token.
type SessionClaims struct {
	TenantID string `json:"tid"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// SessionManager issues and verifies HS256 session tokens.
type SessionManager struct {
	signingKey []byte
	ttl        time.Duration
}

// NewSessionManager creates a session manager with the given signing key
// and token lifetime.
func NewSessionManager(signingKey string, ttl time.Duration) *SessionManager {
	return &SessionManager{signingKey: []byte(signingKey), ttl: ttl}
}

// Issue creates a signed session token for a user.
func (m *SessionManager) Issue(userID, tenantID uuid.UUID, role models.UserRole) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		TenantID: tenantID.String(),
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.signingKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (m *SessionManager) Verify(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrCredentialExpired
		}
		return nil, ErrUnauthenticated
	}
	if !token.Valid {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}
