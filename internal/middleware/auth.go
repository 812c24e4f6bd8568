// Package middleware provides the gin middleware chain of the HTTP
// gateway: panic recovery, request logging, metrics, CORS, and bearer
// authentication.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/observability"
)

// identityKey stores the resolved AuthContext in the gin context.
const identityKey = "minirag.identity"

// Authenticate resolves the Authorization bearer credential and stores
// the resulting AuthContext for handlers. Requests without a valid
// credential are rejected with 401; resolver infrastructure failures
// surface as 500 rather than masquerading as bad credentials.
func Authenticate(resolver *auth.Resolver, logger observability.Logger) gin.HandlerFunc {
	log := logger.WithPrefix("http")
	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}

		identity, err := resolver.Resolve(c.Request.Context(), raw)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrCredentialExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Credential has expired"})
			case errors.Is(err, auth.ErrUnauthenticated):
				log.Warn("Authentication failed", map[string]interface{}{
					"ip":   c.ClientIP(),
					"path": c.Request.URL.Path,
				})
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid or expired credentials"})
			default:
				log.Error("Credential resolution failed", map[string]interface{}{
					"path":  c.Request.URL.Path,
					"error": err.Error(),
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
			}
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// RequireElevated rejects callers whose role is neither owner nor
// admin. It must run after Authenticate.
func RequireElevated() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := Identity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		if !identity.Role.Elevated() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"detail": "Only owners and admins can manage users"})
			return
		}
		c.Next()
	}
}

// Identity returns the AuthContext stored by Authenticate.
func Identity(c *gin.Context) (*auth.AuthContext, bool) {
	value, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	identity, ok := value.(*auth.AuthContext)
	return identity, ok
}

// SetIdentity stores an AuthContext directly, for handler tests that
// bypass the resolver.
func SetIdentity(c *gin.Context, identity *auth.AuthContext) {
	c.Set(identityKey, identity)
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}
