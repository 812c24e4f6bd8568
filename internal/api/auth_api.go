package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/minirag/minirag/internal/auth"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

// AuthAPI handles password login and identity introspection.
type AuthAPI struct {
	store    *repository.Store
	sessions *auth.SessionManager
	logger   observability.Logger
}

// NewAuthAPI creates the auth handler group.
func NewAuthAPI(store *repository.Store, sessions *auth.SessionManager, logger observability.Logger) *AuthAPI {
	return &AuthAPI{store: store, sessions: sessions, logger: logger.WithPrefix("api.auth")}
}

// RegisterPublicRoutes mounts the login endpoint.
func (a *AuthAPI) RegisterPublicRoutes(router *gin.RouterGroup) {
	router.POST("/auth/login", a.Login)
}

// RegisterRoutes mounts the authenticated identity endpoint.
func (a *AuthAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/auth/me", a.Me)
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login verifies an email and password and issues a session token. The
// failure detail never says whether the email or the password was
// wrong.
func (a *AuthAPI) Login(c *gin.Context) {
	var req loginRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.Users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			detail(c, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	if !security.VerifyPassword(req.Password, user.PasswordHash) {
		a.logger.Warn("Login rejected", map[string]interface{}{"ip": c.ClientIP()})
		detail(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	if !user.IsActive {
		detail(c, http.StatusForbidden, "Account is disabled")
		return
	}

	tenant, err := a.store.Tenants.GetByID(ctx, user.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "Tenant not found", "")
		return
	}
	if !tenant.IsActive {
		detail(c, http.StatusForbidden, "Tenant is disabled")
		return
	}

	token, err := a.sessions.Issue(user.ID, user.TenantID, user.Role)
	if err != nil {
		a.logger.Error("Session issue failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"user":         user,
		"tenant":       tenant,
	})
}

// Me returns the authenticated user and their tenant.
func (a *AuthAPI) Me(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.Users.Get(ctx, identity.TenantID, identity.UserID)
	if err != nil {
		respondStoreError(c, a.logger, err, "User not found", "")
		return
	}
	tenant, err := a.store.Tenants.GetByID(ctx, identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "Tenant not found", "")
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user, "tenant": tenant})
}
