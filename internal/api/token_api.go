package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

// TokenAPI handles API token lifecycle: create, list, revoke.
type TokenAPI struct {
	store  *repository.Store
	logger observability.Logger
}

// NewTokenAPI creates the token handler group.
func NewTokenAPI(store *repository.Store, logger observability.Logger) *TokenAPI {
	return &TokenAPI{store: store, logger: logger.WithPrefix("api.tokens")}
}

// RegisterRoutes mounts the token endpoints.
func (a *TokenAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/api-tokens", a.Create)
	router.GET("/api-tokens", a.List)
	router.DELETE("/api-tokens/:id", a.Revoke)
}

type createTokenRequest struct {
	Name          string `json:"name" binding:"required,max=255"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1,max=3650"`
}

type tokenCreatedResponse struct {
	*models.APIToken
	RawToken string `json:"raw_token"`
}

// Create mints a new API token for the caller's tenant. The raw token
// is in this response only; afterwards the row holds just its digest.
func (a *TokenAPI) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	raw, err := security.GenerateAPIToken()
	if err != nil {
		a.logger.Error("Token generation failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := time.Now().UTC()
	token := &models.APIToken{
		ID:          uuid.New(),
		TenantID:    identity.TenantID,
		UserID:      identity.UserID,
		Name:        req.Name,
		TokenHash:   security.HashAPIToken(raw),
		TokenPrefix: security.TokenPrefix(raw),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.ExpiresInDays > 0 {
		expires := now.AddDate(0, 0, req.ExpiresInDays)
		token.ExpiresAt = &expires
	}

	if err := a.store.Tokens.Create(c.Request.Context(), nil, token); err != nil {
		respondStoreError(c, a.logger, err, "", "Token collision, retry")
		return
	}

	c.JSON(http.StatusCreated, tokenCreatedResponse{APIToken: token, RawToken: raw})
}

// List returns the tenant's tokens, digests excluded.
func (a *TokenAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tokens, err := a.store.Tokens.List(c.Request.Context(), identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, tokens)
}

// Revoke permanently disables a token. Revocation wins over any cached
// credential: the digest lookup excludes revoked rows.
func (a *TokenAPI) Revoke(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := a.store.Tokens.Revoke(c.Request.Context(), identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Token not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}
