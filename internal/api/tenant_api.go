package api

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// TenantAPI handles tenant bootstrap and tenant introspection.
type TenantAPI struct {
	store  *repository.Store
	logger observability.Logger
}

// NewTenantAPI creates the tenant handler group.
func NewTenantAPI(store *repository.Store, logger observability.Logger) *TenantAPI {
	return &TenantAPI{store: store, logger: logger.WithPrefix("api.tenants")}
}

// RegisterPublicRoutes mounts the only unauthenticated write endpoint.
func (a *TenantAPI) RegisterPublicRoutes(router *gin.RouterGroup) {
	router.POST("/tenants", a.Bootstrap)
}

// RegisterRoutes mounts the authenticated tenant endpoints.
func (a *TenantAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/tenants/me", a.CurrentTenant)
}

type bootstrapRequest struct {
	TenantName       string `json:"tenant_name" binding:"required,max=255"`
	TenantSlug       string `json:"tenant_slug" binding:"required,max=100"`
	OwnerEmail       string `json:"owner_email" binding:"required,email,max=320"`
	OwnerPassword    string `json:"owner_password" binding:"required,min=8,max=128"`
	OwnerDisplayName string `json:"owner_display_name" binding:"omitempty,max=255"`
}

// Bootstrap creates a tenant, its owner user, and an initial API token
// in one transaction. The raw token appears in this response and never
// again.
func (a *TenantAPI) Bootstrap(c *gin.Context) {
	var req bootstrapRequest
	if !bindJSON(c, &req) {
		return
	}
	if !slugPattern.MatchString(req.TenantSlug) {
		detail(c, http.StatusUnprocessableEntity, "Slug may only contain lowercase letters, digits, and hyphens")
		return
	}

	hash, err := security.HashPassword(req.OwnerPassword)
	if err != nil {
		a.internal(c, "hash password", err)
		return
	}
	rawToken, err := security.GenerateAPIToken()
	if err != nil {
		a.internal(c, "generate api token", err)
		return
	}

	ctx := c.Request.Context()
	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		a.internal(c, "begin transaction", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	tenant := &models.Tenant{
		ID:        uuid.New(),
		Name:      req.TenantName,
		Slug:      req.TenantSlug,
		Plan:      "free",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.Tenants.Create(ctx, tx, tenant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			detail(c, http.StatusConflict, fmt.Sprintf("Slug %q is already taken", req.TenantSlug))
			return
		}
		a.internal(c, "create tenant", err)
		return
	}

	owner := &models.User{
		ID:           uuid.New(),
		TenantID:     tenant.ID,
		Email:        req.OwnerEmail,
		PasswordHash: hash,
		DisplayName:  req.OwnerDisplayName,
		Role:         models.RoleOwner,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.Users.Create(ctx, tx, owner); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			detail(c, http.StatusConflict, "A user with this email already exists in this tenant")
			return
		}
		a.internal(c, "create owner", err)
		return
	}

	token := &models.APIToken{
		ID:          uuid.New(),
		TenantID:    tenant.ID,
		UserID:      owner.ID,
		Name:        "default",
		TokenHash:   security.HashAPIToken(rawToken),
		TokenPrefix: security.TokenPrefix(rawToken),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.Tokens.Create(ctx, tx, token); err != nil {
		a.internal(c, "create token", err)
		return
	}

	if err := tx.Commit(); err != nil {
		a.internal(c, "commit bootstrap", err)
		return
	}

	a.logger.Info("Tenant bootstrapped", map[string]interface{}{
		"tenant_id": tenant.ID.String(),
		"slug":      tenant.Slug,
	})

	c.JSON(http.StatusCreated, gin.H{
		"tenant":       tenant,
		"user":         owner,
		"api_token":    rawToken,
		"token_prefix": token.TokenPrefix,
	})
}

// CurrentTenant returns the tenant the credential resolved to.
func (a *TenantAPI) CurrentTenant(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	tenant, err := a.store.Tenants.GetByID(c.Request.Context(), identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "Tenant not found", "")
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (a *TenantAPI) internal(c *gin.Context, op string, err error) {
	a.logger.Error("Bootstrap failed", map[string]interface{}{
		"op":    op,
		"error": err.Error(),
	})
	detail(c, http.StatusInternalServerError, "Internal server error")
}
