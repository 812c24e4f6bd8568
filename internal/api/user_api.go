package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/middleware"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
)

// UserAPI manages the tenant's user accounts. Every route requires an
// owner or admin caller; owner accounts may only be touched by the
// owner.
type UserAPI struct {
	store  *repository.Store
	logger observability.Logger
}

// NewUserAPI creates the user handler group.
func NewUserAPI(store *repository.Store, logger observability.Logger) *UserAPI {
	return &UserAPI{
		store:  store,
		logger: logger.WithPrefix("api.users"),
	}
}

// RegisterRoutes mounts the user endpoints behind the role gate.
func (a *UserAPI) RegisterRoutes(router *gin.RouterGroup) {
	users := router.Group("/users", middleware.RequireElevated())
	users.POST("", a.Create)
	users.GET("", a.List)
	users.PATCH("/:id", a.Update)
	users.DELETE("/:id", a.Deactivate)
}

type createUserRequest struct {
	Email       string          `json:"email" binding:"required,email,max=320"`
	Password    string          `json:"password" binding:"required,min=8,max=128"`
	DisplayName string          `json:"display_name" binding:"omitempty,max=255"`
	Role        models.UserRole `json:"role"`
}

// Create adds a user to the caller's tenant.
func (a *UserAPI) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createUserRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}
	if !req.Role.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid role")
		return
	}
	if req.Role == models.RoleOwner && identity.Role != models.RoleOwner {
		detail(c, http.StatusForbidden, "Only the owner can manage owner accounts")
		return
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		a.logger.Error("Password hash failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:           uuid.New(),
		TenantID:     identity.TenantID,
		Email:        req.Email,
		PasswordHash: hash,
		DisplayName:  req.DisplayName,
		Role:         req.Role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.Users.Create(c.Request.Context(), nil, user); err != nil {
		respondStoreError(c, a.logger, err, "", "A user with this email already exists in this tenant")
		return
	}
	c.JSON(http.StatusCreated, user)
}

// List returns the tenant's users ordered by email.
func (a *UserAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	users, err := a.store.Users.List(c.Request.Context(), identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, users)
}

type updateUserRequest struct {
	Email       *string          `json:"email" binding:"omitempty,email,max=320"`
	Password    *string          `json:"password" binding:"omitempty,min=8,max=128"`
	DisplayName *string          `json:"display_name" binding:"omitempty,max=255"`
	Role        *models.UserRole `json:"role"`
	IsActive    *bool            `json:"is_active"`
}

// Update applies a partial update, rehashing the password when one is
// supplied.
func (a *UserAPI) Update(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Role != nil && !req.Role.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid role")
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.Users.Get(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "User not found", "")
		return
	}
	if identity.Role != models.RoleOwner {
		if user.Role == models.RoleOwner || (req.Role != nil && *req.Role == models.RoleOwner) {
			detail(c, http.StatusForbidden, "Only the owner can manage owner accounts")
			return
		}
	}

	if req.Email != nil {
		user.Email = *req.Email
	}
	if req.Password != nil {
		hash, err := security.HashPassword(*req.Password)
		if err != nil {
			a.logger.Error("Password hash failed", map[string]interface{}{"error": err.Error()})
			detail(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		user.PasswordHash = hash
	}
	if req.DisplayName != nil {
		user.DisplayName = *req.DisplayName
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}

	if err := a.store.Users.Update(ctx, user); err != nil {
		respondStoreError(c, a.logger, err, "User not found", "A user with this email already exists in this tenant")
		return
	}
	user.UpdatedAt = time.Now().UTC()
	c.JSON(http.StatusOK, user)
}

// Deactivate disables a user account. Rows are never deleted so the
// audit trail survives.
func (a *UserAPI) Deactivate(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	user, err := a.store.Users.Get(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "User not found", "")
		return
	}
	if user.Role == models.RoleOwner && identity.Role != models.RoleOwner {
		detail(c, http.StatusForbidden, "Only the owner can manage owner accounts")
		return
	}

	if err := a.store.Users.Deactivate(ctx, identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "User not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}
