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

const (
	defaultSystemPrompt = "You are a helpful assistant."
	defaultTemperature  = 0.7
	defaultMaxTokens    = 1024
)

// ProfileAPI handles bot profile CRUD. Provider credentials are
// encrypted before they touch the database and only ever surface as a
// has_credentials flag.
type ProfileAPI struct {
	store        *repository.Store
	encryptor    *security.Encryptor
	defaultModel string
	logger       observability.Logger
}

// NewProfileAPI creates the bot profile handler group. defaultModel is
// used when a create request does not name one.
func NewProfileAPI(store *repository.Store, encryptor *security.Encryptor, defaultModel string, logger observability.Logger) *ProfileAPI {
	return &ProfileAPI{
		store:        store,
		encryptor:    encryptor,
		defaultModel: defaultModel,
		logger:       logger.WithPrefix("api.profiles"),
	}
}

// RegisterRoutes mounts the bot profile endpoints.
func (a *ProfileAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/bot-profiles", a.Create)
	router.GET("/bot-profiles", a.List)
	router.GET("/bot-profiles/:id", a.Get)
	router.PATCH("/bot-profiles/:id", a.Update)
	router.DELETE("/bot-profiles/:id", a.Delete)
}

// profileResponse adds the has_credentials flag; the ciphertext itself
// is never serialized.
type profileResponse struct {
	*models.BotProfile
	HasCredentials bool `json:"has_credentials"`
}

func profileView(p *models.BotProfile) profileResponse {
	return profileResponse{BotProfile: p, HasCredentials: p.HasCredentials()}
}

type createProfileRequest struct {
	Name         string                 `json:"name" binding:"required,max=255"`
	Description  string                 `json:"description" binding:"omitempty,max=1000"`
	Model        string                 `json:"model" binding:"omitempty,max=100"`
	SystemPrompt *string                `json:"system_prompt"`
	Temperature  *float64               `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens    *int                   `json:"max_tokens" binding:"omitempty,gte=1,lte=128000"`
	Credentials  map[string]interface{} `json:"credentials"`
}

// Create registers a new bot profile under the caller's tenant.
func (a *ProfileAPI) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createProfileRequest
	if !bindJSON(c, &req) {
		return
	}

	now := time.Now().UTC()
	profile := &models.BotProfile{
		ID:           uuid.New(),
		TenantID:     identity.TenantID,
		Name:         req.Name,
		Description:  req.Description,
		Model:        req.Model,
		SystemPrompt: defaultSystemPrompt,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if profile.Model == "" {
		profile.Model = a.defaultModel
	}
	if req.SystemPrompt != nil {
		profile.SystemPrompt = *req.SystemPrompt
	}
	if req.Temperature != nil {
		profile.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		profile.MaxTokens = *req.MaxTokens
	}
	if len(req.Credentials) > 0 {
		encrypted, err := a.encryptor.EncryptJSON(req.Credentials)
		if err != nil {
			a.logger.Error("Credential encryption failed", map[string]interface{}{"error": err.Error()})
			detail(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		profile.EncryptedCredentials = &encrypted
	}

	if err := a.store.Profiles.Create(c.Request.Context(), profile); err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusCreated, profileView(profile))
}

// List returns all bot profiles of the tenant, newest first.
func (a *ProfileAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	profiles, err := a.store.Profiles.List(c.Request.Context(), identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	views := make([]profileResponse, 0, len(profiles))
	for _, p := range profiles {
		views = append(views, profileView(p))
	}
	c.JSON(http.StatusOK, views)
}

// Get returns one bot profile.
func (a *ProfileAPI) Get(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	profile, err := a.store.Profiles.Get(c.Request.Context(), identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Bot profile not found", "")
		return
	}
	c.JSON(http.StatusOK, profileView(profile))
}

type updateProfileRequest struct {
	Name         *string                `json:"name" binding:"omitempty,max=255"`
	Description  *string                `json:"description" binding:"omitempty,max=1000"`
	Model        *string                `json:"model" binding:"omitempty,max=100"`
	SystemPrompt *string                `json:"system_prompt"`
	Temperature  *float64               `json:"temperature" binding:"omitempty,gte=0,lte=2"`
	MaxTokens    *int                   `json:"max_tokens" binding:"omitempty,gte=1,lte=128000"`
	Credentials  map[string]interface{} `json:"credentials"`
	IsActive     *bool                  `json:"is_active"`
}

// Update applies a partial update. Sending credentials replaces the
// stored ciphertext; sending an empty object clears it.
func (a *ProfileAPI) Update(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req updateProfileRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	profile, err := a.store.Profiles.Get(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Bot profile not found", "")
		return
	}

	if req.Name != nil {
		profile.Name = *req.Name
	}
	if req.Description != nil {
		profile.Description = *req.Description
	}
	if req.Model != nil {
		profile.Model = *req.Model
	}
	if req.SystemPrompt != nil {
		profile.SystemPrompt = *req.SystemPrompt
	}
	if req.Temperature != nil {
		profile.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		profile.MaxTokens = *req.MaxTokens
	}
	if req.IsActive != nil {
		profile.IsActive = *req.IsActive
	}
	if req.Credentials != nil {
		if len(req.Credentials) == 0 {
			profile.EncryptedCredentials = nil
		} else {
			encrypted, err := a.encryptor.EncryptJSON(req.Credentials)
			if err != nil {
				a.logger.Error("Credential encryption failed", map[string]interface{}{"error": err.Error()})
				detail(c, http.StatusInternalServerError, "Internal server error")
				return
			}
			profile.EncryptedCredentials = &encrypted
		}
	}

	if err := a.store.Profiles.Update(ctx, profile); err != nil {
		respondStoreError(c, a.logger, err, "Bot profile not found", "")
		return
	}
	profile.UpdatedAt = time.Now().UTC()
	c.JSON(http.StatusOK, profileView(profile))
}

// Delete soft-deletes a bot profile. Chats and sources that reference
// it survive; the profile just stops accepting new turns.
func (a *ProfileAPI) Delete(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := a.store.Profiles.SoftDelete(c.Request.Context(), identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Bot profile not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}
