package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/security"
	"github.com/minirag/minirag/internal/webhook"
)

// WebhookAPI manages tenant webhook registrations and test pings.
type WebhookAPI struct {
	store      *repository.Store
	dispatcher *webhook.Dispatcher
	logger     observability.Logger
}

// NewWebhookAPI creates the webhook handler group.
func NewWebhookAPI(store *repository.Store, dispatcher *webhook.Dispatcher, logger observability.Logger) *WebhookAPI {
	return &WebhookAPI{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger.WithPrefix("api.webhooks"),
	}
}

// RegisterRoutes mounts the webhook endpoints.
func (a *WebhookAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/webhooks", a.Create)
	router.GET("/webhooks", a.List)
	router.GET("/webhooks/:id", a.Get)
	router.DELETE("/webhooks/:id", a.Delete)
	router.POST("/webhooks/:id/test", a.Test)
}

// webhookResponse exposes the decoded event list and whether a secret is
// set. The secret itself never appears in read responses.
type webhookResponse struct {
	*models.Webhook
	Events    []string `json:"events"`
	HasSecret bool     `json:"has_secret"`
}

// webhookCreatedResponse additionally carries the raw secret, shown only
// in the create response.
type webhookCreatedResponse struct {
	webhookResponse
	Secret string `json:"secret"`
}

func webhookView(wh *models.Webhook) webhookResponse {
	events := wh.EventList()
	if events == nil {
		events = []string{}
	}
	return webhookResponse{
		Webhook:   wh,
		Events:    events,
		HasSecret: wh.Secret != "",
	}
}

type createWebhookRequest struct {
	URL         string   `json:"url" binding:"required,max=2048"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret" binding:"omitempty,max=255"`
	Description string   `json:"description" binding:"omitempty,max=1000"`
}

// Create registers a webhook. When no secret is supplied one is
// generated; either way the create response is the only place it is
// ever returned.
func (a *WebhookAPI) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createWebhookRequest
	if !bindJSON(c, &req) {
		return
	}

	valid := make(map[string]bool, len(models.KnownWebhookEvents))
	names := make([]string, 0, len(models.KnownWebhookEvents))
	for _, ev := range models.KnownWebhookEvents {
		valid[string(ev)] = true
		names = append(names, string(ev))
	}
	sort.Strings(names)
	for _, ev := range req.Events {
		if !valid[ev] {
			detail(c, http.StatusUnprocessableEntity,
				"Invalid event type: "+ev+". Valid: "+strings.Join(names, ", "))
			return
		}
	}

	secret := req.Secret
	if secret == "" {
		var err error
		secret, err = security.GenerateWebhookSecret()
		if err != nil {
			a.logger.Error("Secret generation failed", map[string]interface{}{"error": err.Error()})
			detail(c, http.StatusInternalServerError, "Internal server error")
			return
		}
	}

	if req.Events == nil {
		req.Events = []string{}
	}
	events, err := json.Marshal(req.Events)
	if err != nil {
		a.logger.Error("Event encode failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	now := time.Now().UTC()
	wh := &models.Webhook{
		ID:          uuid.New(),
		TenantID:    identity.TenantID,
		URL:         req.URL,
		Secret:      secret,
		Events:      string(events),
		Description: req.Description,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.store.Webhooks.Create(c.Request.Context(), wh); err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	c.JSON(http.StatusCreated, webhookCreatedResponse{
		webhookResponse: webhookView(wh),
		Secret:          secret,
	})
}

// List returns the tenant's webhooks, newest first.
func (a *WebhookAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	hooks, err := a.store.Webhooks.List(c.Request.Context(), identity.TenantID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	views := make([]webhookResponse, 0, len(hooks))
	for _, wh := range hooks {
		views = append(views, webhookView(wh))
	}
	c.JSON(http.StatusOK, views)
}

// Get returns one webhook.
func (a *WebhookAPI) Get(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	wh, err := a.store.Webhooks.Get(c.Request.Context(), identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Webhook not found", "")
		return
	}
	c.JSON(http.StatusOK, webhookView(wh))
}

// Delete removes a webhook permanently.
func (a *WebhookAPI) Delete(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := a.store.Webhooks.Delete(c.Request.Context(), identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Webhook not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}

// Test sends a signed test.ping to the webhook URL and reports the
// outcome without failing the request on delivery errors.
func (a *WebhookAPI) Test(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	wh, err := a.store.Webhooks.Get(c.Request.Context(), identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Webhook not found", "")
		return
	}
	c.JSON(http.StatusOK, a.dispatcher.SendTest(c.Request.Context(), wh))
}
