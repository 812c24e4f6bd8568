package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/processor"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/repository"
)

// SourceAPI handles source CRUD, file uploads, parent/child batches,
// and ingestion triggers.
type SourceAPI struct {
	store   *repository.Store
	jobs    *queue.Queue
	uploads *processor.UploadExtractor
	logger  observability.Logger
}

// NewSourceAPI creates the source handler group.
func NewSourceAPI(store *repository.Store, jobs *queue.Queue, uploads *processor.UploadExtractor, logger observability.Logger) *SourceAPI {
	return &SourceAPI{
		store:   store,
		jobs:    jobs,
		uploads: uploads,
		logger:  logger.WithPrefix("api.sources"),
	}
}

// RegisterRoutes mounts the source endpoints.
func (a *SourceAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/sources", a.Create)
	router.POST("/sources/upload", a.Upload)
	router.POST("/sources/batch", a.CreateBatch)
	router.GET("/sources", a.List)
	router.GET("/sources/:id", a.Get)
	router.GET("/sources/:id/children", a.ListChildren)
	router.PATCH("/sources/:id", a.Update)
	router.DELETE("/sources/:id", a.Delete)
	router.POST("/sources/:id/ingest", a.TriggerIngest)
	router.POST("/sources/:id/ingest-children", a.TriggerIngestChildren)
}

// sourceResponse decodes the stored config JSON and carries the
// aggregated view a parent presents: children_count plus status and
// chunk totals rolled up from its children.
type sourceResponse struct {
	*models.Source
	Config        json.RawMessage     `json:"config"`
	Status        models.SourceStatus `json:"status"`
	ChunkCount    int                 `json:"chunk_count"`
	ChildrenCount int                 `json:"children_count"`
}

func sourceView(src *models.Source, children []*models.Source) sourceResponse {
	view := sourceResponse{
		Source:        src,
		Config:        rawConfig(src.Config),
		Status:        src.Status,
		ChunkCount:    src.ChunkCount,
		ChildrenCount: len(children),
	}
	if len(children) > 0 {
		view.Status = aggregateStatus(children)
		total := 0
		for _, child := range children {
			total += child.ChunkCount
		}
		view.ChunkCount = total
	}
	return view
}

func rawConfig(cfg string) json.RawMessage {
	if strings.TrimSpace(cfg) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(cfg)
}

// aggregateStatus rolls child statuses up to the parent: any child
// still processing dominates, then any error, then all-ready; anything
// else reads as pending.
func aggregateStatus(children []*models.Source) models.SourceStatus {
	processing, errored, ready := false, false, true
	for _, child := range children {
		switch child.Status {
		case models.SourceStatusProcessing:
			processing = true
			ready = false
		case models.SourceStatusError:
			errored = true
			ready = false
		case models.SourceStatusReady:
		default:
			ready = false
		}
	}
	switch {
	case processing:
		return models.SourceStatusProcessing
	case errored:
		return models.SourceStatusError
	case ready:
		return models.SourceStatusReady
	}
	return models.SourceStatusPending
}

type createSourceRequest struct {
	BotProfileID    uuid.UUID              `json:"bot_profile_id" binding:"required"`
	Name            string                 `json:"name" binding:"required,max=255"`
	Description     string                 `json:"description" binding:"omitempty,max=1000"`
	SourceType      models.SourceType      `json:"source_type" binding:"required"`
	Config          map[string]interface{} `json:"config"`
	Content         *string                `json:"content"`
	ParentID        *uuid.UUID             `json:"parent_id"`
	RefreshSchedule models.RefreshSchedule `json:"refresh_schedule"`
}

// Create registers a text or url source. URL sources accept their
// address in either config.url or content; both fields end up holding
// it so the fetcher and the data model agree.
func (a *SourceAPI) Create(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req createSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	if !req.SourceType.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid source_type")
		return
	}
	if req.RefreshSchedule == "" {
		req.RefreshSchedule = models.RefreshNone
	}
	if !req.RefreshSchedule.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid refresh_schedule")
		return
	}

	ctx := c.Request.Context()
	if !a.verifyBotProfile(c, identity.TenantID, req.BotProfileID) {
		return
	}
	if req.ParentID != nil {
		if _, ok := a.validateParent(c, identity.TenantID, *req.ParentID, req.BotProfileID); !ok {
			return
		}
	}

	if req.Config == nil {
		req.Config = map[string]interface{}{}
	}
	content := req.Content
	if req.SourceType == models.SourceTypeURL {
		addr, _ := req.Config["url"].(string)
		if addr == "" && content != nil {
			addr = strings.TrimSpace(*content)
		}
		if addr != "" {
			req.Config["url"] = addr
			content = &addr
		}
	}
	cfgJSON, err := json.Marshal(req.Config)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid config")
		return
	}

	now := time.Now().UTC()
	src := &models.Source{
		ID:              uuid.New(),
		TenantID:        identity.TenantID,
		BotProfileID:    req.BotProfileID,
		ParentID:        req.ParentID,
		Name:            req.Name,
		Description:     req.Description,
		SourceType:      req.SourceType,
		Status:          models.SourceStatusPending,
		Content:         content,
		Config:          string(cfgJSON),
		RefreshSchedule: req.RefreshSchedule,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.Sources.Create(ctx, nil, src); err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusCreated, sourceView(src, nil))
}

// Upload accepts a multipart file, extracts its text immediately, and
// enqueues ingestion. A queue outage does not fail the request; the
// source is created and can be ingested manually.
func (a *SourceAPI) Upload(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "A file field is required")
		return
	}
	botProfileID, err := uuid.Parse(c.PostForm("bot_profile_id"))
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, "Invalid bot_profile_id")
		return
	}
	var parentID *uuid.UUID
	if raw := c.PostForm("parent_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			detail(c, http.StatusUnprocessableEntity, "Invalid parent_id")
			return
		}
		parentID = &id
	}

	filename := filepath.Base(header.Filename)
	if !a.uploads.Allowed(filename) {
		detail(c, http.StatusUnprocessableEntity, fmt.Sprintf(
			"Unsupported file type: %s. Allowed: .csv, .docx, .md, .pdf, .txt",
			strings.ToLower(filepath.Ext(filename))))
		return
	}
	if header.Size > processor.MaxUploadSize {
		detail(c, http.StatusUnprocessableEntity, fmt.Sprintf(
			"File too large. Maximum size is %d MB.", processor.MaxUploadSize/(1<<20)))
		return
	}

	file, err := header.Open()
	if err != nil {
		a.logger.Error("Upload open failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, processor.MaxUploadSize+1))
	if err != nil {
		a.logger.Error("Upload read failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	if len(content) > processor.MaxUploadSize {
		detail(c, http.StatusUnprocessableEntity, fmt.Sprintf(
			"File too large. Maximum size is %d MB.", processor.MaxUploadSize/(1<<20)))
		return
	}

	ctx := c.Request.Context()
	if !a.verifyBotProfile(c, identity.TenantID, botProfileID) {
		return
	}
	if parentID != nil {
		if _, ok := a.validateParent(c, identity.TenantID, *parentID, botProfileID); !ok {
			return
		}
	}

	text, err := a.uploads.Extract(filename, content)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrUnsupportedType), errors.Is(err, processor.ErrNoExtractor):
			detail(c, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, processor.ErrFileTooLarge):
			detail(c, http.StatusUnprocessableEntity, fmt.Sprintf(
				"File too large. Maximum size is %d MB.", processor.MaxUploadSize/(1<<20)))
		default:
			detail(c, http.StatusUnprocessableEntity, "Failed to extract text from "+filename)
		}
		return
	}

	cfgJSON, err := json.Marshal(map[string]interface{}{
		"original_filename": filename,
		"file_size":         len(content),
	})
	if err != nil {
		a.logger.Error("Upload config encode failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	name := c.PostForm("name")
	if name == "" {
		name = filename
	}

	now := time.Now().UTC()
	src := &models.Source{
		ID:              uuid.New(),
		TenantID:        identity.TenantID,
		BotProfileID:    botProfileID,
		ParentID:        parentID,
		Name:            name,
		Description:     c.PostForm("description"),
		SourceType:      models.SourceTypeUpload,
		Status:          models.SourceStatusPending,
		Content:         &text,
		Config:          string(cfgJSON),
		RefreshSchedule: models.RefreshNone,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.Sources.Create(ctx, nil, src); err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	// The source exists either way; ingestion can be retriggered.
	if _, err := a.jobs.Enqueue(ctx, queue.NewIngestJob(identity.TenantID, src.ID)); err != nil {
		a.logger.Warn("Auto-ingest enqueue failed", map[string]interface{}{
			"source_id": src.ID.String(),
			"error":     err.Error(),
		})
	}

	c.JSON(http.StatusCreated, sourceView(src, nil))
}

type batchChildRequest struct {
	Name        string                 `json:"name" binding:"required,max=255"`
	Description string                 `json:"description" binding:"omitempty,max=1000"`
	SourceType  models.SourceType      `json:"source_type" binding:"required"`
	Config      map[string]interface{} `json:"config"`
	Content     *string                `json:"content"`
}

type batchCreateRequest struct {
	BotProfileID uuid.UUID           `json:"bot_profile_id" binding:"required"`
	Name         string              `json:"name" binding:"required,max=255"`
	Description  string              `json:"description" binding:"omitempty,max=1000"`
	SourceType   models.SourceType   `json:"source_type"`
	Children     []batchChildRequest `json:"children" binding:"omitempty,dive"`
}

// CreateBatch creates a parent and its children in one transaction. The
// parent carries no content of its own; its status and counts are
// aggregated from the children on read.
func (a *SourceAPI) CreateBatch(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req batchCreateRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Children) == 0 {
		detail(c, http.StatusUnprocessableEntity, "At least one child source is required")
		return
	}
	if req.SourceType == "" {
		req.SourceType = models.SourceTypeURL
	}
	if !req.SourceType.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid source_type")
		return
	}
	for _, child := range req.Children {
		if !child.SourceType.Valid() {
			detail(c, http.StatusUnprocessableEntity, "Invalid source_type")
			return
		}
	}

	ctx := c.Request.Context()
	if !a.verifyBotProfile(c, identity.TenantID, req.BotProfileID) {
		return
	}

	tx, err := a.store.BeginTx(ctx)
	if err != nil {
		a.logger.Error("Batch create failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	parent := &models.Source{
		ID:              uuid.New(),
		TenantID:        identity.TenantID,
		BotProfileID:    req.BotProfileID,
		Name:            req.Name,
		Description:     req.Description,
		SourceType:      req.SourceType,
		Status:          models.SourceStatusPending,
		Config:          "{}",
		RefreshSchedule: models.RefreshNone,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.Sources.Create(ctx, tx, parent); err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	children := make([]*models.Source, 0, len(req.Children))
	for _, childReq := range req.Children {
		cfg := childReq.Config
		if cfg == nil {
			cfg = map[string]interface{}{}
		}
		content := childReq.Content
		if childReq.SourceType == models.SourceTypeURL {
			addr, _ := cfg["url"].(string)
			if addr == "" && content != nil {
				addr = strings.TrimSpace(*content)
			}
			if addr != "" {
				cfg["url"] = addr
				content = &addr
			}
		}
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			detail(c, http.StatusUnprocessableEntity, "Invalid config")
			return
		}
		child := &models.Source{
			ID:              uuid.New(),
			TenantID:        identity.TenantID,
			BotProfileID:    req.BotProfileID,
			ParentID:        &parent.ID,
			Name:            childReq.Name,
			Description:     childReq.Description,
			SourceType:      childReq.SourceType,
			Status:          models.SourceStatusPending,
			Content:         content,
			Config:          string(cfgJSON),
			RefreshSchedule: models.RefreshNone,
			IsActive:        true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := a.store.Sources.Create(ctx, tx, child); err != nil {
			respondStoreError(c, a.logger, err, "", "")
			return
		}
		children = append(children, child)
	}

	if err := tx.Commit(); err != nil {
		a.logger.Error("Batch commit failed", map[string]interface{}{"error": err.Error()})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	childViews := make([]sourceResponse, 0, len(children))
	for _, child := range children {
		childViews = append(childViews, sourceView(child, nil))
	}
	c.JSON(http.StatusCreated, gin.H{
		"parent":   sourceView(parent, children),
		"children": childViews,
	})
}

// List returns sources under the tenant. With no filters only top-level
// sources appear, each with its children aggregated; parent_id narrows
// to one parent's children; include_children flattens everything.
func (a *SourceAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	botProfileID, ok := queryUUID(c, "bot_profile_id")
	if !ok {
		return
	}
	parentID, ok := queryUUID(c, "parent_id")
	if !ok {
		return
	}
	includeChildren := c.Query("include_children") == "true"

	ctx := c.Request.Context()
	sources, err := a.store.Sources.List(ctx, identity.TenantID, repository.ListSourcesFilter{
		BotProfileID:    botProfileID,
		ParentID:        parentID,
		IncludeChildren: includeChildren,
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	views := make([]sourceResponse, 0, len(sources))
	if parentID == nil && !includeChildren {
		for _, src := range sources {
			children, err := a.store.Sources.ListChildren(ctx, identity.TenantID, src.ID)
			if err != nil {
				respondStoreError(c, a.logger, err, "", "")
				return
			}
			views = append(views, sourceView(src, children))
		}
	} else {
		for _, src := range sources {
			views = append(views, sourceView(src, nil))
		}
	}
	c.JSON(http.StatusOK, views)
}

// Get returns one source, aggregated when it has children.
func (a *SourceAPI) Get(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	src, err := a.store.Sources.Get(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	children, err := a.store.Sources.ListChildren(ctx, identity.TenantID, src.ID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, sourceView(src, children))
}

// ListChildren returns a parent's child sources, oldest first.
func (a *SourceAPI) ListChildren(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := a.store.Sources.Get(ctx, identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	children, err := a.store.Sources.ListChildren(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	views := make([]sourceResponse, 0, len(children))
	for _, child := range children {
		views = append(views, sourceView(child, nil))
	}
	c.JSON(http.StatusOK, views)
}

type updateSourceRequest struct {
	Name            *string                 `json:"name" binding:"omitempty,max=255"`
	Description     *string                 `json:"description" binding:"omitempty,max=1000"`
	Config          map[string]interface{}  `json:"config"`
	Content         *string                 `json:"content"`
	RefreshSchedule *models.RefreshSchedule `json:"refresh_schedule"`
	IsActive        *bool                   `json:"is_active"`
}

// Update applies a partial update. Content changes take effect on the
// next ingest run.
func (a *SourceAPI) Update(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req updateSourceRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.RefreshSchedule != nil && !req.RefreshSchedule.Valid() {
		detail(c, http.StatusUnprocessableEntity, "Invalid refresh_schedule")
		return
	}

	ctx := c.Request.Context()
	src, err := a.store.Sources.GetWithContent(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}

	if req.Name != nil {
		src.Name = *req.Name
	}
	if req.Description != nil {
		src.Description = *req.Description
	}
	if req.Content != nil {
		src.Content = req.Content
	}
	if req.Config != nil {
		cfgJSON, err := json.Marshal(req.Config)
		if err != nil {
			detail(c, http.StatusUnprocessableEntity, "Invalid config")
			return
		}
		src.Config = string(cfgJSON)
	}
	if req.RefreshSchedule != nil {
		src.RefreshSchedule = *req.RefreshSchedule
	}
	if req.IsActive != nil {
		src.IsActive = *req.IsActive
	}

	if err := a.store.Sources.Update(ctx, src); err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	src.UpdatedAt = time.Now().UTC()

	children, err := a.store.Sources.ListChildren(ctx, identity.TenantID, src.ID)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, sourceView(src, children))
}

// Delete soft-deletes a source and its children.
func (a *SourceAPI) Delete(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	if err := a.store.Sources.SoftDelete(c.Request.Context(), identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	c.Status(http.StatusNoContent)
}

// TriggerIngest enqueues one ingest job. A source already mid-ingest is
// rejected so runs do not pile up behind the per-source lock.
func (a *SourceAPI) TriggerIngest(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	src, err := a.store.Sources.Get(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	if src.Status == models.SourceStatusProcessing {
		detail(c, http.StatusConflict, "Source is already being processed")
		return
	}

	if _, err := a.jobs.Enqueue(ctx, queue.NewIngestJob(identity.TenantID, src.ID)); err != nil {
		a.logger.Error("Ingest enqueue failed", map[string]interface{}{
			"source_id": src.ID.String(),
			"error":     err.Error(),
		})
		detail(c, http.StatusServiceUnavailable, "Failed to queue ingestion")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "accepted",
		"message": fmt.Sprintf("Ingestion queued for source %s", src.ID),
	})
}

// TriggerIngestChildren enqueues ingest jobs for every child that is
// not already processing. Enqueue failures skip that child and are
// reflected in the returned count.
func (a *SourceAPI) TriggerIngestChildren(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := a.store.Sources.Get(ctx, identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Source not found", "")
		return
	}
	children, err := a.store.Sources.ListChildren(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	enqueued := 0
	for _, child := range children {
		if child.Status == models.SourceStatusProcessing {
			continue
		}
		if _, err := a.jobs.Enqueue(ctx, queue.NewIngestJob(identity.TenantID, child.ID)); err != nil {
			a.logger.Warn("Child ingest enqueue failed", map[string]interface{}{
				"source_id": child.ID.String(),
				"error":     err.Error(),
			})
			continue
		}
		enqueued++
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":   "accepted",
		"message":  fmt.Sprintf("Ingestion queued for %d child sources", enqueued),
		"enqueued": enqueued,
	})
}

// verifyBotProfile confirms the referenced bot profile lives under the
// caller's tenant. Cross-tenant references read as invalid input, not
// not-found, so the status stays 422.
func (a *SourceAPI) verifyBotProfile(c *gin.Context, tenantID, botProfileID uuid.UUID) bool {
	_, err := a.store.Profiles.Get(c.Request.Context(), tenantID, botProfileID)
	if err == nil {
		return true
	}
	if errors.Is(err, repository.ErrNotFound) {
		detail(c, http.StatusUnprocessableEntity, "Bot profile not found or belongs to a different tenant")
		return false
	}
	respondStoreError(c, a.logger, err, "", "")
	return false
}

// validateParent checks a prospective parent: it must exist under the
// tenant, belong to the same bot profile, and not itself be a child.
// Like verifyBotProfile, a missing parent reads as invalid input.
func (a *SourceAPI) validateParent(c *gin.Context, tenantID, parentID, botProfileID uuid.UUID) (*models.Source, bool) {
	parent, err := a.store.Sources.Get(c.Request.Context(), tenantID, parentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			detail(c, http.StatusUnprocessableEntity, "Parent source not found or belongs to a different tenant")
			return nil, false
		}
		respondStoreError(c, a.logger, err, "", "")
		return nil, false
	}
	if parent.BotProfileID != botProfileID {
		detail(c, http.StatusUnprocessableEntity, "Parent source belongs to a different bot profile")
		return nil, false
	}
	if parent.ParentID != nil {
		detail(c, http.StatusUnprocessableEntity, "Nesting beyond one level is not allowed")
		return nil, false
	}
	return parent, true
}
