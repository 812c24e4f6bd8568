package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/orchestrator"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/security"
)

const (
	// chatTitleChars caps the auto-generated title taken from the first
	// message of a new session.
	chatTitleChars = 100

	defaultChatListLimit = 50
	maxChatListLimit     = 100

	defaultExportLimit = 100
	maxExportLimit     = 1000
)

// modelRouter resolves a model identifier to the provider serving it.
// *llm.Registry is the production implementation.
type modelRouter interface {
	ForModel(model string) (llm.Provider, error)
}

// ChatAPI handles chat sessions: the RAG turn itself, history, message
// feedback, and exports.
type ChatAPI struct {
	store     *repository.Store
	registry  modelRouter
	encryptor *security.Encryptor
	turnCfg   orchestrator.Config
	logger    observability.Logger
}

// NewChatAPI creates the chat handler group. turnCfg carries the
// orchestrator collaborators; its Provider field is resolved per request
// from the bot profile's model.
func NewChatAPI(store *repository.Store, registry modelRouter, encryptor *security.Encryptor,
	turnCfg orchestrator.Config, logger observability.Logger) *ChatAPI {
	return &ChatAPI{
		store:     store,
		registry:  registry,
		encryptor: encryptor,
		turnCfg:   turnCfg,
		logger:    logger.WithPrefix("api.chat"),
	}
}

// RegisterRoutes mounts the chat endpoints.
func (a *ChatAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/chat", a.List)
	router.GET("/chat/export", a.ExportAll)
	router.POST("/chat", a.Send)
	router.GET("/chat/:id", a.Get)
	router.GET("/chat/:id/messages", a.ListMessages)
	router.GET("/chat/:id/export", a.Export)
	router.PATCH("/chat/:id/messages/:message_id/feedback", a.SetFeedback)
}

func (a *ChatAPI) orchestratorFor(provider llm.Provider) *orchestrator.Orchestrator {
	cfg := a.turnCfg
	cfg.Provider = provider
	return orchestrator.New(cfg)
}

// List returns the tenant's chat sessions, newest first.
func (a *ChatAPI) List(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	botProfileID, ok := queryUUID(c, "bot_profile_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultChatListLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = defaultChatListLimit
	}
	if limit > maxChatListLimit {
		limit = maxChatListLimit
	}
	if offset < 0 {
		offset = 0
	}

	chats, err := a.store.Chats.ListChats(c.Request.Context(), identity.TenantID, repository.ListChatsFilter{
		BotProfileID: botProfileID,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, chats)
}

type chatRequest struct {
	BotProfileID uuid.UUID  `json:"bot_profile_id" binding:"required"`
	Message      string     `json:"message" binding:"required,min=1,max=32000"`
	ChatID       *uuid.UUID `json:"chat_id"`
	Stream       bool       `json:"stream"`
}

// Send runs one RAG turn: resolve the bot and session, retrieve context,
// call the model, persist the exchange. With stream=true the response is
// Server-Sent Events; otherwise the full answer is returned as JSON.
func (a *ChatAPI) Send(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	var req chatRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	bot, err := a.store.Profiles.GetActive(ctx, identity.TenantID, req.BotProfileID)
	if err != nil {
		respondStoreError(c, a.logger, err, "Bot profile not found or inactive", "")
		return
	}

	var chat *models.Chat
	if req.ChatID != nil {
		chat, err = a.store.Chats.GetChat(ctx, identity.TenantID, *req.ChatID)
		if err != nil {
			respondStoreError(c, a.logger, err, "Chat session not found", "")
			return
		}
	} else {
		now := time.Now().UTC()
		chat = &models.Chat{
			ID:           uuid.New(),
			TenantID:     identity.TenantID,
			BotProfileID: bot.ID,
			UserID:       identity.UserID,
			Title:        chatTitle(req.Message),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := a.store.Chats.CreateChat(ctx, chat); err != nil {
			respondStoreError(c, a.logger, err, "", "")
			return
		}
	}

	var apiKey string
	if bot.HasCredentials() {
		var creds map[string]interface{}
		if err := a.encryptor.DecryptJSON(*bot.EncryptedCredentials, &creds); err != nil {
			a.logger.Error("Credential decrypt failed", map[string]interface{}{
				"bot_profile_id": bot.ID.String(),
				"error":          err.Error(),
			})
			detail(c, http.StatusInternalServerError, "Internal server error")
			return
		}
		apiKey, _ = creds["api_key"].(string)
	}

	provider, err := a.registry.ForModel(bot.Model)
	if err != nil {
		detail(c, http.StatusUnprocessableEntity, fmt.Sprintf("Unsupported model: %s", bot.Model))
		return
	}
	orch := a.orchestratorFor(provider)

	turn, err := orch.PrepareTurn(ctx, orchestrator.TurnRequest{
		TenantID:    identity.TenantID,
		Bot:         bot,
		Chat:        chat,
		UserMessage: req.Message,
		APIKey:      apiKey,
	})
	if err != nil {
		a.logger.Error("Chat turn setup failed", map[string]interface{}{
			"chat_id": chat.ID.String(),
			"error":   err.Error(),
		})
		detail(c, http.StatusInternalServerError, "Internal server error")
		return
	}

	if req.Stream {
		sse := newSSEWriter(c)
		if err := orch.RunTurnStream(ctx, turn, sse.Emit); err != nil {
			// The stream already carried an error event; nothing more
			// can reach the client.
			a.logger.Error("Streaming chat turn failed", map[string]interface{}{
				"chat_id": chat.ID.String(),
				"error":   err.Error(),
			})
		}
		return
	}

	result, err := orch.RunTurn(ctx, turn)
	if err != nil {
		a.respondTurnError(c, chat.ID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"chat_id": chat.ID,
		"message": result.Message,
		"sources": result.Sources,
		"usage":   result.Usage,
	})
}

// respondTurnError maps orchestrator failures: provider credential
// rejections surface as 502, transient provider trouble as 503, and
// everything else stays a generic 500.
func (a *ChatAPI) respondTurnError(c *gin.Context, chatID uuid.UUID, err error) {
	a.logger.Error("Chat turn failed", map[string]interface{}{
		"chat_id": chatID.String(),
		"error":   err.Error(),
	})
	switch {
	case errors.Is(err, llm.ErrAuth):
		detail(c, http.StatusBadGateway, "LLM provider rejected the configured credentials")
	case errors.Is(err, llm.ErrRateLimited),
		errors.Is(err, llm.ErrUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen):
		detail(c, http.StatusServiceUnavailable, "LLM provider is temporarily unavailable")
	case errors.Is(err, llm.ErrInvalidModel):
		detail(c, http.StatusUnprocessableEntity, "Unsupported model")
	default:
		detail(c, http.StatusInternalServerError, "Internal server error")
	}
}

// Get returns one chat session.
func (a *ChatAPI) Get(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	chat, err := a.store.Chats.GetChat(c.Request.Context(), identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Chat session not found", "")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// ListMessages returns a session's messages, oldest first.
func (a *ChatAPI) ListMessages(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := a.store.Chats.GetChat(ctx, identity.TenantID, id); err != nil {
		respondStoreError(c, a.logger, err, "Chat session not found", "")
		return
	}
	messages, err := a.store.Chats.ListMessages(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, messages)
}

type feedbackRequest struct {
	Feedback *string `json:"feedback"`
}

// SetFeedback sets or clears feedback on an assistant message and
// returns the updated message.
func (a *ChatAPI) SetFeedback(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	chatID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	messageID, ok := pathUUID(c, "message_id")
	if !ok {
		return
	}
	var req feedbackRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Feedback != nil && *req.Feedback != models.FeedbackPositive && *req.Feedback != models.FeedbackNegative {
		detail(c, http.StatusUnprocessableEntity, "Feedback must be 'positive', 'negative', or null")
		return
	}

	ctx := c.Request.Context()
	if _, err := a.store.Chats.GetChat(ctx, identity.TenantID, chatID); err != nil {
		respondStoreError(c, a.logger, err, "Chat session not found", "")
		return
	}
	msg, err := a.store.Chats.GetMessage(ctx, identity.TenantID, chatID, messageID)
	if err != nil {
		respondStoreError(c, a.logger, err, "Message not found", "")
		return
	}
	if msg.Role != models.RoleAssistant {
		detail(c, http.StatusUnprocessableEntity, "Feedback can only be set on assistant messages")
		return
	}

	if err := a.store.Chats.SetFeedback(ctx, identity.TenantID, chatID, messageID, req.Feedback); err != nil {
		respondStoreError(c, a.logger, err, "Message not found", "")
		return
	}
	msg.Feedback = req.Feedback
	msg.UpdatedAt = time.Now().UTC()
	c.JSON(http.StatusOK, msg)
}

// ExportAll exports multiple sessions with their messages, as JSON or
// CSV. Date filters cover whole days; to_date is inclusive.
func (a *ChatAPI) ExportAll(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	botProfileID, ok := queryUUID(c, "bot_profile_id")
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", defaultExportLimit)
	if !ok {
		return
	}
	if limit <= 0 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}

	filter := repository.ListChatsFilter{BotProfileID: botProfileID, Limit: limit}
	if raw := c.Query("from_date"); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			detail(c, http.StatusUnprocessableEntity, "Invalid from_date")
			return
		}
		filter.CreatedFrom = &day
	}
	if raw := c.Query("to_date"); raw != "" {
		day, err := time.Parse("2006-01-02", raw)
		if err != nil {
			detail(c, http.StatusUnprocessableEntity, "Invalid to_date")
			return
		}
		end := day.AddDate(0, 0, 1)
		filter.CreatedBefore = &end
	}

	ctx := c.Request.Context()
	chats, err := a.store.Chats.ListChats(ctx, identity.TenantID, filter)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	type exportItem struct {
		Chat     *models.Chat      `json:"chat"`
		Messages []*models.Message `json:"messages"`
	}
	items := make([]exportItem, 0, len(chats))
	for _, chat := range chats {
		messages, err := a.store.Chats.ListMessages(ctx, identity.TenantID, chat.ID)
		if err != nil {
			respondStoreError(c, a.logger, err, "", "")
			return
		}
		items = append(items, exportItem{Chat: chat, Messages: messages})
	}

	if c.Query("format") == "csv" {
		rows := make([][]string, 0, len(items))
		for _, item := range items {
			for _, msg := range item.Messages {
				rows = append(rows, []string{
					item.Chat.ID.String(), item.Chat.Title,
					msg.ID.String(), string(msg.Role), msg.Content,
					feedbackValue(msg.Feedback),
					strconv.Itoa(msg.PromptTokens), strconv.Itoa(msg.CompletionTokens),
					msg.CreatedAt.UTC().Format(time.RFC3339Nano),
				})
			}
		}
		a.writeCSV(c, "chats_export.csv", []string{
			"chat_id", "chat_title", "message_id", "role", "content",
			"feedback", "prompt_tokens", "completion_tokens", "created_at",
		}, rows)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chats":       items,
		"exported_at": time.Now().UTC(),
	})
}

// Export exports one session with all its messages, as JSON or CSV.
func (a *ChatAPI) Export(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	id, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	ctx := c.Request.Context()
	chat, err := a.store.Chats.GetChat(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "Chat session not found", "")
		return
	}
	messages, err := a.store.Chats.ListMessages(ctx, identity.TenantID, id)
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}

	if c.Query("format") == "csv" {
		rows := make([][]string, 0, len(messages))
		for _, msg := range messages {
			rows = append(rows, []string{
				msg.ID.String(), string(msg.Role), msg.Content,
				feedbackValue(msg.Feedback),
				strconv.Itoa(msg.PromptTokens), strconv.Itoa(msg.CompletionTokens),
				msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		a.writeCSV(c, fmt.Sprintf("chat_%s.csv", chat.ID), []string{
			"message_id", "role", "content", "feedback",
			"prompt_tokens", "completion_tokens", "created_at",
		}, rows)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"chat":        chat,
		"messages":    messages,
		"exported_at": time.Now().UTC(),
	})
}

func (a *ChatAPI) writeCSV(c *gin.Context, filename string, header []string, rows [][]string) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(header); err != nil {
		a.logger.Error("CSV export failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			a.logger.Error("CSV export failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}
	w.Flush()
}

func feedbackValue(feedback *string) string {
	if feedback == nil {
		return ""
	}
	return *feedback
}

// chatTitle derives a new session's title from its first message,
// cutting on a rune boundary.
func chatTitle(message string) string {
	if len(message) <= chatTitleChars {
		return message
	}
	cut := chatTitleChars
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
