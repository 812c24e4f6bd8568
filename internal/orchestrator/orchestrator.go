// Package orchestrator runs the retrieval-augmented chat turn: embed
// the question, search the knowledge base, assemble the prompt, call
// the model, persist the exchange, notify webhooks.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/metrics"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/resilience"
	"github.com/minirag/minirag/internal/vectorstore"
	"github.com/minirag/minirag/internal/webhook"
)

const (
	// topK bounds how many chunks ground one answer.
	topK = 5

	// maxHistoryTurns bounds prompt history to the most recent turns,
	// two messages each.
	maxHistoryTurns = 10

	// sourcePreviewChars truncates chunk content in API responses. The
	// full text still reaches the model.
	sourcePreviewChars = 200

	// persistTimeout bounds the detached write that saves a partial
	// answer after the request context is gone.
	persistTimeout = 10 * time.Second
)

// Source is one retrieved chunk as surfaced to clients.
type Source struct {
	ChunkID  string  `json:"chunk_id"`
	Content  string  `json:"content"`
	Score    float32 `json:"score"`
	SourceID string  `json:"source_id"`
}

// Usage summarizes token consumption for one turn.
type Usage struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// TurnRequest is one resolved chat turn ready to run. Bot and Chat are
// already tenant-checked by the caller. APIKey is the decrypted per-bot
// provider credential, empty when the process default applies.
type TurnRequest struct {
	TenantID    uuid.UUID
	Bot         *models.BotProfile
	Chat        *models.Chat
	UserMessage string
	APIKey      string
}

// Turn is a prepared chat turn: history is loaded and the user message
// is saved, so any later failure still leaves the question in the
// transcript.
type Turn struct {
	req     TurnRequest
	history []llm.Message
}

// TurnResult is the outcome of a completed non-streaming turn.
type TurnResult struct {
	Message *models.Message
	Sources []Source
	Usage   Usage
}

// EmitFunc writes one stream event to the client. Returning an error
// aborts the provider stream; content delivered so far is still
// persisted.
type EmitFunc func(event string, data interface{}) error

// Config wires the orchestrator's collaborators. Limiter, Breaker,
// Metrics, and Webhooks may be nil.
type Config struct {
	Chats          *repository.ChatRepository
	Provider       llm.Provider
	Store          vectorstore.Store
	Limiter        *resilience.RateLimiter
	Breaker        *resilience.CircuitBreaker
	Webhooks       *webhook.Dispatcher
	Metrics        *metrics.Metrics
	EmbeddingModel string
	Timeouts       config.TimeoutConfig
	Logger         observability.Logger
}

// Orchestrator executes chat turns against the retrieval and model
// layers.
type Orchestrator struct {
	chats          *repository.ChatRepository
	provider       llm.Provider
	store          vectorstore.Store
	limiter        *resilience.RateLimiter
	breaker        *resilience.CircuitBreaker
	webhooks       *webhook.Dispatcher
	metrics        *metrics.Metrics
	embeddingModel string
	timeouts       config.TimeoutConfig
	logger         observability.Logger
}

// New creates an orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = llm.DefaultEmbeddingModel
	}
	return &Orchestrator{
		chats:          cfg.Chats,
		provider:       cfg.Provider,
		store:          cfg.Store,
		limiter:        cfg.Limiter,
		breaker:        cfg.Breaker,
		webhooks:       cfg.Webhooks,
		metrics:        cfg.Metrics,
		embeddingModel: cfg.EmbeddingModel,
		timeouts:       cfg.Timeouts,
		logger:         cfg.Logger.WithPrefix("orchestrator"),
	}
}

// PrepareTurn loads the chat history and saves the user message. The
// history excludes the message being saved, so prompt assembly appends
// it exactly once.
func (o *Orchestrator) PrepareTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	history, err := o.chats.History(ctx, req.TenantID, req.Chat.ID)
	if err != nil {
		return nil, err
	}

	userMsg := &models.Message{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		ChatID:        req.Chat.ID,
		Role:          models.RoleUser,
		Content:       req.UserMessage,
		ContextChunks: "[]",
	}
	if err := o.chats.CreateMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	return &Turn{req: req, history: trimHistory(history)}, nil
}

// RunTurn executes a prepared turn without streaming: retrieve, call
// the model, persist the assistant message, dispatch the chat.message
// webhook.
func (o *Orchestrator) RunTurn(ctx context.Context, turn *Turn) (*TurnResult, error) {
	req := turn.req

	matches, err := o.retrieve(ctx, req)
	if err != nil {
		return nil, err
	}

	messages := buildMessages(req.Bot.SystemPrompt, matches, turn.history, req.UserMessage)

	completion, err := o.complete(ctx, req, messages)
	if err != nil {
		return nil, err
	}

	usage := normalizeUsage(completion.Usage)
	msg, err := o.persistTurn(ctx, req, matches, completion.Content, usage, false, nil, nil)
	if err != nil {
		return nil, err
	}

	o.logger.Info("Chat turn completed", map[string]interface{}{
		"chat_id":      req.Chat.ID.String(),
		"model":        req.Bot.Model,
		"total_tokens": usage.TotalTokens,
		"chunks":       len(matches),
	})

	return &TurnResult{
		Message: msg,
		Sources: toSources(matches),
		Usage:   o.usageFor(req, usage),
	}, nil
}

// RunTurnStream executes a prepared turn, emitting sources, delta, and
// done events through emit. The done event is sent only after the
// assistant message is persisted, so its ids are real. On failure after
// streaming starts, an error event replaces done and any delivered
// content is persisted as the assistant message.
func (o *Orchestrator) RunTurnStream(ctx context.Context, turn *Turn, emit EmitFunc) error {
	req := turn.req

	matches, err := o.retrieve(ctx, req)
	if err != nil {
		o.emitError(emit)
		return err
	}

	if err := emit("sources", map[string]interface{}{"sources": toSources(matches)}); err != nil {
		return err
	}

	messages := buildMessages(req.Bot.SystemPrompt, matches, turn.history, req.UserMessage)

	llmCtx, cancel := withTimeout(ctx, o.timeouts.LLM)
	defer cancel()

	if err := o.waitForProvider(llmCtx, req.Bot.Model); err != nil {
		o.emitError(emit)
		return err
	}

	var stream *llm.Stream
	err = o.execute(llmCtx, func() error {
		var callErr error
		stream, callErr = o.provider.CompleteStream(llmCtx, llm.CompletionRequest{
			Model:       req.Bot.Model,
			Messages:    messages,
			Temperature: req.Bot.Temperature,
			MaxTokens:   req.Bot.MaxTokens,
			APIKey:      req.APIKey,
		})
		return callErr
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordProviderCall(resilience.ForModel(req.Bot.Model), "complete_stream", 0, err)
		}
		o.emitError(emit)
		return err
	}
	defer stream.Close()

	var (
		content   strings.Builder
		usage     llm.Usage
		ttft      *int64
		streamErr error
		emitErr   error
	)

	start := time.Now()
	for {
		ev, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			streamErr = recvErr
			break
		}
		if ev.Usage != nil {
			usage = *ev.Usage
		}
		if ev.Delta == "" {
			continue
		}
		if ttft == nil {
			ms := time.Since(start).Milliseconds()
			ttft = &ms
		}
		content.WriteString(ev.Delta)
		if err := emit("delta", map[string]interface{}{"content": ev.Delta}); err != nil {
			emitErr = err
			break
		}
	}

	duration := time.Since(start)
	durationMS := duration.Milliseconds()
	usage = normalizeUsage(usage)

	if o.metrics != nil {
		o.metrics.RecordProviderCall(resilience.ForModel(req.Bot.Model), "complete_stream", duration, streamErr)
		if ttft != nil {
			o.metrics.TimeToFirstToken.Observe(float64(*ttft) / 1000)
		}
	}

	if streamErr != nil || emitErr != nil {
		o.persistPartial(req, matches, content.String(), usage, ttft, &durationMS)
		if streamErr != nil {
			o.emitError(emit)
			return streamErr
		}
		return emitErr
	}

	msg, err := o.persistTurn(ctx, req, matches, content.String(), usage, true, ttft, &durationMS)
	if err != nil {
		o.emitError(emit)
		return err
	}

	o.logger.Info("Chat turn completed", map[string]interface{}{
		"chat_id":      req.Chat.ID.String(),
		"model":        req.Bot.Model,
		"total_tokens": usage.TotalTokens,
		"chunks":       len(matches),
		"stream":       true,
		"duration_ms":  durationMS,
	})

	return emit("done", map[string]interface{}{
		"chat_id":    req.Chat.ID.String(),
		"message_id": msg.ID.String(),
		"usage":      o.usageFor(req, usage),
	})
}

// retrieve embeds the user message and searches the knowledge base
// scoped to the tenant and bot profile.
func (o *Orchestrator) retrieve(ctx context.Context, req TurnRequest) ([]vectorstore.Match, error) {
	embedCtx, cancel := withTimeout(ctx, o.timeouts.Embedding)
	defer cancel()

	if o.limiter != nil {
		if err := o.limiter.Wait(embedCtx, resilience.DestOpenAI); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	vectors, err := o.provider.Embed(embedCtx, o.embeddingModel, []string{req.UserMessage}, req.APIKey)
	if o.metrics != nil {
		o.metrics.RecordProviderCall(resilience.DestOpenAI, "embed", time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	searchCtx, cancelSearch := withTimeout(ctx, o.timeouts.VectorSearch)
	defer cancelSearch()

	matches, err := o.store.Search(searchCtx, vectorstore.SearchQuery{
		TenantID:     req.TenantID.String(),
		BotProfileID: req.Bot.ID.String(),
		Vector:       vectors[0],
		TopK:         topK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge base: %w", err)
	}

	o.logger.Debug("Retrieved context chunks", map[string]interface{}{
		"chat_id": req.Chat.ID.String(),
		"count":   len(matches),
	})
	return matches, nil
}

// complete runs the non-streaming model call behind the rate limiter
// and circuit breaker.
func (o *Orchestrator) complete(ctx context.Context, req TurnRequest, messages []llm.Message) (*llm.Completion, error) {
	llmCtx, cancel := withTimeout(ctx, o.timeouts.LLM)
	defer cancel()

	if err := o.waitForProvider(llmCtx, req.Bot.Model); err != nil {
		return nil, err
	}

	start := time.Now()
	var completion *llm.Completion
	err := o.execute(llmCtx, func() error {
		var callErr error
		completion, callErr = o.provider.Complete(llmCtx, llm.CompletionRequest{
			Model:       req.Bot.Model,
			Messages:    messages,
			Temperature: req.Bot.Temperature,
			MaxTokens:   req.Bot.MaxTokens,
			APIKey:      req.APIKey,
		})
		return callErr
	})
	if o.metrics != nil {
		o.metrics.RecordProviderCall(resilience.ForModel(req.Bot.Model), "complete", time.Since(start), err)
	}
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (o *Orchestrator) waitForProvider(ctx context.Context, model string) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx, resilience.ForModel(model))
}

func (o *Orchestrator) execute(ctx context.Context, fn func() error) error {
	if o.breaker == nil {
		return fn()
	}
	return o.breaker.Execute(ctx, fn)
}

// persistTurn writes the assistant message, usage event, and chat
// counters in one transaction, then dispatches the chat.message
// webhook.
func (o *Orchestrator) persistTurn(ctx context.Context, req TurnRequest, matches []vectorstore.Match,
	content string, usage llm.Usage, isStream bool, ttft, durationMS *int64) (*models.Message, error) {

	chunkIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		chunkIDs = append(chunkIDs, m.ChunkID)
	}
	encoded, err := json.Marshal(chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode context chunks: %w", err)
	}

	msg := &models.Message{
		ID:               uuid.New(),
		TenantID:         req.TenantID,
		ChatID:           req.Chat.ID,
		Role:             models.RoleAssistant,
		Content:          content,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		ContextChunks:    string(encoded),
	}
	event := &models.UsageEvent{
		ID:               uuid.New(),
		TenantID:         req.TenantID,
		ChatID:           req.Chat.ID,
		MessageID:        msg.ID,
		BotProfileID:     req.Bot.ID,
		Model:            req.Bot.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		IsStream:         isStream,
		TimeToFirstToken: ttft,
		StreamDurationMS: durationMS,
	}

	if err := o.chats.PersistAssistantTurn(ctx, msg, event); err != nil {
		return nil, fmt.Errorf("failed to persist chat turn: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordTokens(req.Bot.Model, usage.PromptTokens, usage.CompletionTokens)
	}
	if o.webhooks != nil {
		o.webhooks.Dispatch(req.TenantID, models.EventChatMessage, map[string]interface{}{
			"chat_id":        req.Chat.ID.String(),
			"message_id":     msg.ID.String(),
			"bot_profile_id": req.Bot.ID.String(),
		})
	}
	return msg, nil
}

// persistPartial saves whatever content a broken stream delivered. The
// request context may already be cancelled, so the write runs on a
// detached context.
func (o *Orchestrator) persistPartial(req TurnRequest, matches []vectorstore.Match,
	content string, usage llm.Usage, ttft, durationMS *int64) {

	if content == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := o.persistTurn(ctx, req, matches, content, usage, true, ttft, durationMS); err != nil {
		o.logger.Error("Failed to persist partial stream content", map[string]interface{}{
			"chat_id": req.Chat.ID.String(),
			"error":   err.Error(),
		})
		return
	}
	o.logger.Warn("Persisted partial stream content", map[string]interface{}{
		"chat_id": req.Chat.ID.String(),
		"chars":   len(content),
	})
}

func (o *Orchestrator) emitError(emit EmitFunc) {
	_ = emit("error", map[string]interface{}{"detail": "An error occurred during generation."})
}

func (o *Orchestrator) usageFor(req TurnRequest, usage llm.Usage) Usage {
	return Usage{
		Model:            req.Bot.Model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
}

// buildMessages assembles the prompt: one system message carrying the
// bot's prompt plus the retrieved context block, then the trimmed
// history, then the user message. The context block is omitted entirely
// when nothing was retrieved.
func buildMessages(systemPrompt string, matches []vectorstore.Match, history []llm.Message, userMessage string) []llm.Message {
	system := systemPrompt
	if len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for i, m := range matches {
			parts = append(parts, fmt.Sprintf("[%d] %s", i+1, m.Content))
		}
		system += "\n\n---\nRelevant context from the knowledge base:\n" +
			strings.Join(parts, "\n\n") +
			"\n---\n\nUse the context above to answer the user's question. " +
			"If the context doesn't contain relevant information, say so."
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage})
	return messages
}

func trimHistory(messages []*models.Message) []llm.Message {
	if len(messages) > maxHistoryTurns*2 {
		messages = messages[len(messages)-maxHistoryTurns*2:]
	}
	history := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		history = append(history, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}
	return history
}

func toSources(matches []vectorstore.Match) []Source {
	sources := make([]Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, Source{
			ChunkID:  m.ChunkID,
			Content:  truncate(m.Content, sourcePreviewChars),
			Score:    roundScore(m.Score),
			SourceID: m.SourceID,
		})
	}
	return sources
}

func normalizeUsage(usage llm.Usage) llm.Usage {
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}

// truncate cuts s to at most limit bytes on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func roundScore(score float32) float32 {
	return float32(math.Round(float64(score)*10000) / 10000)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
