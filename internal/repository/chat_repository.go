package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/minirag/minirag/internal/models"
)

const chatColumns = `id, tenant_id, bot_profile_id, user_id, title, message_count,
	total_prompt_tokens, total_completion_tokens, created_at, updated_at`

const messageColumns = `id, tenant_id, chat_id, role, content, prompt_tokens,
	completion_tokens, context_chunks, feedback, created_at, updated_at`

// ChatRepository handles chat sessions, messages, and usage events.
type ChatRepository struct {
	db *sqlx.DB
}

// NewChatRepository creates a new chat repository instance.
func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// ListChatsFilter narrows ListChats. CreatedBefore is exclusive so a
// date range can cover a full final day.
type ListChatsFilter struct {
	BotProfileID  *uuid.UUID
	CreatedFrom   *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// CreateChat inserts a new chat session.
func (r *ChatRepository) CreateChat(ctx context.Context, chat *models.Chat) error {
	query := `
		INSERT INTO chats (id, tenant_id, bot_profile_id, user_id, title,
			message_count, total_prompt_tokens, total_completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		chat.ID, chat.TenantID, chat.BotProfileID, chat.UserID, chat.Title,
		chat.MessageCount, chat.TotalPromptTokens, chat.TotalCompletionTokens)
	if err != nil {
		return fmt.Errorf("failed to insert chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat session.
func (r *ChatRepository) GetChat(ctx context.Context, tenantID, id uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	query := `SELECT ` + chatColumns + ` FROM chats WHERE id = $1 AND tenant_id = $2`

	if err := r.db.GetContext(ctx, &chat, query, id, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("chat: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns chat sessions newest first.
func (r *ChatRepository) ListChats(ctx context.Context, tenantID uuid.UUID, filter ListChatsFilter) ([]*models.Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats WHERE tenant_id = $1`
	args := []interface{}{tenantID}

	if filter.BotProfileID != nil {
		args = append(args, *filter.BotProfileID)
		query += fmt.Sprintf(" AND bot_profile_id = $%d", len(args))
	}
	if filter.CreatedFrom != nil {
		args = append(args, *filter.CreatedFrom)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		query += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	chats := []*models.Chat{}
	if err := r.db.SelectContext(ctx, &chats, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// CreateMessage inserts one message. The user message of a turn is
// written through here before generation starts, so it survives any
// downstream failure.
func (r *ChatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (id, tenant_id, chat_id, role, content,
			prompt_tokens, completion_tokens, context_chunks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.TenantID, msg.ChatID, msg.Role, msg.Content,
		msg.PromptTokens, msg.CompletionTokens, msg.ContextChunks)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// ListMessages returns every message of a chat in chronological order.
func (r *ChatRepository) ListMessages(ctx context.Context, tenantID, chatID uuid.UUID) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND tenant_id = $2
		ORDER BY created_at ASC`

	messages := []*models.Message{}
	if err := r.db.SelectContext(ctx, &messages, query, chatID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// History returns the user and assistant messages of a chat in
// chronological order, for prompt construction.
func (r *ChatRepository) History(ctx context.Context, tenantID, chatID uuid.UUID) ([]*models.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1 AND tenant_id = $2 AND role IN ('user', 'assistant')
		ORDER BY created_at ASC`

	messages := []*models.Message{}
	if err := r.db.SelectContext(ctx, &messages, query, chatID, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	return messages, nil
}

// GetMessage retrieves one message of a chat.
func (r *ChatRepository) GetMessage(ctx context.Context, tenantID, chatID, messageID uuid.UUID) (*models.Message, error) {
	var msg models.Message
	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE id = $1 AND chat_id = $2 AND tenant_id = $3`

	if err := r.db.GetContext(ctx, &msg, query, messageID, chatID, tenantID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// SetFeedback writes or clears feedback on a message.
func (r *ChatRepository) SetFeedback(ctx context.Context, tenantID, chatID, messageID uuid.UUID, feedback *string) error {
	query := `
		UPDATE messages SET feedback = $1, updated_at = NOW()
		WHERE id = $2 AND chat_id = $3 AND tenant_id = $4`

	result, err := r.db.ExecContext(ctx, query, feedback, messageID, chatID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check feedback update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message: %w", ErrNotFound)
	}
	return nil
}

// PersistAssistantTurn writes the assistant message, its usage event,
// and the chat counter updates in one transaction. The counter bump
// covers the user message saved earlier in the same turn.
func (r *ChatRepository) PersistAssistantTurn(ctx context.Context, msg *models.Message, usage *models.UsageEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, tenant_id, chat_id, role, content,
			prompt_tokens, completion_tokens, context_chunks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.TenantID, msg.ChatID, msg.Role, msg.Content,
		msg.PromptTokens, msg.CompletionTokens, msg.ContextChunks)
	if err != nil {
		return fmt.Errorf("failed to insert assistant message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_events (id, tenant_id, chat_id, message_id, bot_profile_id,
			model, prompt_tokens, completion_tokens, total_tokens, is_stream,
			time_to_first_token_ms, stream_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		usage.ID, usage.TenantID, usage.ChatID, usage.MessageID, usage.BotProfileID,
		usage.Model, usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		usage.IsStream, usage.TimeToFirstToken, usage.StreamDurationMS)
	if err != nil {
		return fmt.Errorf("failed to insert usage event: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE chats
		SET message_count = message_count + 2,
			total_prompt_tokens = total_prompt_tokens + $1,
			total_completion_tokens = total_completion_tokens + $2,
			updated_at = NOW()
		WHERE id = $3 AND tenant_id = $4`,
		msg.PromptTokens, msg.CompletionTokens, msg.ChatID, msg.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update chat counters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check counter update: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("chat: %w", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chat turn: %w", err)
	}
	return nil
}
