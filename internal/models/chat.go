package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Feedback values accepted on assistant messages.
const (
	FeedbackPositive = "positive"
	FeedbackNegative = "negative"
)

// Chat is one conversation between a user and a bot profile.
type Chat struct {
	ID                    uuid.UUID `db:"id" json:"id"`
	TenantID              uuid.UUID `db:"tenant_id" json:"tenant_id"`
	BotProfileID          uuid.UUID `db:"bot_profile_id" json:"bot_profile_id"`
	UserID                uuid.UUID `db:"user_id" json:"user_id"`
	Title                 string    `db:"title" json:"title"`
	MessageCount          int       `db:"message_count" json:"message_count"`
	TotalPromptTokens     int       `db:"total_prompt_tokens" json:"total_prompt_tokens"`
	TotalCompletionTokens int       `db:"total_completion_tokens" json:"total_completion_tokens"`
	CreatedAt             time.Time `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one turn in a chat. ContextChunks records, as JSON, the
// retrieved chunks that grounded an assistant reply.
type Message struct {
	ID               uuid.UUID   `db:"id" json:"id"`
	TenantID         uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	ChatID           uuid.UUID   `db:"chat_id" json:"chat_id"`
	Role             MessageRole `db:"role" json:"role"`
	Content          string      `db:"content" json:"content"`
	PromptTokens     int         `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int         `db:"completion_tokens" json:"completion_tokens"`
	ContextChunks    string      `db:"context_chunks" json:"context_chunks"`
	Feedback         *string     `db:"feedback" json:"feedback,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}
