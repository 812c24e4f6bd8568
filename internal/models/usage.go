package models

import (
	"time"

	"github.com/google/uuid"
)

// UsageEvent records token consumption for one LLM call. Events are
// written after successful turns and drive the usage and cost endpoints.
type UsageEvent struct {
	ID               uuid.UUID `db:"id" json:"id"`
	TenantID         uuid.UUID `db:"tenant_id" json:"tenant_id"`
	ChatID           uuid.UUID `db:"chat_id" json:"chat_id"`
	MessageID        uuid.UUID `db:"message_id" json:"message_id"`
	BotProfileID     uuid.UUID `db:"bot_profile_id" json:"bot_profile_id"`
	Model            string    `db:"model" json:"model"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int       `db:"total_tokens" json:"total_tokens"`
	IsStream         bool      `db:"is_stream" json:"is_stream"`
	TimeToFirstToken *int64    `db:"time_to_first_token_ms" json:"time_to_first_token_ms,omitempty"`
	StreamDurationMS *int64    `db:"stream_duration_ms" json:"stream_duration_ms,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
