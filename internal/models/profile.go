package models

import (
	"time"

	"github.com/google/uuid"
)

// BotProfile configures one assistant: which model answers, with what
// system prompt and sampling parameters, and optionally with
// tenant-supplied provider credentials.
type BotProfile struct {
	ID                   uuid.UUID `db:"id" json:"id"`
	TenantID             uuid.UUID `db:"tenant_id" json:"tenant_id"`
	Name                 string    `db:"name" json:"name"`
	Description          string    `db:"description" json:"description"`
	Model                string    `db:"model" json:"model"`
	SystemPrompt         string    `db:"system_prompt" json:"system_prompt"`
	Temperature          float64   `db:"temperature" json:"temperature"`
	MaxTokens            int       `db:"max_tokens" json:"max_tokens"`
	EncryptedCredentials *string   `db:"encrypted_credentials" json:"-"`
	IsActive             bool      `db:"is_active" json:"is_active"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// HasCredentials reports whether tenant-supplied provider credentials are
// stored for this profile.
func (p *BotProfile) HasCredentials() bool {
	return p.EncryptedCredentials != nil && *p.EncryptedCredentials != ""
}
