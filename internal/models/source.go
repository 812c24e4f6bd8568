package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies how a source's content is obtained.
type SourceType string

const (
	SourceTypeText   SourceType = "text"
	SourceTypeUpload SourceType = "upload"
	SourceTypeURL    SourceType = "url"
)

// Valid reports whether the source type is one of the known values.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeText, SourceTypeUpload, SourceTypeURL:
		return true
	}
	return false
}

// SourceStatus tracks a source through its ingestion lifecycle.
type SourceStatus string

const (
	SourceStatusPending    SourceStatus = "pending"
	SourceStatusProcessing SourceStatus = "processing"
	SourceStatusReady      SourceStatus = "ready"
	SourceStatusError      SourceStatus = "error"
)

// RefreshSchedule selects how often a source is re-ingested automatically.
type RefreshSchedule string

const (
	RefreshNone   RefreshSchedule = "none"
	RefreshHourly RefreshSchedule = "hourly"
	RefreshDaily  RefreshSchedule = "daily"
	RefreshWeekly RefreshSchedule = "weekly"
)

// Valid reports whether the schedule is one of the known values.
func (s RefreshSchedule) Valid() bool {
	switch s {
	case RefreshNone, RefreshHourly, RefreshDaily, RefreshWeekly:
		return true
	}
	return false
}

// Interval returns the minimum duration between automatic refreshes, or
// zero for RefreshNone.
func (s RefreshSchedule) Interval() time.Duration {
	switch s {
	case RefreshHourly:
		return time.Hour
	case RefreshDaily:
		return 24 * time.Hour
	case RefreshWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Source is a unit of ingestable content attached to a bot profile.
// URL sources may spawn child sources for discovered links; children
// reference their parent through ParentID.
type Source struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	TenantID        uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	BotProfileID    uuid.UUID       `db:"bot_profile_id" json:"bot_profile_id"`
	ParentID        *uuid.UUID      `db:"parent_id" json:"parent_id,omitempty"`
	Name            string          `db:"name" json:"name"`
	Description     string          `db:"description" json:"description"`
	SourceType      SourceType      `db:"source_type" json:"source_type"`
	Status          SourceStatus    `db:"status" json:"status"`
	Content         *string         `db:"content" json:"-"`
	Config          string          `db:"config" json:"config"`
	RefreshSchedule RefreshSchedule `db:"refresh_schedule" json:"refresh_schedule"`
	LastRefreshedAt *time.Time      `db:"last_refreshed_at" json:"last_refreshed_at,omitempty"`
	ErrorMessage    *string         `db:"error_message" json:"error_message,omitempty"`
	DocumentCount   int             `db:"document_count" json:"document_count"`
	ChunkCount      int             `db:"chunk_count" json:"chunk_count"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
}

// Document is one extracted unit of text produced by ingesting a source.
type Document struct {
	ID         uuid.UUID `db:"id" json:"id"`
	TenantID   uuid.UUID `db:"tenant_id" json:"tenant_id"`
	SourceID   uuid.UUID `db:"source_id" json:"source_id"`
	Title      string    `db:"title" json:"title"`
	Content    string    `db:"content" json:"-"`
	CharCount  int       `db:"char_count" json:"char_count"`
	ChunkCount int       `db:"chunk_count" json:"chunk_count"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Chunk is one retrievable piece of a document. VectorID ties the row to
// its point in the vector store.
type Chunk struct {
	ID           uuid.UUID `db:"id" json:"id"`
	TenantID     uuid.UUID `db:"tenant_id" json:"tenant_id"`
	DocumentID   uuid.UUID `db:"document_id" json:"document_id"`
	SourceID     uuid.UUID `db:"source_id" json:"source_id"`
	BotProfileID uuid.UUID `db:"bot_profile_id" json:"bot_profile_id"`
	Ordinal      int       `db:"ordinal" json:"ordinal"`
	Content      string    `db:"content" json:"content"`
	CharCount    int       `db:"char_count" json:"char_count"`
	VectorID     string    `db:"vector_id" json:"vector_id"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}
