package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// OverviewStats summarizes a tenant's footprint: entity counts plus
// lifetime token totals.
type OverviewStats struct {
	BotProfiles           int `db:"bot_profiles"`
	Sources               int `db:"sources"`
	Chats                 int `db:"chats"`
	TotalPromptTokens     int `db:"total_prompt_tokens"`
	TotalCompletionTokens int `db:"total_completion_tokens"`
	TotalTokens           int `db:"total_tokens"`
}

// DailyUsage is token usage for one model on one day.
type DailyUsage struct {
	Date             string `db:"date"`
	Model            string `db:"model"`
	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	TotalTokens      int    `db:"total_tokens"`
	RequestCount     int    `db:"request_count"`
}

// ModelUsage is lifetime token usage for one model. The cost endpoint
// multiplies these totals by the pricing table.
type ModelUsage struct {
	Model            string `db:"model"`
	PromptTokens     int    `db:"prompt_tokens"`
	CompletionTokens int    `db:"completion_tokens"`
	TotalTokens      int    `db:"total_tokens"`
	RequestCount     int    `db:"request_count"`
}

// FeedbackTally is the feedback breakdown for one bot profile.
type FeedbackTally struct {
	BotProfileID uuid.UUID `db:"bot_profile_id"`
	Positive     int       `db:"positive"`
	Negative     int       `db:"negative"`
}

// StatsRepository answers aggregate queries over tenant data.
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a new stats repository instance.
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// Overview returns entity counts and token totals for a tenant.
func (r *StatsRepository) Overview(ctx context.Context, tenantID uuid.UUID) (*OverviewStats, error) {
	var stats OverviewStats
	query := `
		SELECT
			(SELECT COUNT(*) FROM bot_profiles WHERE tenant_id = $1) AS bot_profiles,
			(SELECT COUNT(*) FROM sources WHERE tenant_id = $1) AS sources,
			(SELECT COUNT(*) FROM chats WHERE tenant_id = $1) AS chats,
			COALESCE(SUM(prompt_tokens), 0) AS total_prompt_tokens,
			COALESCE(SUM(completion_tokens), 0) AS total_completion_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens
		FROM usage_events
		WHERE tenant_id = $1`

	if err := r.db.GetContext(ctx, &stats, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load overview stats: %w", err)
	}
	return &stats, nil
}

// DailyUsage returns token usage grouped by day and model, most recent
// day first.
func (r *StatsRepository) DailyUsage(ctx context.Context, tenantID uuid.UUID) ([]*DailyUsage, error) {
	query := `
		SELECT to_char(created_at::date, 'YYYY-MM-DD') AS date,
			model,
			SUM(prompt_tokens) AS prompt_tokens,
			SUM(completion_tokens) AS completion_tokens,
			SUM(total_tokens) AS total_tokens,
			COUNT(*) AS request_count
		FROM usage_events
		WHERE tenant_id = $1
		GROUP BY created_at::date, model
		ORDER BY created_at::date DESC`

	rows := []*DailyUsage{}
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}
	return rows, nil
}

// ModelUsage returns lifetime token usage grouped by model, heaviest
// first.
func (r *StatsRepository) ModelUsage(ctx context.Context, tenantID uuid.UUID) ([]*ModelUsage, error) {
	query := `
		SELECT model,
			SUM(prompt_tokens) AS prompt_tokens,
			SUM(completion_tokens) AS completion_tokens,
			SUM(total_tokens) AS total_tokens,
			COUNT(*) AS request_count
		FROM usage_events
		WHERE tenant_id = $1
		GROUP BY model
		ORDER BY SUM(total_tokens) DESC`

	rows := []*ModelUsage{}
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load model usage: %w", err)
	}
	return rows, nil
}

// FeedbackByProfile returns positive and negative feedback counts per
// bot profile, skipping profiles with no feedback at all.
func (r *StatsRepository) FeedbackByProfile(ctx context.Context, tenantID uuid.UUID) ([]*FeedbackTally, error) {
	query := `
		SELECT c.bot_profile_id,
			COUNT(*) FILTER (WHERE m.feedback = 'positive') AS positive,
			COUNT(*) FILTER (WHERE m.feedback = 'negative') AS negative
		FROM messages m
		JOIN chats c ON c.id = m.chat_id AND c.tenant_id = m.tenant_id
		WHERE m.tenant_id = $1 AND m.feedback IS NOT NULL
		GROUP BY c.bot_profile_id
		ORDER BY c.bot_profile_id`

	rows := []*FeedbackTally{}
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to load feedback stats: %w", err)
	}
	return rows, nil
}
