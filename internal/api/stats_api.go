package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/minirag/minirag/internal/cache"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/pricing"
	"github.com/minirag/minirag/internal/repository"
)

// StatsAPI serves tenant usage aggregates. Responses pass through a
// short-TTL cache so dashboard polling does not hammer the aggregate
// queries.
type StatsAPI struct {
	store  *repository.Store
	cache  *cache.Cache[interface{}]
	logger observability.Logger
}

// NewStatsAPI creates the stats handler group.
func NewStatsAPI(store *repository.Store, statsCache *cache.Cache[interface{}], logger observability.Logger) *StatsAPI {
	return &StatsAPI{
		store:  store,
		cache:  statsCache,
		logger: logger.WithPrefix("api.stats"),
	}
}

// RegisterRoutes mounts the stats endpoints.
func (a *StatsAPI) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/stats/overview", a.Overview)
	router.GET("/stats/usage", a.Usage)
	router.GET("/stats/cost", a.Cost)
	router.GET("/stats/feedback", a.Feedback)
	router.GET("/stats/pricing", a.Pricing)
}

// Overview returns entity counts and lifetime token totals.
func (a *StatsAPI) Overview(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	body, err := a.cache.GetOrLoad(ctx, cache.Key("overview", identity.TenantID.String()), func() (interface{}, error) {
		stats, err := a.store.Stats.Overview(ctx, identity.TenantID)
		if err != nil {
			return nil, err
		}
		return gin.H{
			"bot_profiles":            stats.BotProfiles,
			"sources":                 stats.Sources,
			"chats":                   stats.Chats,
			"total_prompt_tokens":     stats.TotalPromptTokens,
			"total_completion_tokens": stats.TotalCompletionTokens,
			"total_tokens":            stats.TotalTokens,
		}, nil
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, body)
}

// Usage returns token usage grouped by day and model.
func (a *StatsAPI) Usage(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	body, err := a.cache.GetOrLoad(ctx, cache.Key("usage", identity.TenantID.String()), func() (interface{}, error) {
		rows, err := a.store.Stats.DailyUsage(ctx, identity.TenantID)
		if err != nil {
			return nil, err
		}
		out := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			out = append(out, gin.H{
				"date":              row.Date,
				"model":             row.Model,
				"prompt_tokens":     row.PromptTokens,
				"completion_tokens": row.CompletionTokens,
				"total_tokens":      row.TotalTokens,
				"request_count":     row.RequestCount,
			})
		}
		return out, nil
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, body)
}

// Cost returns lifetime per-model usage priced against the static
// table. Models missing from the table contribute zero and are flagged.
func (a *StatsAPI) Cost(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	body, err := a.cache.GetOrLoad(ctx, cache.Key("cost", identity.TenantID.String()), func() (interface{}, error) {
		rows, err := a.store.Stats.ModelUsage(ctx, identity.TenantID)
		if err != nil {
			return nil, err
		}
		total := 0.0
		out := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			cost, known := pricing.Cost(row.Model, row.PromptTokens, row.CompletionTokens)
			total += cost
			out = append(out, gin.H{
				"model":             row.Model,
				"prompt_tokens":     row.PromptTokens,
				"completion_tokens": row.CompletionTokens,
				"total_tokens":      row.TotalTokens,
				"request_count":     row.RequestCount,
				"cost_usd":          cost,
				"pricing_known":     known,
			})
		}
		return gin.H{"models": out, "total_cost_usd": total}, nil
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, body)
}

// Feedback returns positive/negative tallies per bot profile.
func (a *StatsAPI) Feedback(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	body, err := a.cache.GetOrLoad(ctx, cache.Key("feedback", identity.TenantID.String()), func() (interface{}, error) {
		rows, err := a.store.Stats.FeedbackByProfile(ctx, identity.TenantID)
		if err != nil {
			return nil, err
		}
		out := make([]gin.H, 0, len(rows))
		for _, row := range rows {
			out = append(out, gin.H{
				"bot_profile_id": row.BotProfileID,
				"positive":       row.Positive,
				"negative":       row.Negative,
			})
		}
		return out, nil
	})
	if err != nil {
		respondStoreError(c, a.logger, err, "", "")
		return
	}
	c.JSON(http.StatusOK, body)
}

// Pricing returns the static model price table.
func (a *StatsAPI) Pricing(c *gin.Context) {
	table := pricing.Table()
	sort.Slice(table, func(i, j int) bool { return table[i].Model < table[j].Model })
	c.JSON(http.StatusOK, table)
}
