// Package resilience guards outbound calls to model providers and
// webhook endpoints with rate limits and circuit breakers.
package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/minirag/minirag/internal/observability"
)

// Destinations with dedicated limiters.
const (
	DestOpenAI    = "openai"
	DestAnthropic = "anthropic"
	DestWebhook   = "webhook"
)

// RateLimiterConfig bounds sustained request rates per destination.
type RateLimiterConfig struct {
	// ProviderRPS is the sustained rate for each model provider.
	ProviderRPS float64

	// WebhookRPS is the sustained rate for webhook deliveries.
	WebhookRPS float64

	// Burst is the burst allowance for every limiter.
	Burst int
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		ProviderRPS: 10,
		WebhookRPS:  20,
		Burst:       5,
	}
}

// RateLimiter holds one token bucket per outbound destination. Unknown
// destinations pass unlimited.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	logger   observability.Logger

	mu sync.RWMutex
}

// NewRateLimiter creates limiters for the known destinations.
func NewRateLimiter(cfg RateLimiterConfig, logger observability.Logger) *RateLimiter {
	defaults := DefaultRateLimiterConfig()
	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = defaults.ProviderRPS
	}
	if cfg.WebhookRPS <= 0 {
		cfg.WebhookRPS = defaults.WebhookRPS
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaults.Burst
	}

	return &RateLimiter{
		limiters: map[string]*rate.Limiter{
			DestOpenAI:    rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.Burst),
			DestAnthropic: rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.Burst),
			DestWebhook:   rate.NewLimiter(rate.Limit(cfg.WebhookRPS), cfg.Burst),
		},
		logger: logger.WithPrefix("rate-limiter"),
	}
}

// Wait blocks until the destination admits one request or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, destination string) error {
	rl.mu.RLock()
	limiter := rl.limiters[destination]
	rl.mu.RUnlock()

	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", destination, err)
	}
	return nil
}

// Allow reports whether one request to the destination may proceed now.
func (rl *RateLimiter) Allow(destination string) bool {
	rl.mu.RLock()
	limiter := rl.limiters[destination]
	rl.mu.RUnlock()

	if limiter == nil {
		return true
	}
	return limiter.Allow()
}

// ForModel maps a model identifier to its provider destination.
func ForModel(model string) string {
	if strings.HasPrefix(model, "claude-") {
		return DestAnthropic
	}
	return DestOpenAI
}
