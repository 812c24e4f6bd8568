// Package llm provides a uniform client over external model providers,
// keyed by model identifier. It covers embeddings, chat completions and
// channel-backed completion streams, and maps provider SDK failures onto
// a small set of portable error kinds.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/minirag/minirag/internal/observability"
)

// Error kinds surfaced to callers. Provider SDK errors are wrapped so the
// original failure stays in the chain.
var (
	ErrAuth         = errors.New("provider rejected credentials")
	ErrRateLimited  = errors.New("provider rate limit exceeded")
	ErrUnavailable  = errors.New("provider unavailable")
	ErrInvalidModel = errors.New("unknown or unsupported model")
)

// Role identifies the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation sent to a provider.
type Message struct {
	Role    Role
	Content string
}

// Usage carries token counts for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest describes one chat completion call. APIKey, when set,
// overrides the process-level provider key. It is never logged.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	APIKey      string
}

// Completion is the result of a non-streaming chat completion.
type Completion struct {
	Content string
	Usage   Usage
}

// Provider is the uniform surface over one model vendor.
type Provider interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error)
	// Complete runs a chat completion and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	// CompleteStream starts a chat completion and returns a stream of
	// deltas. The final element carries usage.
	CompleteStream(ctx context.Context, req CompletionRequest) (*Stream, error)
}

// DefaultEmbeddingModel is used when neither the platform config nor the
// bot profile names one.
const DefaultEmbeddingModel = "text-embedding-3-small"

const defaultEmbeddingDimensions = 1536

// EmbeddingDimensions returns the vector width produced by an embedding
// model. Unknown models fall back to the default width.
func EmbeddingDimensions(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	default:
		return defaultEmbeddingDimensions
	}
}

// Registry routes model identifiers to concrete providers by name prefix
// and satisfies Provider itself, so callers never pick a vendor directly.
type Registry struct {
	openai    *OpenAI
	anthropic *Anthropic
}

// NewRegistry wires both providers with their process-level keys. A key
// may be empty when every profile using that vendor supplies its own.
func NewRegistry(openaiKey, anthropicKey string, logger observability.Logger) *Registry {
	return &Registry{
		openai:    NewOpenAI(openaiKey, logger),
		anthropic: NewAnthropic(anthropicKey, logger),
	}
}

// ForModel returns the provider that serves the given model identifier.
func (r *Registry) ForModel(model string) (Provider, error) {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "text-embedding-"):
		return r.openai, nil
	case strings.HasPrefix(model, "claude-"):
		return r.anthropic, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidModel, model)
}

// Embed routes to the provider serving the embedding model.
func (r *Registry) Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error) {
	provider, err := r.ForModel(model)
	if err != nil {
		return nil, err
	}
	return provider.Embed(ctx, model, texts, apiKey)
}

// Complete routes to the provider serving req.Model.
func (r *Registry) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	provider, err := r.ForModel(req.Model)
	if err != nil {
		return nil, err
	}
	return provider.Complete(ctx, req)
}

// CompleteStream routes to the provider serving req.Model.
func (r *Registry) CompleteStream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	provider, err := r.ForModel(req.Model)
	if err != nil {
		return nil, err
	}
	return provider.CompleteStream(ctx, req)
}

var _ Provider = (*Registry)(nil)

// mapStatus translates a provider HTTP status into an error kind,
// keeping the SDK error in the chain. Statuses with no portable meaning
// pass through unchanged.
func mapStatus(status int, err error) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", ErrInvalidModel, err)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return err
	}
}
