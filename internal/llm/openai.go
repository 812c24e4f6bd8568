package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/minirag/minirag/internal/observability"
)

// maxEmbedBatch bounds one embeddings request; larger inputs are split
// into consecutive batches with order preserved.
const maxEmbedBatch = 128

// OpenAI serves gpt-*, o1*, o3* and text-embedding-* models.
type OpenAI struct {
	defaultKey string
	baseURL    string
	logger     observability.Logger
}

// NewOpenAI creates the provider with the process-level API key.
func NewOpenAI(defaultKey string, logger observability.Logger) *OpenAI {
	return &OpenAI{
		defaultKey: defaultKey,
		logger:     logger.WithPrefix("llm.openai"),
	}
}

// client builds a request-scoped client, honoring a per-profile key
// override when present.
func (p *OpenAI) client(apiKey string) (*openai.Client, error) {
	key := apiKey
	if key == "" {
		key = p.defaultKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no OpenAI API key configured", ErrAuth)
	}
	cfg := openai.DefaultConfig(key)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	return openai.NewClientWithConfig(cfg), nil
}

// Embed generates one vector per text, batching requests at
// maxEmbedBatch inputs and preserving input order.
func (p *OpenAI) Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	client, err := p.client(apiKey)
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := start + maxEmbedBatch
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			return nil, mapOpenAIError(err)
		}
		for _, item := range resp.Data {
			idx := start + item.Index
			if idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
			}
			out[idx] = item.Embedding
		}
	}

	for i, vec := range out {
		if vec == nil {
			return nil, fmt.Errorf("embedding response missing vector for input %d", i)
		}
	}
	return out, nil
}

// Complete runs a chat completion and waits for the full response.
func (p *OpenAI) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	client, err := p.client(req.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := client.CreateChatCompletion(ctx, p.chatRequest(req))
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: completion returned no choices", ErrUnavailable)
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CompleteStream starts a streaming completion. Usage arrives in the
// response tail (stream_options.include_usage) and is surfaced on the
// final stream element.
func (p *OpenAI) CompleteStream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	client, err := p.client(req.APIKey)
	if err != nil {
		return nil, err
	}

	request := p.chatRequest(req)
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	sdkStream, err := client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, mapOpenAIError(err)
	}

	stream := newStream(ctx)
	go func() {
		defer func() { _ = sdkStream.Close() }()

		var usage Usage
		for {
			resp, err := sdkStream.Recv()
			if errors.Is(err, io.EOF) {
				stream.finish(usage, nil)
				return
			}
			if err != nil {
				stream.finish(usage, mapOpenAIError(err))
				return
			}
			if resp.Usage != nil {
				usage = Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !stream.send(StreamEvent{Delta: choice.Delta.Content}) {
					stream.finish(usage, stream.ctx.Err())
					return
				}
			}
		}
	}()
	return stream, nil
}

func (p *OpenAI) chatRequest(req CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if isReasoningModel(req.Model) {
		request.MaxCompletionTokens = req.MaxTokens
	} else {
		request.Temperature = float32(req.Temperature)
		request.MaxTokens = req.MaxTokens
	}
	return request
}

// isReasoningModel reports o-series models, which take
// max_completion_tokens and reject sampling parameters.
func isReasoningModel(model string) bool {
	return strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

func mapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return mapStatus(reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
