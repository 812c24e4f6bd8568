package llm

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/minirag/minirag/internal/observability"
)

// anthropicDefaultMaxTokens caps completions when the request does not
// set a limit; the Messages API requires max_tokens.
const anthropicDefaultMaxTokens = 1024

// Anthropic serves claude-* models. It has no embeddings API.
type Anthropic struct {
	defaultKey string
	baseURL    string
	logger     observability.Logger
}

// NewAnthropic creates the provider with the process-level API key.
func NewAnthropic(defaultKey string, logger observability.Logger) *Anthropic {
	return &Anthropic{
		defaultKey: defaultKey,
		logger:     logger.WithPrefix("llm.anthropic"),
	}
}

func (p *Anthropic) messages(apiKey string) (*sdk.MessageService, error) {
	key := apiKey
	if key == "" {
		key = p.defaultKey
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no Anthropic API key configured", ErrAuth)
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if p.baseURL != "" {
		opts = append(opts, option.WithBaseURL(p.baseURL))
	}
	client := sdk.NewClient(opts...)
	return &client.Messages, nil
}

// Embed always fails: Anthropic does not offer an embeddings endpoint,
// so embedding models route to other providers.
func (p *Anthropic) Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: anthropic has no embeddings API (model %q)", ErrInvalidModel, model)
}

// Complete runs a Messages API call and concatenates the text blocks of
// the response.
func (p *Anthropic) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	msgs, err := p.messages(req.APIKey)
	if err != nil {
		return nil, err
	}
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := msgs.New(ctx, params)
	if err != nil {
		return nil, mapAnthropicError(err)
	}

	var content string
	for _, block := range msg.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)
	return &Completion{
		Content: content,
		Usage: Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// CompleteStream starts a Messages API stream. Input tokens arrive on
// message_start, output tokens on message_delta; both are folded into
// the final stream element.
func (p *Anthropic) CompleteStream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	msgs, err := p.messages(req.APIKey)
	if err != nil {
		return nil, err
	}
	params, err := anthropicParams(req)
	if err != nil {
		return nil, err
	}

	sdkStream := msgs.NewStreaming(ctx, params)
	if err := sdkStream.Err(); err != nil {
		_ = sdkStream.Close()
		return nil, mapAnthropicError(err)
	}
	return runAnthropicStream(ctx, sdkStream), nil
}

// runAnthropicStream pumps SDK events into a Stream until the message
// stops, the context ends or the consumer closes.
func runAnthropicStream(ctx context.Context, sdkStream *ssestream.Stream[sdk.MessageStreamEventUnion]) *Stream {
	stream := newStream(ctx)
	go func() {
		defer func() { _ = sdkStream.Close() }()

		var usage Usage
		for sdkStream.Next() {
			if stream.ctx.Err() != nil {
				stream.finish(usage, stream.ctx.Err())
				return
			}
			switch ev := sdkStream.Current().AsAny().(type) {
			case sdk.MessageStartEvent:
				usage.PromptTokens = int(ev.Message.Usage.InputTokens)
			case sdk.ContentBlockDeltaEvent:
				delta, ok := ev.Delta.AsAny().(sdk.TextDelta)
				if !ok || delta.Text == "" {
					continue
				}
				if !stream.send(StreamEvent{Delta: delta.Text}) {
					stream.finish(usage, stream.ctx.Err())
					return
				}
			case sdk.MessageDeltaEvent:
				if ev.Usage.InputTokens > 0 {
					usage.PromptTokens = int(ev.Usage.InputTokens)
				}
				usage.CompletionTokens = int(ev.Usage.OutputTokens)
			}
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		if err := sdkStream.Err(); err != nil {
			stream.finish(usage, mapAnthropicError(err))
			return
		}
		stream.finish(usage, nil)
	}()
	return stream
}

// anthropicParams translates the portable request into Messages API
// params. System messages move into the top-level system field.
func anthropicParams(req CompletionRequest) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}

	var conversation []sdk.MessageParam
	var system []sdk.TextBlockParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return params, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return params, errors.New("at least one user or assistant message is required")
	}
	params.Messages = conversation
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func mapAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
