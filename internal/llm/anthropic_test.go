package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/observability"
)

func TestAnthropicParams(t *testing.T) {
	params, err := anthropicParams(CompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "Be terse."},
			{Role: RoleUser, Content: "q1"},
			{Role: RoleAssistant, Content: "a1"},
			{Role: RoleUser, Content: "q2"},
		},
		Temperature: 0.7,
		MaxTokens:   512,
	})
	require.NoError(t, err)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), params.Model)
	assert.Equal(t, int64(512), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "Be terse.", params.System[0].Text)
	assert.Len(t, params.Messages, 3, "system messages move out of the conversation")

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Equal(t, 0.7, wire["temperature"])
}

func TestAnthropicParams_Defaults(t *testing.T) {
	params, err := anthropicParams(CompletionRequest{
		Model:    "claude-haiku-4-5",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(anthropicDefaultMaxTokens), params.MaxTokens)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &wire))
	_, hasTemp := wire["temperature"]
	assert.False(t, hasTemp, "zero temperature is omitted")
}

func TestAnthropicParams_Invalid(t *testing.T) {
	_, err := anthropicParams(CompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleSystem, Content: "only system"}},
	})
	assert.Error(t, err)

	_, err = anthropicParams(CompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: Role("tool"), Content: "x"}},
	})
	assert.Error(t, err)
}

// fakeDecoder feeds a fixed event sequence into an ssestream.Stream and
// reports err once the sequence is exhausted.
type fakeDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *fakeDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *fakeDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *fakeDecoder) Close() error { return nil }
func (d *fakeDecoder) Err() error   { return d.err }

func sseEvents(raw ...string) []ssestream.Event {
	events := make([]ssestream.Event, 0, len(raw))
	for _, data := range raw {
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(data), &envelope); err != nil {
			panic(err)
		}
		events = append(events, ssestream.Event{Type: envelope.Type, Data: []byte(data)})
	}
	return events
}

func TestRunAnthropicStream(t *testing.T) {
	dec := &fakeDecoder{events: sseEvents(
		`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":9,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":2}}`,
		`{"type":"message_stop"}`,
	)}

	stream := runAnthropicStream(context.Background(),
		ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer func() { _ = stream.Close() }()

	content, usage, err := drain(t, stream)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "Hello", content)
	require.NotNil(t, usage)
	assert.Equal(t, Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11}, *usage)
}

func TestRunAnthropicStream_MidStreamFailure(t *testing.T) {
	dec := &fakeDecoder{
		events: sseEvents(
			`{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":4,"output_tokens":0}}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`,
		),
		err: assert.AnError,
	}

	stream := runAnthropicStream(context.Background(),
		ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	defer func() { _ = stream.Close() }()

	content, usage, err := drain(t, stream)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "partial", content)
	assert.Nil(t, usage)
}

func newTestAnthropic(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewAnthropic("test-key", observability.NewNoopLogger())
	p.baseURL = srv.URL
	return p
}

func TestAnthropic_Complete(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			System    []struct {
				Text string `json:"text"`
			} `json:"system"`
			Messages []json.RawMessage `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-sonnet-4-5", req.Model)
		assert.Equal(t, 256, req.MaxTokens)
		require.Len(t, req.System, 1)
		assert.Len(t, req.Messages, 1)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "Hi there"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 10, "output_tokens": 3}
		}`)
	})

	resp, err := p.Complete(context.Background(), CompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are helpful."},
			{Role: RoleUser, Content: "Hi"},
		},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 3, TotalTokens: 13}, resp.Usage)
}

func TestAnthropic_AuthErrorMapping(t *testing.T) {
	p := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`)
	})

	_, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []Message{{Role: RoleUser, Content: "Hi"}},
	})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAnthropic_EmbedUnsupported(t *testing.T) {
	p := NewAnthropic("test-key", observability.NewNoopLogger())

	_, err := p.Embed(context.Background(), "claude-sonnet-4-5", []string{"hi"}, "")
	assert.ErrorIs(t, err, ErrInvalidModel)
}
