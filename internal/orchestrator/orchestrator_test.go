package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/models"
	"github.com/minirag/minirag/internal/observability"
	"github.com/minirag/minirag/internal/repository"
	"github.com/minirag/minirag/internal/vectorstore"
)

type fakeProvider struct {
	embedVectors [][]float32
	embedErr     error
	embedModel   string
	embedTexts   []string
	embedKey     string

	completion  *llm.Completion
	completeErr error
	completeReq llm.CompletionRequest

	streamDeltas []string
	streamUsage  llm.Usage
	streamErr    error
}

func (f *fakeProvider) Embed(ctx context.Context, model string, texts []string, apiKey string) ([][]float32, error) {
	f.embedModel, f.embedTexts, f.embedKey = model, texts, apiKey
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return f.embedVectors, nil
}

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	f.completeReq = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return f.completion, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req llm.CompletionRequest) (*llm.Stream, error) {
	f.completeReq = req
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	stream, writer := llm.Pipe(ctx)
	go func() {
		for _, d := range f.streamDeltas {
			if !writer.Send(d) {
				writer.Finish(llm.Usage{}, ctx.Err())
				return
			}
		}
		writer.Finish(f.streamUsage, f.streamErr)
	}()
	return stream, nil
}

type fakeStore struct {
	matches []vectorstore.Match
	query   vectorstore.SearchQuery
	err     error
}

func (f *fakeStore) EnsureCollection(ctx context.Context) error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, points []vectorstore.Point) error { return nil }

func (f *fakeStore) DeleteBySource(ctx context.Context, tenantID, sourceID string) error { return nil }

func (f *fakeStore) Search(ctx context.Context, q vectorstore.SearchQuery) ([]vectorstore.Match, error) {
	f.query = q
	if f.err != nil {
		return nil, f.err
	}
	return f.matches, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) Close() error { return nil }

type emitted struct {
	event string
	data  interface{}
}

func newTestOrchestrator(t *testing.T, provider llm.Provider, store vectorstore.Store) (*Orchestrator, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	o := New(Config{
		Chats:    repository.NewChatRepository(sqlx.NewDb(db, "sqlmock")),
		Provider: provider,
		Store:    store,
		Logger:   observability.NewNoopLogger(),
	})
	return o, mock
}

func testRequest(tenantID, botID, chatID uuid.UUID) TurnRequest {
	return TurnRequest{
		TenantID: tenantID,
		Bot: &models.BotProfile{
			ID:           botID,
			TenantID:     tenantID,
			Model:        "gpt-4o",
			SystemPrompt: "You are helpful.",
			Temperature:  0.7,
			MaxTokens:    512,
		},
		Chat:        &models.Chat{ID: chatID, TenantID: tenantID},
		UserMessage: "What is Go?",
		APIKey:      "sk-tenant",
	}
}

func historyRows(tenantID, chatID uuid.UUID, contents ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "chat_id", "role", "content",
		"prompt_tokens", "completion_tokens", "context_chunks", "feedback",
		"created_at", "updated_at",
	})
	now := time.Now()
	for i, content := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		rows.AddRow(uuid.NewString(), tenantID.String(), chatID.String(), string(role),
			content, 0, 0, "[]", nil, now, now)
	}
	return rows
}

func expectPrepare(mock sqlmock.Sqlmock, tenantID, chatID uuid.UUID, history *sqlmock.Rows, userMessage string) {
	mock.ExpectQuery("FROM messages").
		WithArgs(chatID, tenantID).
		WillReturnRows(history)
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), tenantID, chatID, models.RoleUser, userMessage, 0, 0, "[]").
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func expectAssistantTx(mock sqlmock.Sqlmock, tenantID, chatID uuid.UUID, content string,
	prompt, completion int, chunks string) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), tenantID, chatID, models.RoleAssistant, content, prompt, completion, chunks).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO usage_events").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chats").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestBuildMessages_WithContext(t *testing.T) {
	matches := []vectorstore.Match{
		{ChunkID: "c-1", Content: "Alpha"},
		{ChunkID: "c-2", Content: "Beta"},
	}
	history := []llm.Message{
		{Role: llm.RoleUser, Content: "Earlier question"},
		{Role: llm.RoleAssistant, Content: "Earlier answer"},
	}

	messages := buildMessages("You are helpful.", matches, history, "What is Go?")
	require.Len(t, messages, 4)

	want := "You are helpful." +
		"\n\n---\nRelevant context from the knowledge base:\n" +
		"[1] Alpha\n\n[2] Beta" +
		"\n---\n\nUse the context above to answer the user's question. " +
		"If the context doesn't contain relevant information, say so."
	assert.Equal(t, llm.RoleSystem, messages[0].Role)
	assert.Equal(t, want, messages[0].Content)

	assert.Equal(t, "Earlier question", messages[1].Content)
	assert.Equal(t, "Earlier answer", messages[2].Content)
	assert.Equal(t, llm.RoleUser, messages[3].Role)
	assert.Equal(t, "What is Go?", messages[3].Content)
}

func TestBuildMessages_NoChunksOmitsContextBlock(t *testing.T) {
	messages := buildMessages("You are helpful.", nil, nil, "Hi")
	require.Len(t, messages, 2)
	assert.Equal(t, "You are helpful.", messages[0].Content)
}

func TestTrimHistory(t *testing.T) {
	var all []*models.Message
	for i := 0; i < 25; i++ {
		all = append(all, &models.Message{Role: models.RoleUser, Content: string(rune('a' + i))})
	}

	history := trimHistory(all)
	require.Len(t, history, 20)
	assert.Equal(t, all[5].Content, history[0].Content)
	assert.Equal(t, all[24].Content, history[19].Content)
}

func TestToSources(t *testing.T) {
	long := strings.Repeat("x", 300)
	sources := toSources([]vectorstore.Match{
		{ChunkID: "c-1", Content: long, Score: 0.91234567, SourceID: "s-1"},
		{ChunkID: "c-2", Content: "short", Score: 0.5, SourceID: "s-2"},
	})

	require.Len(t, sources, 2)
	assert.Len(t, sources[0].Content, sourcePreviewChars)
	assert.InDelta(t, 0.9123, float64(sources[0].Score), 0.00005)
	assert.Equal(t, "short", sources[1].Content)
}

func TestPrepareTurn_SavesUserMessage(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{}
	o, mock := newTestOrchestrator(t, provider, &fakeStore{})

	expectPrepare(mock, tenantID, chatID,
		historyRows(tenantID, chatID, "Earlier question", "Earlier answer"), "What is Go?")

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)
	require.Len(t, turn.history, 2)
	assert.Equal(t, llm.RoleAssistant, turn.history[1].Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurn_PersistsAssistantTurn(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{
		embedVectors: [][]float32{{0.1, 0.2, 0.3}},
		completion: &llm.Completion{
			Content: "Go is a language.",
			Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
	}
	store := &fakeStore{matches: []vectorstore.Match{
		{ChunkID: "c-1", Content: "Alpha", Score: 0.9, SourceID: "s-1"},
		{ChunkID: "c-2", Content: "Beta", Score: 0.8, SourceID: "s-1"},
	}}
	o, mock := newTestOrchestrator(t, provider, store)

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")
	expectAssistantTx(mock, tenantID, chatID, "Go is a language.", 10, 5, `["c-1","c-2"]`)

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	result, err := o.RunTurn(context.Background(), turn)
	require.NoError(t, err)

	assert.Equal(t, "Go is a language.", result.Message.Content)
	assert.Equal(t, Usage{Model: "gpt-4o", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, result.Usage)
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "c-1", result.Sources[0].ChunkID)

	// The query embedding and search were scoped to the tenant and bot.
	assert.Equal(t, []string{"What is Go?"}, provider.embedTexts)
	assert.Equal(t, "sk-tenant", provider.embedKey)
	assert.Equal(t, tenantID.String(), store.query.TenantID)
	assert.Equal(t, botID.String(), store.query.BotProfileID)
	assert.Equal(t, topK, store.query.TopK)

	// The prompt carried the context block and the bot's settings.
	assert.Equal(t, "gpt-4o", provider.completeReq.Model)
	assert.Equal(t, 512, provider.completeReq.MaxTokens)
	assert.Contains(t, provider.completeReq.Messages[0].Content, "Relevant context from the knowledge base:")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurn_ProviderFailureLeavesNoAssistantRow(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{
		embedVectors: [][]float32{{0.1}},
		completeErr:  llm.ErrUnavailable,
	}
	o, mock := newTestOrchestrator(t, provider, &fakeStore{})

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	_, err = o.RunTurn(context.Background(), turn)
	require.ErrorIs(t, err, llm.ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurnStream_EmitsSourcesDeltasDone(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{
		embedVectors: [][]float32{{0.1}},
		streamDeltas: []string{"Hel", "lo"},
		streamUsage:  llm.Usage{PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11},
	}
	store := &fakeStore{matches: []vectorstore.Match{
		{ChunkID: "c-1", Content: "Alpha", Score: 0.9, SourceID: "s-1"},
	}}
	o, mock := newTestOrchestrator(t, provider, store)

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), tenantID, chatID, models.RoleAssistant, "Hello", 9, 2, `["c-1"]`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO usage_events").
		WithArgs(sqlmock.AnyArg(), tenantID, chatID, sqlmock.AnyArg(), botID, "gpt-4o",
			9, 2, 11, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE chats").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	var events []emitted
	err = o.RunTurnStream(context.Background(), turn, func(event string, data interface{}) error {
		events = append(events, emitted{event, data})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, "sources", events[0].event)
	assert.Equal(t, "delta", events[1].event)
	assert.Equal(t, "delta", events[2].event)
	assert.Equal(t, "done", events[3].event)

	done := events[3].data.(map[string]interface{})
	assert.Equal(t, chatID.String(), done["chat_id"])
	_, err = uuid.Parse(done["message_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, Usage{Model: "gpt-4o", PromptTokens: 9, CompletionTokens: 2, TotalTokens: 11},
		done["usage"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurnStream_MidStreamFailurePersistsPartial(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{
		embedVectors: [][]float32{{0.1}},
		streamDeltas: []string{"par", "tial"},
		streamErr:    llm.ErrUnavailable,
	}
	store := &fakeStore{matches: []vectorstore.Match{
		{ChunkID: "c-1", Content: "Alpha", Score: 0.9, SourceID: "s-1"},
	}}
	o, mock := newTestOrchestrator(t, provider, store)

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")
	expectAssistantTx(mock, tenantID, chatID, "partial", 0, 0, `["c-1"]`)

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	var events []emitted
	err = o.RunTurnStream(context.Background(), turn, func(event string, data interface{}) error {
		events = append(events, emitted{event, data})
		return nil
	})
	require.ErrorIs(t, err, llm.ErrUnavailable)

	require.Len(t, events, 4)
	assert.Equal(t, "sources", events[0].event)
	assert.Equal(t, "error", events[3].event)
	assert.Equal(t, map[string]interface{}{"detail": "An error occurred during generation."},
		events[3].data)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurnStream_ClientDisconnectPersistsPartial(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{
		embedVectors: [][]float32{{0.1}},
		streamDeltas: []string{"A", "B", "C"},
		streamUsage:  llm.Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
	}
	store := &fakeStore{matches: []vectorstore.Match{
		{ChunkID: "c-1", Content: "Alpha", Score: 0.9, SourceID: "s-1"},
	}}
	o, mock := newTestOrchestrator(t, provider, store)

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")
	expectAssistantTx(mock, tenantID, chatID, "AB", 0, 0, `["c-1"]`)

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	disconnect := errors.New("client gone")
	deltas := 0
	err = o.RunTurnStream(context.Background(), turn, func(event string, data interface{}) error {
		if event == "delta" {
			deltas++
			if deltas == 2 {
				return disconnect
			}
		}
		return nil
	})
	require.ErrorIs(t, err, disconnect)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTurnStream_EmbedFailureEmitsErrorFrame(t *testing.T) {
	tenantID, botID, chatID := uuid.New(), uuid.New(), uuid.New()
	provider := &fakeProvider{embedErr: llm.ErrAuth}
	o, mock := newTestOrchestrator(t, provider, &fakeStore{})

	expectPrepare(mock, tenantID, chatID, historyRows(tenantID, chatID), "What is Go?")

	turn, err := o.PrepareTurn(context.Background(), testRequest(tenantID, botID, chatID))
	require.NoError(t, err)

	var events []emitted
	err = o.RunTurnStream(context.Background(), turn, func(event string, data interface{}) error {
		events = append(events, emitted{event, data})
		return nil
	})
	require.ErrorIs(t, err, llm.ErrAuth)

	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].event)
	require.NoError(t, mock.ExpectationsWereMet())
}
