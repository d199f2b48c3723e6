package chat

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docrag/internal/errors"
	"docrag/internal/llm"
	"docrag/internal/models"
	"docrag/internal/retrieval"
)

// memoryConversations is an in-memory ConversationStore
type memoryConversations struct {
	mu       sync.Mutex
	convs    map[uuid.UUID]*models.Conversation
	messages map[uuid.UUID][]models.Message
	nextID   int64
	failAdd  bool
}

func newMemoryConversations() *memoryConversations {
	return &memoryConversations{convs: map[uuid.UUID]*models.Conversation{}, messages: map[uuid.UUID][]models.Message{}}
}

func (m *memoryConversations) CreateConversation(_ context.Context, tenantID string, id *uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id != nil {
		if c, ok := m.convs[*id]; ok {
			if c.TenantID != tenantID {
				return nil, apperrors.ErrConversationNotFound
			}
			return c, nil
		}
	}
	c := &models.Conversation{ID: uuid.New(), TenantID: tenantID, CreatedAt: time.Now()}
	if id != nil {
		c.ID = *id
	}
	m.convs[c.ID] = c
	return c, nil
}

func (m *memoryConversations) GetConversation(_ context.Context, tenantID string, id uuid.UUID) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.TenantID != tenantID {
		return nil, apperrors.ErrConversationNotFound
	}
	return c, nil
}

func (m *memoryConversations) ListConversations(_ context.Context, tenantID string) ([]models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Conversation
	for _, c := range m.convs {
		if c.TenantID == tenantID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memoryConversations) AddMessage(_ context.Context, conversationID uuid.UUID, role, content string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdd {
		return nil, stderrors.New("disk full")
	}
	if _, ok := m.convs[conversationID]; !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	m.nextID++
	msg := models.Message{ID: m.nextID, ConversationID: conversationID, Role: role, Content: content}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return &msg, nil
}

func (m *memoryConversations) Messages(_ context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages[conversationID]...), nil
}

func (m *memoryConversations) DeleteConversation(_ context.Context, tenantID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.TenantID != tenantID {
		return apperrors.ErrConversationNotFound
	}
	delete(m.convs, id)
	delete(m.messages, id)
	return nil
}

type mockRetriever struct {
	result     *retrieval.ChatContext
	shouldFail bool
	calls      int
}

func (m *mockRetriever) ContextForChat(context.Context, string, string) (*retrieval.ChatContext, error) {
	m.calls++
	if m.shouldFail {
		return nil, apperrors.Unavailable("search backend", stderrors.New("connection refused"))
	}
	return m.result, nil
}

// mockModel replays tokens and records the prompt it received
type mockModel struct {
	tokens     []string
	shouldFail bool
	received   []llm.Message
	delivered  int
}

func (m *mockModel) Stream(ctx context.Context, messages []llm.Message, onToken llm.TokenFunc) (string, error) {
	m.received = messages
	var full strings.Builder
	for _, tok := range m.tokens {
		if err := onToken(ctx, tok); err != nil {
			return "", err
		}
		m.delivered++
		full.WriteString(tok)
	}
	if m.shouldFail {
		return "", stderrors.New("model crashed")
	}
	return full.String(), nil
}

type fixture struct {
	store     *memoryConversations
	retriever *mockRetriever
	model     *mockModel
	orch      *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newMemoryConversations(),
		retriever: &mockRetriever{result: &retrieval.ChatContext{Text: "Document a.pdf, Page 1: revenue grew", Chunks: 2}},
		model:     &mockModel{tokens: []string{"Revenue", " ", " grew"}},
	}
	logger := zerolog.Nop()
	f.orch = NewOrchestrator(f.retriever, f.model, NewConversationService(f.store, "be helpful"), &logger)
	return f
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func terminals(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Terminal() {
			n++
		}
	}
	return n
}

func TestStreamEventOrder(t *testing.T) {
	f := newFixture(t)

	convID, ch, err := f.orch.Stream(context.Background(), Request{TenantID: "alice", Message: "how is revenue?"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, []EventType{
		EventSearchStart,
		EventSearchComplete,
		EventThinkingStart,
		EventThinkingComplete,
		EventToken,
		EventToken,
		EventComplete,
	}, types(events))
	assert.Equal(t, 1, terminals(events))

	assert.Equal(t, "Found 2 relevant documents", events[1].Data)
	assert.Equal(t, "Revenue", events[4].Data)
	assert.Equal(t, " grew", events[5].Data)
	assert.Equal(t, 2, events[6].Metadata["search_result_count"])

	msgs := f.store.messages[convID]
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "how is revenue?", msgs[0].Content)
	assert.Equal(t, "Revenue grew", msgs[1].Content)
}

func TestStreamPromptIncludesHistoryAndContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.orch.Chat(ctx, Request{TenantID: "alice", Message: "first question"})
	require.NoError(t, err)

	_, err = f.orch.Chat(ctx, Request{TenantID: "alice", Message: "second question", ConversationID: &first.ConversationID})
	require.NoError(t, err)

	got := f.model.received
	require.Len(t, got, 5)
	assert.Equal(t, llm.Message{Role: models.RoleSystem, Content: "be helpful"}, got[0])
	assert.Equal(t, llm.Message{Role: models.RoleUser, Content: "first question"}, got[1])
	assert.Equal(t, models.RoleAssistant, got[2].Role)
	assert.Contains(t, got[3].Content, "revenue grew")
	assert.Equal(t, llm.Message{Role: models.RoleUser, Content: "second question"}, got[4])
}

func TestStreamSearchFailure(t *testing.T) {
	f := newFixture(t)
	f.retriever.shouldFail = true

	_, ch, err := f.orch.Stream(context.Background(), Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, []EventType{EventSearchStart, EventError}, types(events))
	assert.Equal(t, ErrorTypeSearch, events[1].Metadata["error_type"])
	assert.Nil(t, f.model.received)
}

func TestStreamModelFailure(t *testing.T) {
	f := newFixture(t)
	f.model.shouldFail = true

	convID, ch, err := f.orch.Stream(context.Background(), Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, EventError, events[len(events)-1].Type)
	assert.Equal(t, 1, terminals(events))
	assert.Empty(t, f.store.messages[convID], "failed turns are not recorded")
}

func TestStreamNoResults(t *testing.T) {
	f := newFixture(t)
	f.retriever.result = &retrieval.ChatContext{Text: retrieval.MessageNoContext}

	_, ch, err := f.orch.Stream(context.Background(), Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)
	events := collect(t, ch)

	assert.Equal(t, noResultsText, events[1].Data)
	assert.Equal(t, 0, events[1].Metadata["count"])
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
}

func TestStreamCancellationStopsProducer(t *testing.T) {
	f := newFixture(t)
	f.model.tokens = []string{"a", "b", "c", "d", "e"}
	ctx, cancel := context.WithCancel(context.Background())

	_, ch, err := f.orch.Stream(ctx, Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)

	for ev := range ch {
		if ev.Type == EventToken {
			cancel()
			break
		}
	}

	// Drain so the producer can observe the cancellation and close the channel.
	rest := collect(t, ch)
	assert.Zero(t, terminals(rest))
	assert.Less(t, f.model.delivered, len(f.model.tokens))
}

func TestChatReturnsAnswer(t *testing.T) {
	f := newFixture(t)

	resp, err := f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Revenue grew", resp.Answer)
	assert.Equal(t, 2, resp.SearchResults)
	assert.NotEqual(t, uuid.Nil, resp.ConversationID)
}

func TestChatErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "  "})
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	conv, err := f.store.CreateConversation(context.Background(), "bob", nil)
	require.NoError(t, err)
	_, err = f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "q", ConversationID: &conv.ID})
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)

	f.retriever.shouldFail = true
	_, err = f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "q"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindBackendUnavailable))

	f.retriever.shouldFail = false
	f.model.shouldFail = true
	_, err = f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "q"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindBackendUnavailable))
}

func TestChatPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.store.failAdd = true

	_, err := f.orch.Chat(context.Background(), Request{TenantID: "alice", Message: "q"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}

func TestConversationServiceMessagesScoped(t *testing.T) {
	f := newFixture(t)
	svc := NewConversationService(f.store, "")
	ctx := context.Background()

	resp, err := f.orch.Chat(ctx, Request{TenantID: "alice", Message: "q"})
	require.NoError(t, err)

	msgs, err := svc.Messages(ctx, "alice", resp.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	_, err = svc.Messages(ctx, "bob", resp.ConversationID)
	assert.ErrorIs(t, err, apperrors.ErrConversationNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, "bob", resp.ConversationID), apperrors.ErrConversationNotFound)
	require.NoError(t, svc.Delete(ctx, "alice", resp.ConversationID))
	convs, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestEventSSE(t *testing.T) {
	frame, err := Event{Type: EventToken, Data: "hi"}.SSE()
	require.NoError(t, err)
	assert.Equal(t, "event: token\ndata: {\"event\":\"token\",\"data\":\"hi\"}\n\n", string(frame))
}
