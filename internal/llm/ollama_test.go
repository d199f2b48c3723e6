package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"docrag/internal/models"
)

// mockModel is a langchaingo model that replays fixed chunks through the
// streaming callback.
type mockModel struct {
	chunks     []string
	ignoreFunc bool
	shouldFail bool
	received   []llms.MessageContent
}

func (m *mockModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.received = messages
	if m.shouldFail {
		return nil, errors.New("model not found")
	}

	opts := llms.CallOptions{}
	for _, o := range options {
		o(&opts)
	}

	full := ""
	for _, c := range m.chunks {
		full += c
		if opts.StreamingFunc != nil && !m.ignoreFunc {
			if err := opts.StreamingFunc(ctx, []byte(c)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: full}}}, nil
}

func (m *mockModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func TestStreamForwardsTokens(t *testing.T) {
	model := &mockModel{chunks: []string{"Hel", "lo", "!"}}
	client := NewClient(model)

	var tokens []string
	full, err := client.Stream(context.Background(), []Message{
		{Role: models.RoleSystem, Content: "be brief"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}, func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello!", full)
	assert.Equal(t, []string{"Hel", "lo", "!"}, tokens)

	require.Len(t, model.received, 3)
	assert.Equal(t, llms.ChatMessageTypeSystem, model.received[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, model.received[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, model.received[2].Role)
}

func TestStreamFallsBackToResponse(t *testing.T) {
	client := NewClient(&mockModel{chunks: []string{"all ", "at once"}, ignoreFunc: true})

	var tokens []string
	full, err := client.Stream(context.Background(), nil, func(_ context.Context, token string) error {
		tokens = append(tokens, token)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "all at once", full)
	assert.Equal(t, []string{"all at once"}, tokens)
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	client := NewClient(&mockModel{chunks: []string{"a", "b"}})
	stop := errors.New("consumer gone")

	_, err := client.Stream(context.Background(), nil, func(context.Context, string) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestStreamModelError(t *testing.T) {
	client := NewClient(&mockModel{shouldFail: true})

	_, err := client.Stream(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "model not found")
}
