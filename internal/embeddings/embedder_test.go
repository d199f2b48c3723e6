package embeddings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockClient struct {
	calls      int
	shouldFail bool
	drop       bool
}

func (m *mockClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	if m.shouldFail {
		return nil, errors.New("ollama unavailable")
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, []float32{float32(len(t)), 1})
	}
	if m.drop {
		out = out[1:]
	}
	return out, nil
}

func TestEmbedDocumentsBatches(t *testing.T) {
	client := &mockClient{}
	e := NewEmbedder(client)

	texts := make([]string, DefaultBatchSize*2+3)
	for i := range texts {
		texts[i] = strings.Repeat("x", i)
	}

	vectors, err := e.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, float32(5), vectors[5][0])
}

func TestEmbedQuery(t *testing.T) {
	e := NewEmbedder(&mockClient{})

	v, err := e.EmbedQuery(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 1}, v)
}

func TestEmbedErrors(t *testing.T) {
	_, err := NewEmbedder(&mockClient{shouldFail: true}).EmbedQuery(context.Background(), "abc")
	assert.ErrorContains(t, err, "ollama unavailable")

	_, err = NewEmbedder(&mockClient{drop: true}).EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.ErrorContains(t, err, "returned 1 vectors for 2 texts")
}
