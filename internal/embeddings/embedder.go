// Package embeddings turns text into vectors through an Ollama embedding model.
package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms/ollama"
)

// DefaultBatchSize is the number of texts sent per embedding request.
const DefaultBatchSize = 32

// Client is the embedding call of a langchaingo model.
type Client interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder batches texts and checks the shape of what the model returns
type Embedder struct {
	client    Client
	batchSize int
}

// NewEmbedder wraps client.
func NewEmbedder(client Client) *Embedder {
	return &Embedder{client: client, batchSize: DefaultBatchSize}
}

// NewOllamaEmbedder creates an embedder talking to the Ollama server at baseURL.
func NewOllamaEmbedder(baseURL, model string, timeout time.Duration) (*Embedder, error) {
	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
		ollama.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding model: %w", err)
	}
	return NewEmbedder(llm), nil
}

// EmbedQuery returns the embedding of a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments returns one embedding per text, in order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		vectors, err := e.client.CreateEmbedding(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to create embeddings: %w", err)
		}
		if len(vectors) != end-start {
			return nil, fmt.Errorf("embedding model returned %d vectors for %d texts", len(vectors), end-start)
		}
		for _, v := range vectors {
			if len(v) == 0 {
				return nil, fmt.Errorf("no embedding returned")
			}
		}
		out = append(out, vectors...)
	}
	return out, nil
}
