package retrieval

import (
	"context"

	"docrag/internal/ranking"
	"docrag/internal/storage"
)

// Filter narrows a similarity search. Collaborators that cannot filter may ignore it;
// the Coordinator post-filters every hit.
type Filter struct {
	TenantID string
}

// VectorSearcher returns the chunks most similar to a query text
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, query string, filter *Filter, limit int) ([]ranking.Hit, error)
}

// QueryEmbedder embeds a search query
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// ChunkSearcher is the read side of a storage.ChunkIndex
type ChunkSearcher interface {
	Search(ctx context.Context, embedding []float32, filter storage.ChunkFilter, limit int) ([]ranking.Hit, error)
}

// EmbeddingSearcher implements VectorSearcher by embedding the query and running a
// nearest neighbour search on a chunk index.
type EmbeddingSearcher struct {
	embedder QueryEmbedder
	index    ChunkSearcher
}

// NewEmbeddingSearcher creates a VectorSearcher over index
func NewEmbeddingSearcher(embedder QueryEmbedder, index ChunkSearcher) *EmbeddingSearcher {
	return &EmbeddingSearcher{embedder: embedder, index: index}
}

// SimilaritySearch implements VectorSearcher
func (s *EmbeddingSearcher) SimilaritySearch(ctx context.Context, query string, filter *Filter, limit int) ([]ranking.Hit, error) {
	embedding, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var f storage.ChunkFilter
	if filter != nil {
		f.TenantID = filter.TenantID
	}
	return s.index.Search(ctx, embedding, f, limit)
}
