package storage

import (
	"context"
	"math"
	"sort"
	"sync"

	"docrag/internal/ranking"
)

// MemoryChunkIndex is an in-process ChunkIndex using brute force cosine similarity
type MemoryChunkIndex struct {
	chunks []IndexedChunk
	mu     sync.RWMutex
}

// NewMemoryChunkIndex returns an empty index
func NewMemoryChunkIndex() *MemoryChunkIndex {
	return &MemoryChunkIndex{
		chunks: make([]IndexedChunk, 0),
	}
}

// Upsert appends chunks to the index
func (m *MemoryChunkIndex) Upsert(_ context.Context, chunks []IndexedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
	return nil
}

// DeleteDocument drops every chunk of a document
func (m *MemoryChunkIndex) DeleteDocument(_ context.Context, documentID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.DocumentID != documentID {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
	return nil
}

// Search returns up to limit chunks of the filter's tenant, most similar first
func (m *MemoryChunkIndex) Search(ctx context.Context, embedding []float32, filter ChunkFilter, limit int) ([]ranking.Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type scoredChunk struct {
		chunk    *IndexedChunk
		distance float64
	}

	scores := make([]scoredChunk, 0, len(m.chunks))
	for i := range m.chunks {
		c := &m.chunks[i]
		if c.TenantID != filter.TenantID {
			continue
		}
		scores = append(scores, scoredChunk{chunk: c, distance: 1 - float64(cosineSimilarity(embedding, c.Embedding))})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		return scores[i].distance < scores[j].distance
	})

	if limit > len(scores) {
		limit = len(scores)
	}
	if limit < 0 {
		limit = 0
	}

	hits := make([]ranking.Hit, limit)
	for i := 0; i < limit; i++ {
		c := scores[i].chunk
		hits[i] = hitFromChunk(c.DocumentID, c.TenantID, c.Page, c.ChunkIndex, c.Content, scores[i].distance)
	}
	return hits, nil
}

// Len returns the number of stored chunks
func (m *MemoryChunkIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// Close is a no-op
func (m *MemoryChunkIndex) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float32
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}
