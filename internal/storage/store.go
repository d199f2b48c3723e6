// Package storage persists documents, conversations and document chunk embeddings.
package storage

import (
	"context"

	"github.com/google/uuid"

	"docrag/internal/models"
	"docrag/internal/ranking"
)

// DefaultPrefixSearchLimit bounds PrefixSearch when the caller passes no limit.
const DefaultPrefixSearchLimit = 10

// DocumentStore persists document metadata. Every tenant scoped call treats a
// document owned by someone else exactly like a missing one.
type DocumentStore interface {
	CreateDocument(ctx context.Context, tenantID, filename string, pathArray []string) (*models.Document, error)
	SetFilePath(ctx context.Context, id int64, filePath string) error
	GetDocumentByID(ctx context.Context, id int64, tenantID string) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []int64, tenantID string) ([]models.Document, error)
	ListDocuments(ctx context.Context, tenantID string) ([]models.Document, error)
	ListOwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error)
	ReplaceFile(ctx context.Context, id int64, tenantID, filename, filePath string) (*models.Document, error)
	MoveDocument(ctx context.Context, id int64, tenantID string, newDir []string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id int64, tenantID string) error
	MarkIngested(ctx context.Context, id int64, ingested bool) error
	PrefixSearch(ctx context.Context, tenantID, query string, limit int) ([]models.Document, error)
}

// ConversationStore persists chat sessions and their append-only message log.
type ConversationStore interface {
	CreateConversation(ctx context.Context, tenantID string, id *uuid.UUID) (*models.Conversation, error)
	GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*models.Conversation, error)
	ListConversations(ctx context.Context, tenantID string) ([]models.Conversation, error)
	AddMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*models.Message, error)
	Messages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error)
	DeleteConversation(ctx context.Context, tenantID string, conversationID uuid.UUID) error
}

// IndexedChunk is one embedded span of a document as written to a ChunkIndex.
type IndexedChunk struct {
	DocumentID int64
	TenantID   string
	Page       *int
	ChunkIndex int
	Content    string
	Embedding  []float32
}

// ChunkFilter restricts a chunk search. TenantID is required.
type ChunkFilter struct {
	TenantID string
}

// ChunkIndex stores chunk embeddings and answers nearest neighbour queries. Hit
// scores are 1 - cosine distance, higher is more similar.
type ChunkIndex interface {
	Upsert(ctx context.Context, chunks []IndexedChunk) error
	DeleteDocument(ctx context.Context, documentID int64) error
	Search(ctx context.Context, embedding []float32, filter ChunkFilter, limit int) ([]ranking.Hit, error)
	Close() error
}

// hitFromChunk builds the ranking input for a stored chunk.
func hitFromChunk(documentID int64, tenantID string, page *int, chunkIndex int, content string, distance float64) ranking.Hit {
	score := 1 - distance
	meta := map[string]any{
		ranking.MetaDocumentID: documentID,
		ranking.MetaTenantID:   tenantID,
		ranking.MetaChunkIndex: chunkIndex,
	}
	if page != nil {
		meta[ranking.MetaPage] = *page
	}
	return ranking.Hit{Content: content, Score: &score, Metadata: meta}
}
