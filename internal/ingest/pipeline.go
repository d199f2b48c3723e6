// Package ingest turns uploaded documents into embedded, searchable chunks.
package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
	"docrag/internal/ranking"
	"docrag/internal/storage"
)

// Splitter settings used when the configuration leaves them unset.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DocumentSource is the part of the document store the pipeline needs
type DocumentSource interface {
	GetDocumentByID(ctx context.Context, id int64, tenantID string) (*models.Document, error)
	MarkIngested(ctx context.Context, id int64, ingested bool) error
}

// Embedder embeds chunk texts, one vector per text in order
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkWriter is the write side of a storage.ChunkIndex
type ChunkWriter interface {
	Upsert(ctx context.Context, chunks []storage.IndexedChunk) error
	DeleteDocument(ctx context.Context, documentID int64) error
}

// ItemResult is the outcome of one document of a batch.
type ItemResult struct {
	DocumentID int64  `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Error      string `json:"error,omitempty"`

	Err error `json:"-"`
}

// BatchReport summarizes an ingestion batch. A failed document never aborts its
// siblings.
type BatchReport struct {
	Message       string       `json:"message"`
	DocumentIDs   []int64      `json:"document_ids"`
	Items         []ItemResult `json:"items"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	ChunksCreated int          `json:"chunks_created"`
}

// Pipeline loads, splits, embeds and indexes documents
type Pipeline struct {
	docs     DocumentSource
	loader   Loader
	splitter textsplitter.TextSplitter
	embedder Embedder
	index    ChunkWriter
	logger   *zerolog.Logger
}

// NewPipeline creates a pipeline splitting text into chunkSize characters with
// chunkOverlap characters shared between neighbours.
func NewPipeline(docs DocumentSource, loader Loader, embedder Embedder, index ChunkWriter, chunkSize, chunkOverlap int, logger *zerolog.Logger) *Pipeline {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = 0
	}
	return &Pipeline{
		docs:   docs,
		loader: loader,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
		),
		embedder: embedder,
		index:    index,
		logger:   logger,
	}
}

// Ingest processes the given documents of tenantID. Every id must belong to the tenant
// before anything is processed. When no document succeeds the report is returned
// together with ErrNoDocumentsProcessed.
func (p *Pipeline) Ingest(ctx context.Context, tenantID string, ids []int64) (*BatchReport, error) {
	if tenantID == "" {
		return nil, apperrors.ErrMissingTenant
	}
	if len(ids) == 0 {
		return nil, apperrors.Validation("document_ids cannot be empty")
	}

	docs := make([]*models.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := p.docs.GetDocumentByID(ctx, id, tenantID)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	p.logger.Info().Str("tenant", tenantID).Int("documents", len(docs)).Msg("starting document ingestion")

	report := &BatchReport{DocumentIDs: ids, Items: make([]ItemResult, 0, len(docs))}
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := p.ingestDocument(ctx, tenantID, doc)
		item := ItemResult{DocumentID: doc.ID, Chunks: n, Err: err}
		if err != nil {
			item.Error = err.Error()
			report.Failed++
			p.logger.Error().Err(err).Int64("document_id", doc.ID).Msg("error processing document")
		} else {
			report.Succeeded++
			report.ChunksCreated += n
			p.logger.Debug().Int64("document_id", doc.ID).Int("chunks", n).Msg("document ingested")
		}
		report.Items = append(report.Items, item)
	}

	if report.Succeeded == 0 {
		report.Message = apperrors.ErrNoDocumentsProcessed.Message
		return report, apperrors.ErrNoDocumentsProcessed
	}
	report.Message = "Documents ingested successfully"
	if report.Failed > 0 {
		report.Message = fmt.Sprintf("Ingested %d of %d documents", report.Succeeded, len(docs))
	}
	p.logger.Info().
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("chunks", report.ChunksCreated).
		Msg("document ingestion complete")
	return report, nil
}

// ingestDocument replaces the indexed chunks of doc and then flags it ingested.
func (p *Pipeline) ingestDocument(ctx context.Context, tenantID string, doc *models.Document) (int, error) {
	pages, err := p.loader.Load(ctx, *doc)
	if err != nil {
		return 0, err
	}
	for i := range pages {
		if pages[i].Metadata == nil {
			pages[i].Metadata = map[string]any{}
		}
		pages[i].Metadata[ranking.MetaDocumentID] = doc.ID
		pages[i].Metadata[ranking.MetaTenantID] = tenantID
	}

	split, err := textsplitter.SplitDocuments(p.splitter, pages)
	if err != nil {
		return 0, fmt.Errorf("failed to split document: %w", err)
	}
	split = dropBlank(split)
	if len(split) == 0 {
		return 0, fmt.Errorf("no text could be extracted from %s", doc.Filename)
	}

	texts := make([]string, len(split))
	for i, s := range split {
		texts[i] = s.PageContent
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, apperrors.Backend("embedding service", err)
	}

	chunks := make([]storage.IndexedChunk, len(split))
	for i, s := range split {
		chunks[i] = storage.IndexedChunk{
			DocumentID: doc.ID,
			TenantID:   tenantID,
			ChunkIndex: i,
			Content:    s.PageContent,
			Embedding:  vectors[i],
		}
		if page, ok := ranking.Int64(s.Metadata[ranking.MetaPage]); ok {
			n := int(page)
			chunks[i].Page = &n
		}
	}

	if err := p.index.DeleteDocument(ctx, doc.ID); err != nil {
		return 0, apperrors.Backend("chunk index", err)
	}
	if err := p.index.Upsert(ctx, chunks); err != nil {
		return 0, apperrors.Backend("chunk index", err)
	}

	// The flag is only set once the chunks are stored, so it can lag the index but
	// never lead it.
	if err := p.docs.MarkIngested(ctx, doc.ID, true); err != nil {
		return 0, fmt.Errorf("failed to mark document ingested: %w", err)
	}
	return len(chunks), nil
}

func dropBlank(docs []schema.Document) []schema.Document {
	out := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.PageContent) != "" {
			out = append(out, d)
		}
	}
	return out
}
