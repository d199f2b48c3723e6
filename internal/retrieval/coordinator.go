// Package retrieval answers search queries: it runs the vector search, keeps the hits
// of documents the tenant owns, ranks them and attaches document metadata.
package retrieval

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
	"docrag/internal/permissions"
	"docrag/internal/ranking"
)

// Empty result messages.
const (
	MessageNoDocuments = "No documents found for this user"
	MessageNoMatches   = "No matching documents found"
	MessageNoContext   = "No relevant documents found."
)

// DocumentResolver loads the metadata of documents owned by a tenant
type DocumentResolver interface {
	GetDocumentsByIDs(ctx context.Context, ids []int64, tenantID string) ([]models.Document, error)
}

// Options tunes the Coordinator.
type Options struct {
	// Timeout bounds one vector search call. Zero disables the deadline.
	Timeout time.Duration
	// CandidateMultiplier is the number of candidates requested per retained chunk.
	CandidateMultiplier int
	// MaxCandidates caps the number of candidates requested from the searcher.
	MaxCandidates int

	ToolChunksPerDocument int
	ToolMinScore          float64
}

// DefaultOptions returns the options used when the configuration leaves them unset.
func DefaultOptions() Options {
	return Options{
		Timeout:               10 * time.Second,
		CandidateMultiplier:   4,
		MaxCandidates:         200,
		ToolChunksPerDocument: 10,
		ToolMinScore:          0.3,
	}
}

// Coordinator runs retrieval queries for one tenant at a time. It is safe for
// concurrent use.
type Coordinator struct {
	searcher  VectorSearcher
	ownership permissions.OwnershipResolver
	documents DocumentResolver
	opts      Options
	logger    *zerolog.Logger
}

// NewCoordinator creates a Coordinator
func NewCoordinator(searcher VectorSearcher, ownership permissions.OwnershipResolver, documents DocumentResolver, opts Options, logger *zerolog.Logger) *Coordinator {
	return &Coordinator{
		searcher:  searcher,
		ownership: ownership,
		documents: documents,
		opts:      opts,
		logger:    logger,
	}
}

// Search returns the documents matching q with their best chunks. Empty results are a
// success carrying a Message; backend failures are returned as errors.
func (c *Coordinator) Search(ctx context.Context, q models.SearchQuery) (*models.SearchResult, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, apperrors.ErrEmptyQuery
	}
	if q.TenantID == "" {
		return nil, apperrors.ErrMissingTenant
	}
	if q.ChunksPerDocument <= 0 {
		return nil, apperrors.ErrInvalidChunkCap
	}

	logger := c.logger.With().Str("tenant", q.TenantID).Logger()

	owned, err := c.ownership.OwnedDocumentIDs(ctx, q.TenantID)
	if err != nil {
		return nil, apperrors.Backend("ownership service", err).With("tenant", q.TenantID)
	}
	if len(owned) == 0 {
		return emptyResult(MessageNoDocuments), nil
	}
	ownedSet := make(map[int64]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}

	hits, err := c.similaritySearch(ctx, q)
	if err != nil {
		return nil, err
	}

	visible := hits[:0:0]
	for _, h := range hits {
		id, ok := ranking.Int64(h.Metadata[ranking.MetaDocumentID])
		if !ok {
			// Unresolvable hits are dropped and counted by the ranker.
			visible = append(visible, h)
			continue
		}
		if _, ok := ownedSet[id]; ok {
			visible = append(visible, h)
		}
	}
	if filtered := len(hits) - len(visible); filtered > 0 {
		logger.Debug().Int("filtered", filtered).Msg("removed hits of documents not owned by tenant")
	}

	ranked, err := ranking.Rank(visible, ranking.Options{
		PerDocumentCap: q.ChunksPerDocument,
		MinScore:       q.MinScore,
		SortByScore:    q.SortByScore,
	})
	if err != nil {
		return nil, err
	}
	if ranked.Dropped > 0 {
		logger.Warn().Int("dropped", ranked.Dropped).Msg("dropped hits without a document id")
	}
	if len(ranked.DocumentOrder) == 0 {
		return emptyResult(MessageNoMatches), nil
	}

	docs, err := c.documents.GetDocumentsByIDs(ctx, ranked.DocumentOrder, q.TenantID)
	if err != nil {
		return nil, apperrors.Backend("document store", err).With("tenant", q.TenantID)
	}
	byID := make(map[int64]models.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	result := &models.SearchResult{Documents: []models.DocumentWithChunks{}}
	for _, id := range ranked.DocumentOrder {
		doc, ok := byID[id]
		if !ok {
			logger.Warn().Int64("document_id", id).Msg("ranked document not returned by document store")
			continue
		}
		chunks := ranked.Buckets[id]
		result.Documents = append(result.Documents, models.DocumentWithChunks{Document: doc, Chunks: chunks})
		result.TotalChunks += len(chunks)
	}
	result.Total = len(result.Documents)
	if result.Total == 0 {
		result.Message = MessageNoMatches
	}

	logger.Debug().
		Int("candidates", len(hits)).
		Int("documents", result.Total).
		Int("chunks", result.TotalChunks).
		Msg("search complete")
	return result, nil
}

func (c *Coordinator) similaritySearch(ctx context.Context, q models.SearchQuery) ([]ranking.Hit, error) {
	searchCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	hits, err := c.searcher.SimilaritySearch(searchCtx, q.Query, &Filter{TenantID: q.TenantID}, c.candidateLimit(q.ChunksPerDocument))
	if err != nil {
		if stderrors.Is(searchCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, apperrors.Backend("search backend", err).
			With("tenant", q.TenantID).
			With("query", q.Query)
	}
	return hits, nil
}

// candidateLimit is the number of hits requested for a per-document cap.
func (c *Coordinator) candidateLimit(perDocument int) int {
	multiplier := c.opts.CandidateMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	limit := perDocument * multiplier
	if c.opts.MaxCandidates > 0 && limit > c.opts.MaxCandidates {
		limit = c.opts.MaxCandidates
	}
	return limit
}

func emptyResult(message string) *models.SearchResult {
	return &models.SearchResult{Documents: []models.DocumentWithChunks{}, Message: message}
}

// ChatContext is the retrieval output handed to the language model.
type ChatContext struct {
	Text   string
	Chunks int
}

// ContextForChat searches with the chat tool settings and renders every retained chunk
// as a citation block.
func (c *Coordinator) ContextForChat(ctx context.Context, tenantID, query string) (*ChatContext, error) {
	res, err := c.Search(ctx, models.SearchQuery{
		Query:             query,
		TenantID:          tenantID,
		ChunksPerDocument: c.opts.ToolChunksPerDocument,
		MinScore:          c.opts.ToolMinScore,
		SortByScore:       true,
	})
	if err != nil {
		return nil, err
	}

	var blocks []string
	for _, doc := range res.Documents {
		for _, chunk := range doc.Chunks {
			page := "unknown"
			if chunk.PageNumber != nil {
				page = strconv.Itoa(*chunk.PageNumber)
			}
			blocks = append(blocks, fmt.Sprintf("Document %s, Page %s: %s", doc.Filename, page, chunk.Content))
		}
	}
	if len(blocks) == 0 {
		return &ChatContext{Text: MessageNoContext}, nil
	}
	return &ChatContext{Text: strings.Join(blocks, "\n\n"), Chunks: len(blocks)}, nil
}
