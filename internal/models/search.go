package models

// Defaults applied to search requests that leave a field unset.
const (
	DefaultChunksPerDocument = 50
	DefaultMinScore          = 0.7
)

// Chunk is one retrieved span of a document. It lives for a single request.
type Chunk struct {
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	DocumentID int64   `json:"-"`
	PageNumber *int    `json:"pageNumber,omitempty"`
	ChunkIndex *int    `json:"chunkIndex,omitempty"`
}

// SearchQuery is the validated input of a retrieval request.
type SearchQuery struct {
	Query             string
	TenantID          string
	ChunksPerDocument int
	MinScore          float64
	SortByScore       bool
}

// SearchRequest is the wire shape of POST /api/documents/search. Pointer fields
// distinguish "unset" from an explicit zero value.
type SearchRequest struct {
	Query             string   `json:"query"`
	TenantID          string   `json:"tenantId,omitempty"`
	ChunksPerDocument *int     `json:"chunksPerDocument,omitempty"`
	MinScore          *float64 `json:"minScore,omitempty"`
	SortByScore       *bool    `json:"sortByScore,omitempty"`
}

// ToQuery applies the request defaults for the given tenant.
func (r SearchRequest) ToQuery(tenantID string) SearchQuery {
	q := SearchQuery{
		Query:             r.Query,
		TenantID:          tenantID,
		ChunksPerDocument: DefaultChunksPerDocument,
		MinScore:          DefaultMinScore,
		SortByScore:       true,
	}
	if r.ChunksPerDocument != nil {
		q.ChunksPerDocument = *r.ChunksPerDocument
	}
	if r.MinScore != nil {
		q.MinScore = *r.MinScore
	}
	if r.SortByScore != nil {
		q.SortByScore = *r.SortByScore
	}
	return q
}

// DocumentWithChunks is a document together with its retained chunks.
type DocumentWithChunks struct {
	Document
	Chunks []Chunk `json:"chunks"`
}

// SearchResult is the response of a retrieval request. Message is only set for
// empty results and says why nothing was found.
type SearchResult struct {
	Documents   []DocumentWithChunks `json:"documents"`
	Total       int                  `json:"total"`
	TotalChunks int                  `json:"totalChunks"`
	Message     string               `json:"message,omitempty"`
}
