// Package ranking groups vector search hits by document, applies the score threshold
// and the per-document cap, and orders the documents.
package ranking

import (
	"math"
	"sort"

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
)

// Metadata keys read from a hit.
const (
	MetaDocumentID = "document_id"
	MetaTenantID   = "user_id"
	MetaPage       = "page"
	MetaChunkIndex = "chunk_index"
)

// Hit is one raw result of a similarity search. A nil Score counts as 0.
type Hit struct {
	Content  string
	Score    *float64
	Metadata map[string]any
}

// Options controls Rank.
type Options struct {
	PerDocumentCap int
	MinScore       float64
	SortByScore    bool
}

// Result holds the retained chunks of every document and the order documents are
// presented in. Dropped counts hits whose document could not be determined.
type Result struct {
	Buckets       map[int64][]models.Chunk
	DocumentOrder []int64
	Dropped       int
}

// TotalChunks returns the number of retained chunks.
func (r Result) TotalChunks() int {
	n := 0
	for _, b := range r.Buckets {
		n += len(b)
	}
	return n
}

type scored struct {
	chunk models.Chunk
	pos   int
}

// Rank filters hits below opts.MinScore and keeps at most opts.PerDocumentCap chunks
// per document.
//
// With SortByScore every document keeps its highest scoring chunks, highest first, and
// documents are ordered by their best chunk. Otherwise chunks keep document order
// (page, then chunk index) and documents appear in the order they were first seen.
// Ties always fall back to retrieval order.
func Rank(hits []Hit, opts Options) (Result, error) {
	if opts.PerDocumentCap <= 0 {
		return Result{}, apperrors.ErrInvalidChunkCap
	}

	res := Result{Buckets: map[int64][]models.Chunk{}, DocumentOrder: []int64{}}

	survivors := make([]scored, 0, len(hits))
	for i, h := range hits {
		chunk, ok, err := normalize(h)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			res.Dropped++
			continue
		}
		if chunk.Score < opts.MinScore {
			continue
		}
		survivors = append(survivors, scored{chunk: chunk, pos: i})
	}

	firstSeen := map[int64]int{}
	var docs []int64
	for _, s := range survivors {
		if _, ok := firstSeen[s.chunk.DocumentID]; !ok {
			firstSeen[s.chunk.DocumentID] = s.pos
			docs = append(docs, s.chunk.DocumentID)
		}
	}

	if opts.SortByScore {
		sort.SliceStable(survivors, func(i, j int) bool {
			return survivors[i].chunk.Score > survivors[j].chunk.Score
		})
		for _, s := range survivors {
			id := s.chunk.DocumentID
			if len(res.Buckets[id]) < opts.PerDocumentCap {
				res.Buckets[id] = append(res.Buckets[id], s.chunk)
			}
		}
		// Buckets are filled best first, so element 0 is the best retained score.
		sort.SliceStable(docs, func(i, j int) bool {
			bi, bj := res.Buckets[docs[i]][0].Score, res.Buckets[docs[j]][0].Score
			if bi != bj {
				return bi > bj
			}
			return firstSeen[docs[i]] < firstSeen[docs[j]]
		})
	} else {
		for _, s := range survivors {
			res.Buckets[s.chunk.DocumentID] = append(res.Buckets[s.chunk.DocumentID], s.chunk)
		}
		for id, bucket := range res.Buckets {
			sort.SliceStable(bucket, func(i, j int) bool {
				pi, pj := deref(bucket[i].PageNumber), deref(bucket[j].PageNumber)
				if pi != pj {
					return pi < pj
				}
				return deref(bucket[i].ChunkIndex) < deref(bucket[j].ChunkIndex)
			})
			if len(bucket) > opts.PerDocumentCap {
				bucket = bucket[:opts.PerDocumentCap]
			}
			res.Buckets[id] = bucket
		}
	}

	res.DocumentOrder = append(res.DocumentOrder, docs...)
	return res, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// normalize turns a hit into a chunk. It reports false when the owning document is
// unknown and fails on scores that are not finite.
func normalize(h Hit) (models.Chunk, bool, error) {
	score := 0.0
	if h.Score != nil {
		score = *h.Score
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return models.Chunk{}, false, apperrors.ErrInvalidScore
	}

	id, ok := Int64(h.Metadata[MetaDocumentID])
	if !ok {
		return models.Chunk{}, false, nil
	}

	chunk := models.Chunk{
		Content:    h.Content,
		Score:      score,
		DocumentID: id,
	}
	if page, ok := Int64(h.Metadata[MetaPage]); ok {
		p := int(page)
		chunk.PageNumber = &p
	}
	if idx, ok := Int64(h.Metadata[MetaChunkIndex]); ok {
		c := int(idx)
		chunk.ChunkIndex = &c
	}
	return chunk, true, nil
}
