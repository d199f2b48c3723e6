package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/rs/zerolog"

	"docrag/internal/ranking"
)

func init() {
	sqlite_vec.Auto()
}

const (
	initialMultiplier = 2
	growthFactor      = 2.0
	maxAttempts       = 10

	// maxKNN is the largest k sqlite-vec accepts in a KNN query.
	maxKNN = 4096
)

// SQLiteVecIndex implements ChunkIndex with a sqlite-vec vec0 table next to a plain
// table holding chunk metadata
type SQLiteVecIndex struct {
	db     *sql.DB
	logger *zerolog.Logger

	mu         sync.Mutex
	dimensions int
}

// NewSQLiteVecIndex creates the chunk tables in db. The vector table is created on the
// first write, once the embedding dimension is known.
func NewSQLiteVecIndex(db *sql.DB, logger *zerolog.Logger) (*SQLiteVecIndex, error) {
	idx := &SQLiteVecIndex{db: db, logger: logger}
	if err := idx.initDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize chunk index: %w", err)
	}
	return idx, nil
}

func (s *SQLiteVecIndex) initDB() error {
	metadataQuery := `
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		page INTEGER,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
	`
	if _, err := s.db.Exec(metadataQuery); err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to the SQLiteStore
func (s *SQLiteVecIndex) Close() error {
	return nil
}

// serializeFloat32Vector converts a float32 slice to the byte format expected by sqlite-vec
func serializeFloat32Vector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:(i+1)*4], math.Float32bits(v))
	}
	return buf
}

// ensureVecTableExists creates the vec_chunks table if it doesn't exist
func (s *SQLiteVecIndex) ensureVecTableExists(ctx context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimensions != 0 {
		if s.dimensions != dims {
			return fmt.Errorf("cannot change embedding length from %d to %d", s.dimensions, dims)
		}
		return nil
	}

	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'").Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check vec_chunks existence: %w", err)
	}

	if tableExists == 0 {
		vecQuery := fmt.Sprintf(`
			CREATE VIRTUAL TABLE vec_chunks USING vec0(
				chunk_id INTEGER PRIMARY KEY,
				embedding FLOAT[%d] distance_metric=cosine
			)
		`, dims)
		if _, err := s.db.ExecContext(ctx, vecQuery); err != nil {
			return fmt.Errorf("failed to create vec_chunks table: %w", err)
		}
	}

	s.dimensions = dims
	return nil
}

func (s *SQLiteVecIndex) hasVecTable(ctx context.Context) (bool, error) {
	s.mu.Lock()
	known := s.dimensions != 0
	s.mu.Unlock()
	if known {
		return true, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vec_chunks'").Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check vec_chunks existence: %w", err)
	}
	return n > 0, nil
}

// Upsert writes chunks and their embeddings in one transaction
func (s *SQLiteVecIndex) Upsert(ctx context.Context, chunks []IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.ensureVecTableExists(ctx, len(chunks[0].Embedding)); err != nil {
		return fmt.Errorf("failed to ensure vec table exists: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range chunks {
		if len(c.Embedding) != s.dimensions {
			return fmt.Errorf("chunk %d of document %d has %d dimensions, want %d",
				c.ChunkIndex, c.DocumentID, len(c.Embedding), s.dimensions)
		}

		var page any
		if c.Page != nil {
			page = *c.Page
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (document_id, user_id, page, chunk_index, content) VALUES (?, ?, ?, ?, ?)`,
			c.DocumentID, c.TenantID, page, c.ChunkIndex, c.Content)
		if err != nil {
			return fmt.Errorf("failed to insert chunk metadata: %w", err)
		}
		chunkID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read chunk id: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)`,
			chunkID, serializeFloat32Vector(c.Embedding)); err != nil {
			return fmt.Errorf("failed to insert chunk vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteDocument removes every chunk of a document
func (s *SQLiteVecIndex) DeleteDocument(ctx context.Context, documentID int64) error {
	exists, err := s.hasVecTable(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// vec0 doesn't support joins in DELETE, so go through the metadata ids
	if exists {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
			documentID); err != nil {
			return fmt.Errorf("failed to delete chunk vectors: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete chunk metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Search returns up to limit chunks of the filter's tenant closest to embedding.
// The KNN query cannot filter by tenant, so the candidate pool grows until enough
// chunks of the tenant are found or the table is exhausted.
func (s *SQLiteVecIndex) Search(ctx context.Context, embedding []float32, filter ChunkFilter, limit int) ([]ranking.Hit, error) {
	if limit <= 0 {
		return []ranking.Hit{}, nil
	}
	exists, err := s.hasVecTable(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []ranking.Hit{}, nil
	}
	return s.searchWithFilterRecursive(ctx, embedding, filter, limit, initialMultiplier, 0)
}

// searchWithFilterRecursive fetches more candidates until limit matching chunks are found
func (s *SQLiteVecIndex) searchWithFilterRecursive(ctx context.Context, embedding []float32, filter ChunkFilter, limit, multiplier, attempt int) ([]ranking.Hit, error) {
	candidateCount := limit * multiplier
	if candidateCount > maxKNN {
		candidateCount = maxKNN
	}

	candidates, err := s.searchWithSqliteVec(ctx, embedding, filter, candidateCount)
	if err != nil {
		return nil, err
	}

	hits := candidates.hits
	if len(hits) > limit {
		hits = hits[:limit]
	}

	// Enough results, nothing more to fetch, or out of budget
	if len(hits) >= limit || candidates.scanned < candidateCount || candidateCount == maxKNN {
		return hits, nil
	}
	if attempt+1 >= maxAttempts {
		s.logger.Warn().
			Int("max_attempts", maxAttempts).
			Int("found", len(hits)).
			Int("limit", limit).
			Msg("reached max attempts in recursive search, returning partial results")
		return hits, nil
	}

	newMultiplier := int(float64(multiplier) * growthFactor)
	s.logger.Debug().
		Int("found", len(hits)).
		Int("limit", limit).
		Int("candidates", candidateCount).
		Int("next_candidates", limit*newMultiplier).
		Int("attempt", attempt+1).
		Msg("not enough matching chunks, increasing candidate pool")
	return s.searchWithFilterRecursive(ctx, embedding, filter, limit, newMultiplier, attempt+1)
}

type candidateSet struct {
	hits    []ranking.Hit
	scanned int
}

// searchWithSqliteVec performs one KNN query and keeps the tenant's chunks
func (s *SQLiteVecIndex) searchWithSqliteVec(ctx context.Context, embedding []float32, filter ChunkFilter, k int) (candidateSet, error) {
	// sqlite-vec requires the k parameter to be passed as part of the MATCH expression
	query := `
		SELECT
			c.document_id,
			c.user_id,
			c.page,
			c.chunk_index,
			c.content,
			v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.chunk_id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`

	rows, err := s.db.QueryContext(ctx, query, serializeFloat32Vector(embedding), k)
	if err != nil {
		return candidateSet{}, fmt.Errorf("failed to perform vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	set := candidateSet{hits: []ranking.Hit{}}
	for rows.Next() {
		var (
			documentID int64
			tenantID   string
			page       sql.NullInt64
			chunkIndex int
			content    string
			distance   float64
		)
		if err := rows.Scan(&documentID, &tenantID, &page, &chunkIndex, &content, &distance); err != nil {
			return candidateSet{}, fmt.Errorf("failed to scan chunk: %w", err)
		}
		set.scanned++

		if tenantID != filter.TenantID {
			continue
		}
		var p *int
		if page.Valid {
			v := int(page.Int64)
			p = &v
		}
		set.hits = append(set.hits, hitFromChunk(documentID, tenantID, p, chunkIndex, content, distance))
	}
	if err := rows.Err(); err != nil {
		return candidateSet{}, fmt.Errorf("error iterating results: %w", err)
	}
	return set, nil
}
