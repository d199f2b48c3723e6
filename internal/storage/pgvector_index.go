package storage

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"docrag/internal/ranking"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PGVectorConfig configures PGVectorIndex
type PGVectorConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
}

// PGVectorIndex implements ChunkIndex on Postgres with the pgvector extension. The
// tenant filter runs inside the query, so no candidate growth is needed.
type PGVectorIndex struct {
	config PGVectorConfig
	pool   *pgxpool.Pool
	logger *zerolog.Logger
}

// NewPGVectorIndex connects to Postgres and creates the chunk table and its index
func NewPGVectorIndex(ctx context.Context, config PGVectorConfig, logger *zerolog.Logger) (*PGVectorIndex, error) {
	if config.TableName == "" {
		config.TableName = "document_chunks"
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}
	if config.VectorDim <= 0 {
		config.VectorDim = 768 // nomic-embed-text
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	idx := &PGVectorIndex{config: config, pool: pool, logger: logger}
	if err := idx.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

func (p *PGVectorIndex) initialize(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			document_id BIGINT NOT NULL,
			user_id TEXT NOT NULL,
			page INTEGER,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, p.config.TableName, p.config.VectorDim)
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_user_idx ON %[1]s (user_id)`, p.config.TableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_document_idx ON %[1]s (document_id)`, p.config.TableName),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %[1]s_embedding_idx
			ON %[1]s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`, p.config.TableName),
	}
	for _, stmt := range indexes {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Upsert writes chunks in one transaction
func (p *PGVectorIndex) Upsert(ctx context.Context, chunks []IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (document_id, user_id, page, chunk_index, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`, p.config.TableName)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if len(c.Embedding) != p.config.VectorDim {
			return fmt.Errorf("chunk %d of document %d has %d dimensions, want %d",
				c.ChunkIndex, c.DocumentID, len(c.Embedding), p.config.VectorDim)
		}
		batch.Queue(stmt, c.DocumentID, c.TenantID, c.Page, c.ChunkIndex, c.Content, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteDocument removes every chunk of a document
func (p *PGVectorIndex) DeleteDocument(ctx context.Context, documentID int64) error {
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, p.config.TableName), documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	p.logger.Debug().Int64("document_id", documentID).Int64("chunks", tag.RowsAffected()).Msg("deleted chunks")
	return nil
}

// Search returns up to limit chunks of the filter's tenant, closest first
func (p *PGVectorIndex) Search(ctx context.Context, embedding []float32, filter ChunkFilter, limit int) ([]ranking.Hit, error) {
	if limit <= 0 {
		return []ranking.Hit{}, nil
	}

	query := fmt.Sprintf(`
		SELECT document_id, user_id, page, chunk_index, content, embedding <=> $1 AS distance
		FROM %s
		WHERE user_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, p.config.TableName)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(embedding), filter.TenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	hits := []ranking.Hit{}
	for rows.Next() {
		var (
			documentID int64
			tenantID   string
			page       *int32
			chunkIndex int32
			content    string
			distance   float64
		)
		if err := rows.Scan(&documentID, &tenantID, &page, &chunkIndex, &content, &distance); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		var pg *int
		if page != nil {
			v := int(*page)
			pg = &v
		}
		hits = append(hits, hitFromChunk(documentID, tenantID, pg, int(chunkIndex), content, distance))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return hits, nil
}

// Close releases the connection pool
func (p *PGVectorIndex) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
