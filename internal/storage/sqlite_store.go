package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Import sqlite3 driver

	apperrors "docrag/internal/errors"
	"docrag/internal/models"
)

// PrefixSimilarityThreshold is the minimum filename similarity of a prefix search hit
// that does not match on its path.
const PrefixSimilarityThreshold = 0.3

// SQLiteStore implements DocumentStore and ConversationStore on one SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn and creates the schema
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initDB(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return store, nil
}

// DB exposes the handle so the sqlite-vec chunk index can share the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initDB creates the metadata tables
func (s *SQLiteStore) initDB() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			path_array TEXT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			is_ingested INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			last_message_id INTEGER,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

const documentColumns = `id, filename, path_array, file_path, is_ingested, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc       models.Document
		pathJSON  string
		updatedAt sql.NullTime
	)
	if err := row.Scan(&doc.ID, &doc.Filename, &pathJSON, &doc.FilePath, &doc.IsIngested, &doc.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pathJSON), &doc.PathArray); err != nil {
		return nil, fmt.Errorf("failed to decode path of document %d: %w", doc.ID, err)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		doc.UpdatedAt = &t
	}
	return &doc, nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := []models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

func encodePath(path []string) (string, error) {
	if len(path) == 0 {
		return "", apperrors.ErrEmptyPath
	}
	b, err := json.Marshal(path)
	if err != nil {
		return "", fmt.Errorf("failed to encode path: %w", err)
	}
	return string(b), nil
}

// CreateDocument stores a new, not yet ingested document
func (s *SQLiteStore) CreateDocument(ctx context.Context, tenantID, filename string, pathArray []string) (*models.Document, error) {
	pathJSON, err := encodePath(pathArray)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (user_id, filename, path_array, created_at) VALUES (?, ?, ?, ?)`,
		tenantID, filename, pathJSON, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read document id: %w", err)
	}

	return &models.Document{
		ID:        id,
		Filename:  filename,
		PathArray: append([]string(nil), pathArray...),
		CreatedAt: now,
	}, nil
}

// SetFilePath records where the raw upload of a document lives
func (s *SQLiteStore) SetFilePath(ctx context.Context, id int64, filePath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET file_path = ? WHERE id = ?`, filePath, id)
	if err != nil {
		return fmt.Errorf("failed to update file path: %w", err)
	}
	return expectRow(res, apperrors.ErrDocumentNotFound)
}

// GetDocumentByID returns a document owned by tenantID
func (s *SQLiteStore) GetDocumentByID(ctx context.Context, id int64, tenantID string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ?`, id, tenantID)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDocumentNotFound.With("document_id", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// GetDocumentsByIDs returns the subset of ids owned by tenantID, ordered by id
func (s *SQLiteStore) GetDocumentsByIDs(ctx context.Context, ids []int64, tenantID string) ([]models.Document, error) {
	if len(ids) == 0 {
		return []models.Document{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}

	return s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = ? AND id IN (`+placeholders+`) ORDER BY id`,
		args...)
}

// ListDocuments returns every document of tenantID, ordered by id
func (s *SQLiteStore) ListDocuments(ctx context.Context, tenantID string) ([]models.Document, error) {
	return s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = ? ORDER BY id`, tenantID)
}

// ListOwnedDocumentIDs returns the ids of every document of tenantID
func (s *SQLiteStore) ListOwnedDocumentIDs(ctx context.Context, tenantID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents WHERE user_id = ? ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceFile swaps the stored file of a document. The document must be ingested
// again afterwards; its path keeps its directory and takes the new file name.
func (s *SQLiteStore) ReplaceFile(ctx context.Context, id int64, tenantID, filename, filePath string) (*models.Document, error) {
	return s.update(ctx, id, tenantID, func(doc *models.Document) {
		doc.Filename = filename
		doc.FilePath = filePath
		doc.IsIngested = false
		doc.PathArray[len(doc.PathArray)-1] = filename
	})
}

// MoveDocument places a document under newDir, keeping its file name
func (s *SQLiteStore) MoveDocument(ctx context.Context, id int64, tenantID string, newDir []string) (*models.Document, error) {
	return s.update(ctx, id, tenantID, func(doc *models.Document) {
		path := make([]string, 0, len(newDir)+1)
		path = append(path, newDir...)
		doc.PathArray = append(path, doc.Filename)
	})
}

// update applies mutate to a tenant's document inside a transaction
func (s *SQLiteStore) update(ctx context.Context, id int64, tenantID string, mutate func(*models.Document)) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ?`, id, tenantID)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrDocumentNotFound.With("document_id", fmt.Sprint(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	mutate(doc)
	now := time.Now().UTC()
	doc.UpdatedAt = &now

	pathJSON, err := encodePath(doc.PathArray)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET filename = ?, path_array = ?, file_path = ?, is_ingested = ?, updated_at = ? WHERE id = ?`,
		doc.Filename, pathJSON, doc.FilePath, doc.IsIngested, now, id); err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return doc, nil
}

// DeleteDocument removes a tenant's document record
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id int64, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ? AND user_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return expectRow(res, apperrors.ErrDocumentNotFound.With("document_id", fmt.Sprint(id)))
}

// MarkIngested sets the ingestion flag of a document
func (s *SQLiteStore) MarkIngested(ctx context.Context, id int64, ingested bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET is_ingested = ?, updated_at = ? WHERE id = ?`, ingested, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update ingestion flag: %w", err)
	}
	return expectRow(res, apperrors.ErrDocumentNotFound.With("document_id", fmt.Sprint(id)))
}

// PrefixSearch finds ingested documents of tenantID whose file name resembles query
// or whose path contains it, best file name match first
func (s *SQLiteStore) PrefixSearch(ctx context.Context, tenantID, query string, limit int) ([]models.Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultPrefixSearchLimit
	}

	docs, err := s.queryDocuments(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE user_id = ? AND is_ingested = 1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}

	type match struct {
		doc   models.Document
		score float64
	}
	needle := strings.ToLower(query)
	var matches []match
	for _, doc := range docs {
		score := similarity(doc.Filename, query)
		inPath := strings.Contains(strings.ToLower(strings.Join(doc.PathArray, "/")), needle)
		if score > PrefixSimilarityThreshold || inPath {
			matches = append(matches, match{doc: doc, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]models.Document, len(matches))
	for i, m := range matches {
		out[i] = m.doc
	}
	return out, nil
}

// CreateConversation returns the tenant's conversation with the given id, creating
// it when it does not exist. A nil id always creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, tenantID string, id *uuid.UUID) (*models.Conversation, error) {
	if id != nil {
		conv, err := s.getConversation(ctx, *id)
		if err == nil {
			if conv.TenantID != tenantID {
				return nil, apperrors.ErrConversationNotFound.With("conversation_id", id.String())
			}
			return conv, nil
		}
		if !stderrors.Is(err, apperrors.ErrConversationNotFound) {
			return nil, err
		}
	}

	newID := uuid.New()
	if id != nil {
		newID = *id
	}
	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		newID.String(), tenantID, now, now); err != nil {
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}

	return &models.Conversation{ID: newID, TenantID: tenantID, CreatedAt: now, UpdatedAt: now}, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		conv   models.Conversation
		id     string
		lastID sql.NullInt64
	)
	if err := row.Scan(&id, &conv.TenantID, &lastID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse conversation id %s: %w", id, err)
	}
	conv.ID = parsed
	if lastID.Valid {
		v := lastID.Int64
		conv.LastMessageID = &v
	}
	return &conv, nil
}

func (s *SQLiteStore) getConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, last_message_id, created_at, updated_at FROM conversations WHERE id = ?`, id.String())
	conv, err := scanConversation(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound.With("conversation_id", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// GetConversation returns a conversation of tenantID
func (s *SQLiteStore) GetConversation(ctx context.Context, tenantID string, id uuid.UUID) (*models.Conversation, error) {
	conv, err := s.getConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenantID {
		return nil, apperrors.ErrConversationNotFound.With("conversation_id", id.String())
	}
	return conv, nil
}

// ListConversations returns the tenant's conversations, most recently active first
func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID string) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, last_message_id, created_at, updated_at FROM conversations
		WHERE user_id = ? ORDER BY updated_at DESC, created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	convs := []models.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// AddMessage appends a message and moves the conversation's last message pointer
func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID uuid.UUID, role, content string) (*models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID.String()).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return nil, apperrors.ErrConversationNotFound.With("conversation_id", conversationID.String())
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID.String(), role, content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	msgID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_id = ?, updated_at = ? WHERE id = ?`,
		msgID, now, conversationID.String()); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &models.Message{
		ID:             msgID,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// Messages returns the log of a conversation in insertion order
func (s *SQLiteStore) Messages(ctx context.Context, conversationID uuid.UUID) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id`,
		conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs := []models.Message{}
	for rows.Next() {
		msg := models.Message{ConversationID: conversationID}
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// DeleteConversation removes a tenant's conversation and its messages
func (s *SQLiteStore) DeleteConversation(ctx context.Context, tenantID string, conversationID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE id = ? AND user_id = ?)`,
		conversationID.String(), tenantID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, conversationID.String(), tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if err := expectRow(res, apperrors.ErrConversationNotFound.With("conversation_id", conversationID.String())); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
