package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/schema"

	"docrag/internal/chat"
	"docrag/internal/config"
	"docrag/internal/ingest"
	"docrag/internal/llm"
	"docrag/internal/models"
	"docrag/internal/permissions"
	"docrag/internal/retrieval"
	"docrag/internal/storage"
)

// MockEmbedder maps texts onto a small topic space
type MockEmbedder struct {
	shouldFail bool
}

var topics = []string{"revenue", "cats", "weather"}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := m.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *MockEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if m.shouldFail {
		return nil, fmt.Errorf("mock embedding error")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(topics)+1)
		for j, topic := range topics {
			if strings.Contains(strings.ToLower(text), topic) {
				v[j] = 1
			}
		}
		v[len(topics)] = 0.1
		out[i] = v
	}
	return out, nil
}

// MockLoader treats an upload as plain text with form feeds between pages
type MockLoader struct{}

func (MockLoader) Load(_ context.Context, doc models.Document) ([]schema.Document, error) {
	raw, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return nil, err
	}
	var pages []schema.Document
	for i, text := range strings.Split(string(raw), "\f") {
		pages = append(pages, schema.Document{PageContent: text, Metadata: map[string]any{"page": i + 1}})
	}
	return pages, nil
}

// MockLLMClient answers with a fixed reply split into tokens
type MockLLMClient struct {
	tokens []string
}

func (m *MockLLMClient) Stream(ctx context.Context, _ []llm.Message, onToken llm.TokenFunc) (string, error) {
	for _, tok := range m.tokens {
		if err := onToken(ctx, tok); err != nil {
			return "", err
		}
	}
	return strings.Join(m.tokens, ""), nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	store    *storage.SQLiteStore
	index    *storage.MemoryChunkIndex
	embedder *MockEmbedder
	cfg      *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.App.Environment = "development"
	cfg.Storage.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Storage.MaxUploadSize = 1 << 20
	cfg.Search.DefaultChunksPerDocument = 50
	cfg.Search.DefaultMinScore = 0.7
	cfg.Security.AuthMode = "mock"
	cfg.Security.ErrorMode = "detailed"
	cfg.Server.CORS.AllowedOrigins = []string{"*"}
	return cfg
}

func createTestServer(t *testing.T) *testEnv {
	return createTestServerWithConfig(t, testConfig(t))
}

func createTestServerWithConfig(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "api_test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	index := storage.NewMemoryChunkIndex()
	embedder := &MockEmbedder{}

	coordinator := retrieval.NewCoordinator(
		retrieval.NewEmbeddingSearcher(embedder, index),
		permissions.NewStoreResolver(store),
		store,
		retrieval.DefaultOptions(),
		&logger,
	)
	pipeline := ingest.NewPipeline(store, MockLoader{}, embedder, index, 1000, 200, &logger)
	conversations := chat.NewConversationService(store, "be helpful")
	orchestrator := chat.NewOrchestrator(coordinator, &MockLLMClient{tokens: []string{"Revenue", " grew"}}, conversations, &logger)

	server := NewServer(cfg, Deps{
		Documents:     store,
		Chunks:        index,
		Searcher:      coordinator,
		Ingester:      pipeline,
		Chat:          orchestrator,
		Conversations: conversations,
	}, &logger)

	return &testEnv{server: server, handler: server.Handler(), store: store, index: index, embedder: embedder, cfg: cfg}
}

func createAuthenticatedRequest(method, url string, body io.Reader, tenant string) *http.Request {
	req := httptest.NewRequest(method, url, body)
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+tenant)
	}
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, url string, body any, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := createAuthenticatedRequest(method, url, reader, tenant)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func multipartBody(t *testing.T, field string, files map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) upload(t *testing.T, tenant, path string, files map[string]string) []models.Document {
	t.Helper()
	body, contentType := multipartBody(t, "files", files)
	url := "/api/documents/upload"
	if path != "" {
		url += "?path=" + path
	}
	req := createAuthenticatedRequest(http.MethodPost, url, body, tenant)
	req.Header.Set("Content-Type", contentType)
	rec := e.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var docs []models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	return docs
}

func (e *testEnv) ingest(t *testing.T, tenant string, ids ...int64) *ingest.BatchReport {
	t.Helper()
	rec := e.doJSON(t, http.MethodPost, "/api/documents/ingest", models.IngestRequest{DocumentIDs: ids}, tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report ingest.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	return &report
}

type errorResponse struct {
	Error struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthCheck(t *testing.T) {
	env := createTestServer(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthCheckInvalidMethod(t *testing.T) {
	env := createTestServer(t)

	rec := env.do(httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	env := createTestServer(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, decodeError(t, rec).Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Token alice")
	rec = env.do(req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadAndListTree(t *testing.T) {
	env := createTestServer(t)

	env.upload(t, "alice", "a", map[string]string{"b.pdf": "revenue"})
	env.upload(t, "alice", "a/c", map[string]string{"d.pdf": "cats"})
	docs := env.upload(t, "alice", "", map[string]string{"e.pdf": "weather"})
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"e.pdf"}, docs[0].PathArray)
	assert.False(t, docs[0].IsIngested)

	stored, err := env.store.GetDocumentByID(context.Background(), docs[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d.pdf", docs[0].ID), filepath.Base(stored.FilePath))
	content, err := os.ReadFile(stored.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "weather", string(content))

	rec := env.doJSON(t, http.MethodGet, "/api/documents", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)

	var tree models.DirectoryTreeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, "root", tree.Name)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "a", tree.Children[0].Name)
	assert.Equal(t, models.NodeTypeDirectory, tree.Children[0].Type)
	assert.Equal(t, "e.pdf", tree.Children[1].Name)

	a := tree.Children[0]
	require.Len(t, a.Children, 2)
	assert.Equal(t, "c", a.Children[0].Name)
	assert.Equal(t, []string{"a", "c"}, a.Children[0].Path)
	assert.Equal(t, "b.pdf", a.Children[1].Name)
	require.NotNil(t, a.Children[1].Document)
}

func TestListDocumentsPathFilters(t *testing.T) {
	env := createTestServer(t)
	env.upload(t, "alice", "a", map[string]string{"b.pdf": "x"})
	env.upload(t, "alice", "a/c", map[string]string{"d.pdf": "y"})
	env.upload(t, "alice", "", map[string]string{"e.pdf": "z"})

	rec := env.doJSON(t, http.MethodGet, "/api/documents?path=a", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var tree models.DirectoryTreeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, []string{"a"}, tree.Path)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "c", tree.Children[0].Name)
	require.Len(t, tree.Children[0].Children, 1)

	rec = env.doJSON(t, http.MethodGet, "/api/documents?path=a&recursive=false", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	tree = models.DirectoryTreeResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	require.Len(t, tree.Children, 2)
	assert.Empty(t, tree.Children[0].Children)

	rec = env.doJSON(t, http.MethodGet, "/api/documents?recursive=maybe", nil, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/documents?path=a//c", nil, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTenantsAreIsolated(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "", map[string]string{"secret.pdf": "revenue"})
	id := docs[0].ID

	rec := env.doJSON(t, http.MethodGet, "/api/documents", nil, "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var tree models.DirectoryTreeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Empty(t, tree.Children)

	rec = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/ingest", models.IngestRequest{DocumentIDs: []int64{id}}, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodPut, fmt.Sprintf("/api/documents/%d/move?new_path=x", id), nil, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestAndSearch(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "reports", map[string]string{"q1.pdf": "intro about cats\frevenue grew by ten percent"})
	other := env.upload(t, "alice", "", map[string]string{"pets.pdf": "cats only"})
	env.upload(t, "bob", "", map[string]string{"bob.pdf": "revenue of bob"})

	report := env.ingest(t, "alice", docs[0].ID, other[0].ID)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 3, report.ChunksCreated)

	rec := env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue"}, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result models.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 1, result.Total)
	assert.Equal(t, 1, result.TotalChunks)
	assert.Equal(t, "q1.pdf", result.Documents[0].Filename)
	assert.Equal(t, []string{"reports", "q1.pdf"}, result.Documents[0].PathArray)
	assert.True(t, result.Documents[0].IsIngested)
	chunk := result.Documents[0].Chunks[0]
	assert.Contains(t, chunk.Content, "revenue grew")
	require.NotNil(t, chunk.PageNumber)
	assert.Equal(t, 2, *chunk.PageNumber)
	assert.InDelta(t, 1.0, chunk.Score, 1e-4)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue", "minScore": 0.0, "chunksPerDocument": 1}, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	result = models.SearchResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Total)
	for _, d := range result.Documents {
		assert.LessOrEqual(t, len(d.Chunks), 1)
	}
}

func TestSearchEmptyResults(t *testing.T) {
	env := createTestServer(t)

	rec := env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue"}, "carol")
	require.Equal(t, http.StatusOK, rec.Code)
	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, []any{}, result["documents"])
	assert.EqualValues(t, 0, result["total"])
	assert.Equal(t, retrieval.MessageNoDocuments, result["message"])

	docs := env.upload(t, "carol", "", map[string]string{"w.pdf": "weather"})
	env.ingest(t, "carol", docs[0].ID)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue"}, "carol")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, retrieval.MessageNoMatches, result["message"])
}

func TestSearchErrors(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "", map[string]string{"a.pdf": "revenue"})
	env.ingest(t, "alice", docs[0].ID)

	rec := env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "  "}, "alice")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue", "tenantId": "bob"}, "alice")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue", "tenantId": "alice"}, "alice")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue", "chunksPerDocument": 0}, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := createAuthenticatedRequest(http.MethodPost, "/api/documents/search", strings.NewReader("{"), "alice")
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.embedder.shouldFail = true
	rec = env.doJSON(t, http.MethodPost, "/api/documents/search", map[string]any{"query": "revenue"}, "alice")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Reason, "mock embedding error")
}

func TestIngestAllFailedIsUnprocessable(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "", map[string]string{"blank.pdf": "   "})

	rec := env.doJSON(t, http.MethodPost, "/api/documents/ingest", models.IngestRequest{DocumentIDs: []int64{docs[0].ID}}, "alice")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMoveReplaceAndDelete(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "inbox", map[string]string{"a.pdf": "revenue"})
	id := docs[0].ID
	env.ingest(t, "alice", id)
	require.Equal(t, 1, env.index.Len())

	rec := env.doJSON(t, http.MethodPut, fmt.Sprintf("/api/documents/%d/move?new_path=archive/2024", id), nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var moved models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.Equal(t, []string{"archive", "2024", "a.pdf"}, moved.PathArray)
	assert.True(t, moved.IsIngested)

	body, contentType := multipartBody(t, "file", map[string]string{"b.pdf": "cats"})
	req := createAuthenticatedRequest(http.MethodPut, fmt.Sprintf("/api/documents/%d", id), body, "alice")
	req.Header.Set("Content-Type", contentType)
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var replaced models.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &replaced))
	assert.Equal(t, "b.pdf", replaced.Filename)
	assert.Equal(t, []string{"archive", "2024", "b.pdf"}, replaced.PathArray)
	assert.False(t, replaced.IsIngested)
	assert.Equal(t, 0, env.index.Len())

	stored, err := env.store.GetDocumentByID(context.Background(), id, "alice")
	require.NoError(t, err)

	rec = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = os.Stat(stored.FilePath)
	assert.True(t, os.IsNotExist(err))

	rec = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodDelete, "/api/documents/abc", nil, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrefixSearch(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "finance", map[string]string{"quarterly.pdf": "revenue"})
	env.upload(t, "alice", "", map[string]string{"quarterly-draft.pdf": "revenue"})
	env.ingest(t, "alice", docs[0].ID)

	rec := env.doJSON(t, http.MethodGet, "/api/search/prefix?query=QUART", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp models.PrefixSearchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Documents, 1, "only ingested documents match")
	assert.Equal(t, docs[0].ID, resp.Documents[0].ID)

	rec = env.doJSON(t, http.MethodGet, "/api/search/prefix?query=", nil, "alice")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestChatAndConversations(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "", map[string]string{"a.pdf": "revenue grew"})
	env.ingest(t, "alice", docs[0].ID)

	rec := env.doJSON(t, http.MethodPost, "/api/chat", models.ChatRequest{Message: "how is revenue?"}, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Revenue grew", resp.Answer)
	assert.Equal(t, 1, resp.SearchResults)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.ConversationListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, resp.ConversationID, list.Conversations[0].ID)

	msgsURL := fmt.Sprintf("/api/conversations/%s/messages", resp.ConversationID)
	rec = env.doJSON(t, http.MethodGet, msgsURL, nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs models.MessageListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs.Messages, 2)
	assert.Equal(t, models.RoleUser, msgs.Messages[0].Role)
	assert.Equal(t, "Revenue grew", msgs.Messages[1].Content)

	rec = env.doJSON(t, http.MethodGet, msgsURL, nil, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/chat", models.ChatRequest{Message: "hi", ConversationID: &resp.ConversationID}, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%s", resp.ConversationID), nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.doJSON(t, http.MethodGet, msgsURL, nil, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations/not-a-uuid/messages", nil, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.doJSON(t, http.MethodPost, "/api/chat", models.ChatRequest{Message: " "}, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatStream(t *testing.T) {
	env := createTestServer(t)
	docs := env.upload(t, "alice", "", map[string]string{"a.pdf": "revenue grew"})
	env.ingest(t, "alice", docs[0].ID)

	srv := httptest.NewServer(env.handler)
	t.Cleanup(srv.Close)

	raw, err := json.Marshal(models.ChatRequest{Message: "revenue?"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/stream", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Conversation-ID"))

	var events []chat.Event
	scanner := bufio.NewScanner(resp.Body)
	var eventLine string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev chat.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			assert.Equal(t, eventLine, string(ev.Type))
			events = append(events, ev)
		}
	}
	require.NoError(t, scanner.Err())

	var got []chat.EventType
	for _, ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []chat.EventType{
		chat.EventSearchStart,
		chat.EventSearchComplete,
		chat.EventThinkingStart,
		chat.EventThinkingComplete,
		chat.EventToken,
		chat.EventToken,
		chat.EventComplete,
	}, got)
	assert.EqualValues(t, 1, events[len(events)-1].Metadata["search_result_count"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.RateLimit.Enabled = true
	cfg.Security.RateLimit.RPS = 0.001
	cfg.Security.RateLimit.Burst = 2
	env := createTestServerWithConfig(t, cfg)

	for i := 0; i < 2; i++ {
		rec := env.doJSON(t, http.MethodGet, "/api/conversations", nil, "alice")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.doJSON(t, http.MethodGet, "/api/conversations", nil, "alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations", nil, "bob")
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per tenant")
}

func TestStaticTokens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.AuthMode = "static"
	cfg.Security.Tokens = map[string]string{"t0k3n": "alice"}
	env := createTestServerWithConfig(t, cfg)

	rec := env.doJSON(t, http.MethodGet, "/api/conversations", nil, "t0k3n")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.doJSON(t, http.MethodGet, "/api/conversations", nil, "alice")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := createTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/documents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := env.do(req)

	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestSplitPath(t *testing.T) {
	parts, err := splitPath("/a/b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, parts)

	parts, err = splitPath("")
	require.NoError(t, err)
	assert.Empty(t, parts)

	_, err = splitPath("a//b")
	assert.Error(t, err)
}

func TestStorageName(t *testing.T) {
	assert.Equal(t, "7.pdf", storageName(7, "Report.PDF"))
	assert.Equal(t, "7.pdf", storageName(7, "noext"))
	assert.Equal(t, "7.txt", storageName(7, "notes.txt"))
}
