// Package api exposes document management, search and chat over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ory/herodot"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"docrag/internal/auth"
	"docrag/internal/chat"
	"docrag/internal/config"
	apperrors "docrag/internal/errors"
	"docrag/internal/ingest"
	"docrag/internal/models"
	"docrag/internal/permissions"
	"docrag/internal/storage"
)

// Interfaces for dependency injection
type Searcher interface {
	Search(ctx context.Context, q models.SearchQuery) (*models.SearchResult, error)
}

type Ingester interface {
	Ingest(ctx context.Context, tenantID string, ids []int64) (*ingest.BatchReport, error)
}

type ChatService interface {
	Chat(ctx context.Context, req chat.Request) (*models.ChatResponse, error)
	Stream(ctx context.Context, req chat.Request) (uuid.UUID, <-chan chat.Event, error)
}

type ConversationService interface {
	List(ctx context.Context, tenantID string) ([]models.Conversation, error)
	Messages(ctx context.Context, tenantID string, id uuid.UUID) ([]models.Message, error)
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
}

// ChunkRemover drops the indexed chunks of a document
type ChunkRemover interface {
	DeleteDocument(ctx context.Context, documentID int64) error
}

// Deps are the collaborators of the Server.
type Deps struct {
	Documents     storage.DocumentStore
	Chunks        ChunkRemover
	Ownership     permissions.OwnershipWriter
	Searcher      Searcher
	Ingester      Ingester
	Chat          ChatService
	Conversations ConversationService
}

type Server struct {
	mux     *http.ServeMux
	cfg     *config.Config
	deps    Deps
	authn   *auth.Authenticator
	limiter *tenantLimiter
	errors  *apperrors.ErrorHandler
	writer  *herodot.JSONWriter
	logger  *zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, logger *zerolog.Logger) *Server {
	if deps.Ownership == nil {
		deps.Ownership = permissions.NoopWriter{}
	}
	s := &Server{
		mux:    http.NewServeMux(),
		cfg:    cfg,
		deps:   deps,
		authn:  auth.NewAuthenticator(cfg.Security.AuthMode, cfg.Security.Tokens),
		errors: apperrors.NewErrorHandler(cfg, logger),
		writer: herodot.NewJSONWriter(nil),
		logger: logger,
	}
	if cfg.Security.RateLimit.Enabled {
		s.limiter = newTenantLimiter(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.healthCheck)

	s.mux.Handle("POST /api/documents/upload", s.protected(s.uploadDocuments))
	s.mux.Handle("GET /api/documents", s.protected(s.listDocuments))
	s.mux.Handle("PUT /api/documents/{id}", s.protected(s.replaceDocument))
	s.mux.Handle("DELETE /api/documents/{id}", s.protected(s.deleteDocument))
	s.mux.Handle("PUT /api/documents/{id}/move", s.protected(s.moveDocument))
	s.mux.Handle("POST /api/documents/ingest", s.protected(s.ingestDocuments))
	s.mux.Handle("POST /api/documents/search", s.protected(s.searchDocuments))
	s.mux.Handle("GET /api/search/prefix", s.protected(s.prefixSearch))

	s.mux.Handle("POST /api/chat", s.protected(s.chat))
	s.mux.Handle("POST /api/chat/stream", s.protected(s.chatStream))
	s.mux.Handle("GET /api/conversations", s.protected(s.listConversations))
	s.mux.Handle("GET /api/conversations/{id}/messages", s.protected(s.conversationMessages))
	s.mux.Handle("DELETE /api/conversations/{id}", s.protected(s.deleteConversation))
}

// protected puts a handler behind authentication and the tenant rate limit.
func (s *Server) protected(h http.HandlerFunc) http.Handler {
	var next http.Handler = h
	if s.limiter != nil {
		next = s.limiter.middleware(s.errors)(next)
	}
	return s.authn.Middleware(s.errors.Handle)(next)
}

// Handler returns the full middleware chain around the routes.
func (s *Server) Handler() http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{apperrors.RequestIDHeader, conversationIDHeader},
		AllowCredentials: true,
	})

	var h http.Handler = s.mux
	h = recoverMiddleware(s.logger, s.errors)(h)
	h = loggingMiddleware(s.logger)(h)
	h = requestID(h)
	return corsHandler.Handler(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    s.cfg.GetTLSConfig(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", srv.Addr).Bool("tls", s.cfg.Server.TLS.Enabled).Msg("server starting")
		var err error
		if s.cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.writer.Write(w, r, &models.HealthResponse{Status: "healthy"})
}

// tenant returns the authenticated tenant. Handlers only run behind auth.
func tenant(r *http.Request) string {
	t, _ := auth.TenantFromContext(r.Context())
	return t
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Validation("Invalid request body").WithCause(err)
	}
	return nil
}

// splitPath turns "a/b" into its components. Surrounding slashes are ignored; empty
// components in between are rejected.
func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return []string{}, nil
	}
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			return nil, apperrors.Validation("path %q contains an empty component", p)
		}
	}
	return parts, nil
}
