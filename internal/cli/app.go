package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"docrag/internal/api"
	"docrag/internal/chat"
	"docrag/internal/config"
	"docrag/internal/embeddings"
	"docrag/internal/ingest"
	"docrag/internal/llm"
	"docrag/internal/permissions"
	"docrag/internal/retrieval"
	"docrag/internal/storage"
)

// app holds the components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zerolog.Logger

	store         *storage.SQLiteStore
	index         storage.ChunkIndex
	ownership     permissions.OwnershipResolver
	ownerWriter   permissions.OwnershipWriter
	coordinator   *retrieval.Coordinator
	pipeline      *ingest.Pipeline
	conversations *chat.ConversationService
	orchestrator  *chat.Orchestrator
}

// openStore opens the document and conversation database.
func openStore(cfg *config.Config) (*storage.SQLiteStore, error) {
	store, err := storage.NewSQLiteStore(cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

// openChunkIndex builds the chunk index selected by storage.vector_backend.
func openChunkIndex(ctx context.Context, cfg *config.Config, store *storage.SQLiteStore, logger *zerolog.Logger) (storage.ChunkIndex, error) {
	switch cfg.Storage.VectorBackend {
	case config.VectorBackendMemory:
		return storage.NewMemoryChunkIndex(), nil
	case config.VectorBackendPGVector:
		index, err := storage.NewPGVectorIndex(ctx, storage.PGVectorConfig{
			ConnString: cfg.Storage.PGVector.URL,
			TableName:  cfg.Storage.PGVector.Table,
			VectorDim:  cfg.Storage.PGVector.Dimensions,
		}, logger)
		if err != nil {
			return nil, err
		}
		return index, nil
	default:
		index, err := storage.NewSQLiteVecIndex(store.DB(), logger)
		if err != nil {
			return nil, err
		}
		return index, nil
	}
}

// newApp builds every component from cfg. The caller must close the app.
func newApp(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	a.index, err = openChunkIndex(ctx, cfg, store, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open %s chunk index: %w", cfg.Storage.VectorBackend, err)
	}

	switch cfg.Security.OwnershipBackend {
	case config.OwnershipBackendKeto:
		keto := permissions.NewKetoService(
			cfg.Services.Keto.ReadURL,
			cfg.Services.Keto.WriteURL,
			time.Duration(cfg.Services.Keto.Timeout)*time.Second,
			logger,
		)
		a.ownership, a.ownerWriter = keto, keto
	default:
		a.ownership, a.ownerWriter = permissions.NewStoreResolver(store), permissions.NoopWriter{}
	}

	ollamaTimeout := time.Duration(cfg.Services.Ollama.Timeout) * time.Second
	embedder, err := embeddings.NewOllamaEmbedder(cfg.Services.Ollama.BaseURL, cfg.Services.Ollama.EmbeddingModel, ollamaTimeout)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	model, err := llm.NewOllamaClient(cfg.Services.Ollama.BaseURL, cfg.Services.Ollama.LLMModel, &http.Client{Timeout: ollamaTimeout})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create language model client: %w", err)
	}

	a.coordinator = retrieval.NewCoordinator(
		retrieval.NewEmbeddingSearcher(embedder, a.index),
		a.ownership,
		store,
		retrieval.Options{
			Timeout:               cfg.SearchTimeout(),
			CandidateMultiplier:   cfg.Search.CandidateMultiplier,
			MaxCandidates:         cfg.Search.MaxCandidates,
			ToolChunksPerDocument: cfg.Chat.ToolChunksPerDocument,
			ToolMinScore:          cfg.Chat.ToolMinScore,
		},
		logger,
	)
	a.pipeline = ingest.NewPipeline(store, ingest.PDFLoader{}, embedder, a.index, cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap, logger)
	a.conversations = chat.NewConversationService(store, cfg.Chat.SystemPrompt)
	a.orchestrator = chat.NewOrchestrator(a.coordinator, model, a.conversations, logger)
	return a, nil
}

func (a *app) server() *api.Server {
	return api.NewServer(a.cfg, api.Deps{
		Documents:     a.store,
		Chunks:        a.index,
		Ownership:     a.ownerWriter,
		Searcher:      a.coordinator,
		Ingester:      a.pipeline,
		Chat:          a.orchestrator,
		Conversations: a.conversations,
	}, a.logger)
}

func (a *app) close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Error().Err(err).Msg("failed to close chunk index")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("failed to close database")
	}
}
