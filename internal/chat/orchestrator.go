// Package chat answers questions about a tenant's documents: it retrieves context,
// streams the model's reply as ordered events and records the exchange.
package chat

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "docrag/internal/errors"
	"docrag/internal/llm"
	"docrag/internal/models"
	"docrag/internal/retrieval"
)

// User facing texts of the stream.
const (
	searchStartText      = "Searching through documents..."
	noResultsText        = "No relevant documents found"
	thinkingStartText    = "Processing search results and generating response..."
	thinkingCompleteText = "Finished processing, starting response..."
	completeText         = "Response complete"
	searchErrorText      = "Unable to search documents at this time. Please try again later."
	generalErrorText     = "An error occurred while processing your request. Please try again later."
)

// Error types carried in the metadata of error events.
const (
	ErrorTypeSearch  = "search_error"
	ErrorTypeGeneral = "general_error"
)

// ContextRetriever returns document excerpts relevant to a question
type ContextRetriever interface {
	ContextForChat(ctx context.Context, tenantID, query string) (*retrieval.ChatContext, error)
}

// Request is one chat turn.
type Request struct {
	TenantID       string
	Message        string
	ConversationID *uuid.UUID
}

// Orchestrator runs chat turns. It is safe for concurrent use.
type Orchestrator struct {
	retriever     ContextRetriever
	model         llm.StreamingModel
	conversations *ConversationService
	logger        *zerolog.Logger
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(retriever ContextRetriever, model llm.StreamingModel, conversations *ConversationService, logger *zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		retriever:     retriever,
		model:         model,
		conversations: conversations,
		logger:        logger,
	}
}

// Stream validates req, resolves its conversation and then produces the events of
// the turn on the returned channel. Exactly one terminal event is sent before the
// channel is closed, unless ctx is cancelled first, in which case the channel is
// closed without further events.
func (o *Orchestrator) Stream(ctx context.Context, req Request) (uuid.UUID, <-chan Event, error) {
	turn, err := o.prepare(ctx, req)
	if err != nil {
		return uuid.Nil, nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		emit := func(ev Event) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		_, _ = o.run(ctx, turn, emit)
	}()
	return turn.conv.ID, events, nil
}

// Chat runs a turn without streaming and returns the full answer.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*models.ChatResponse, error) {
	turn, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := o.run(ctx, turn, func(Event) bool { return ctx.Err() == nil })
	if err != nil {
		return nil, err
	}
	return &models.ChatResponse{
		ConversationID: turn.conv.ID,
		Answer:         res.answer,
		SearchResults:  res.searchResults,
	}, nil
}

type turn struct {
	req     Request
	conv    *models.Conversation
	history []llm.Message
}

type outcome struct {
	answer        string
	searchResults int
}

func (o *Orchestrator) prepare(ctx context.Context, req Request) (*turn, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperrors.Validation("Message cannot be empty")
	}
	if req.TenantID == "" {
		return nil, apperrors.ErrMissingTenant
	}

	conv, history, err := o.conversations.Start(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	return &turn{req: req, conv: conv, history: history}, nil
}

// errStopped reports that the consumer went away.
var errStopped = stderrors.New("chat stream stopped by consumer")

// run produces the events of a turn through emit. It stops as soon as emit reports
// the consumer is gone and returns the cause of any failure.
func (o *Orchestrator) run(ctx context.Context, t *turn, emit func(Event) bool) (*outcome, error) {
	logger := o.logger.With().
		Str("tenant", t.req.TenantID).
		Str("conversation_id", t.conv.ID.String()).
		Logger()

	if !emit(Event{Type: EventSearchStart, Data: searchStartText}) {
		return nil, errStopped
	}

	found, err := o.retriever.ContextForChat(ctx, t.req.TenantID, t.req.Message)
	if err != nil {
		logger.Error().Err(err).Msg("search error")
		emit(Event{Type: EventError, Data: searchErrorText, Metadata: map[string]any{"error_type": ErrorTypeSearch}})
		return nil, err
	}

	complete := Event{Type: EventSearchComplete, Data: noResultsText, Metadata: map[string]any{"count": found.Chunks}}
	if found.Chunks > 0 {
		complete.Data = fmt.Sprintf("Found %d relevant documents", found.Chunks)
	}
	if !emit(complete) {
		return nil, errStopped
	}
	if !emit(Event{Type: EventThinkingStart, Data: thinkingStartText}) {
		return nil, errStopped
	}

	thinkingDone := false
	var answer strings.Builder
	_, err = o.model.Stream(ctx, promptFor(t, found.Text), func(ctx context.Context, token string) error {
		if !thinkingDone {
			thinkingDone = true
			if !emit(Event{Type: EventThinkingComplete, Data: thinkingCompleteText}) {
				return errStopped
			}
		}
		if strings.TrimSpace(token) == "" {
			return nil
		}
		answer.WriteString(token)
		if !emit(Event{Type: EventToken, Data: token}) {
			return errStopped
		}
		return nil
	})
	if err != nil {
		if stderrors.Is(err, errStopped) || ctx.Err() != nil {
			return nil, errStopped
		}
		logger.Error().Err(err).Msg("stream chat error")
		emit(Event{Type: EventError, Data: generalErrorText, Metadata: map[string]any{"error_type": ErrorTypeGeneral}})
		return nil, apperrors.Backend("language model", err)
	}

	full := answer.String()
	if full != "" {
		if err := o.conversations.Record(ctx, t.conv.ID, t.req.Message, full); err != nil {
			logger.Error().Err(err).Msg("failed to save chat interaction")
			emit(Event{Type: EventError, Data: generalErrorText, Metadata: map[string]any{"error_type": ErrorTypeGeneral}})
			return nil, apperrors.Internal(err)
		}
	}

	emit(Event{
		Type: EventComplete,
		Data: completeText,
		Metadata: map[string]any{
			"search_result_count": found.Chunks,
			"conversation_id":     t.conv.ID.String(),
		},
	})
	logger.Debug().Int("search_results", found.Chunks).Int("answer_length", len(full)).Msg("chat turn complete")
	return &outcome{answer: full, searchResults: found.Chunks}, nil
}

// promptFor builds the model input: history, the retrieved excerpts and the question.
func promptFor(t *turn, excerpts string) []llm.Message {
	messages := make([]llm.Message, 0, len(t.history)+2)
	messages = append(messages, t.history...)
	messages = append(messages,
		llm.Message{Role: models.RoleSystem, Content: "Relevant document excerpts:\n\n" + excerpts},
		llm.Message{Role: models.RoleUser, Content: t.req.Message},
	)
	return messages
}
