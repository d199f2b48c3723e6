package api

import (
	"net/http"

	"github.com/google/uuid"

	"docrag/internal/chat"
	apperrors "docrag/internal/errors"
	"docrag/internal/models"
)

// conversationIDHeader tells streaming clients which conversation the turn joined.
const conversationIDHeader = "X-Conversation-ID"

func conversationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperrors.Validation("invalid conversation id %q", r.PathValue("id"))
	}
	return id, nil
}

func chatRequest(r *http.Request) (chat.Request, error) {
	var req models.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		return chat.Request{}, err
	}
	return chat.Request{TenantID: tenant(r), Message: req.Message, ConversationID: req.ConversationID}, nil
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	req, err := chatRequest(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	resp, err := s.deps.Chat.Chat(r.Context(), req)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, resp)
}

func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	req, err := chatRequest(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errors.Handle(w, r, apperrors.Internal(nil).With("reason", "streaming not supported"))
		return
	}

	convID, events, err := s.deps.Chat.Stream(r.Context(), req)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(conversationIDHeader, convID.String())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		frame, err := ev.SSE()
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to encode chat event")
			continue
		}
		if _, err := w.Write(frame); err != nil {
			s.logger.Debug().Err(err).Msg("chat stream client went away")
			// The producer stops once the request context is cancelled.
			for range events {
			}
			return
		}
		flusher.Flush()
	}
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.List(r.Context(), tenant(r))
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	s.writer.Write(w, r, &models.ConversationListResponse{Conversations: convs, Count: len(convs)})
}

func (s *Server) conversationMessages(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	msgs, err := s.deps.Conversations.Messages(r.Context(), tenant(r), id)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	s.writer.Write(w, r, &models.MessageListResponse{ConversationID: id, Messages: msgs})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		s.errors.Handle(w, r, err)
		return
	}

	if err := s.deps.Conversations.Delete(r.Context(), tenant(r), id); err != nil {
		s.errors.Handle(w, r, err)
		return
	}
	s.writer.Write(w, r, &models.DeleteResponse{Message: "Conversation deleted successfully"})
}
