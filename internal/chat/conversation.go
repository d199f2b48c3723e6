package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"docrag/internal/llm"
	"docrag/internal/models"
	"docrag/internal/storage"
)

// ConversationService manages the conversation log around a chat exchange
type ConversationService struct {
	store        storage.ConversationStore
	systemPrompt string
}

// NewConversationService creates a ConversationService
func NewConversationService(store storage.ConversationStore, systemPrompt string) *ConversationService {
	return &ConversationService{store: store, systemPrompt: systemPrompt}
}

// Start returns the conversation of tenantID with the given id, creating it when id
// is nil or unknown, together with the prompt history: the system prompt followed by
// every stored message.
func (s *ConversationService) Start(ctx context.Context, tenantID string, id *uuid.UUID) (*models.Conversation, []llm.Message, error) {
	conv, err := s.store.CreateConversation(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.store.Messages(ctx, conv.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation history: %w", err)
	}

	history := make([]llm.Message, 0, len(stored)+1)
	if s.systemPrompt != "" {
		history = append(history, llm.Message{Role: models.RoleSystem, Content: s.systemPrompt})
	}
	for _, m := range stored {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return conv, history, nil
}

// Record appends a completed exchange to the conversation.
func (s *ConversationService) Record(ctx context.Context, conversationID uuid.UUID, question, answer string) error {
	if _, err := s.store.AddMessage(ctx, conversationID, models.RoleUser, question); err != nil {
		return fmt.Errorf("failed to save user message: %w", err)
	}
	if _, err := s.store.AddMessage(ctx, conversationID, models.RoleAssistant, answer); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	return nil
}

// List returns the conversations of tenantID.
func (s *ConversationService) List(ctx context.Context, tenantID string) ([]models.Conversation, error) {
	return s.store.ListConversations(ctx, tenantID)
}

// Messages returns the log of a conversation owned by tenantID.
func (s *ConversationService) Messages(ctx context.Context, tenantID string, id uuid.UUID) ([]models.Message, error) {
	if _, err := s.store.GetConversation(ctx, tenantID, id); err != nil {
		return nil, err
	}
	return s.store.Messages(ctx, id)
}

// Delete removes a conversation owned by tenantID and its messages.
func (s *ConversationService) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	return s.store.DeleteConversation(ctx, tenantID, id)
}
