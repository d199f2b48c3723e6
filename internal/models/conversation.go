package models

import (
	"time"

	"github.com/google/uuid"
)

// Message roles stored in the conversation log.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is the header record of a chat session.
type Conversation struct {
	ID            uuid.UUID `json:"conversation_id"`
	TenantID      string    `json:"user_id"`
	LastMessageID *int64    `json:"last_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Message is one entry of the append-only conversation log.
type Message struct {
	ID             int64     `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatRequest is the body of the chat endpoints. ConversationID is optional; a
// new conversation is created when it is absent.
type ChatRequest struct {
	Message        string     `json:"message"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

// ChatResponse is returned by the non-streaming chat endpoint.
type ChatResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Answer         string    `json:"answer"`
	SearchResults  int       `json:"search_result_count"`
}

// ConversationListResponse lists a tenant's conversations.
type ConversationListResponse struct {
	Conversations []Conversation `json:"conversations"`
	Count         int            `json:"count"`
}

// MessageListResponse lists the messages of one conversation.
type MessageListResponse struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}
