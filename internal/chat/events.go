package chat

import (
	"encoding/json"
	"fmt"
)

// EventType tags a streamed chat event.
type EventType string

// Chat stream events, in the order they are produced.
const (
	EventSearchStart      EventType = "search_start"
	EventSearchComplete   EventType = "search_complete"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingComplete EventType = "thinking_complete"
	EventToken            EventType = "token"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// Event is one message of a chat stream.
type Event struct {
	Type     EventType      `json:"event"`
	Data     string         `json:"data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether no event follows e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// SSE frames the event for a text/event-stream response.
func (e Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", e.Type, data), nil
}
