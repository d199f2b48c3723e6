// Package llm streams chat completions from an Ollama model.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"docrag/internal/models"
)

// Message is one turn of the prompt sent to the model.
type Message struct {
	Role    string
	Content string
}

// TokenFunc receives generated text in order. Returning an error stops generation.
type TokenFunc func(ctx context.Context, token string) error

// StreamingModel generates a reply token by token and returns the full text.
type StreamingModel interface {
	Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error)
}

// OllamaClient implements StreamingModel over a langchaingo model
type OllamaClient struct {
	model llms.Model
}

// NewOllamaClient connects to the Ollama server at baseURL. No request is made until
// the first call.
func NewOllamaClient(baseURL, model string, httpClient *http.Client) (*OllamaClient, error) {
	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
		ollama.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}
	return NewClient(llm), nil
}

// NewClient wraps any langchaingo model.
func NewClient(model llms.Model) *OllamaClient {
	return &OllamaClient{model: model}
}

// Stream implements StreamingModel
func (o *OllamaClient) Stream(ctx context.Context, messages []Message, onToken TokenFunc) (string, error) {
	var full strings.Builder
	resp, err := o.model.GenerateContent(ctx, toMessageContent(messages),
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			full.Write(chunk)
			if onToken == nil {
				return nil
			}
			return onToken(ctx, string(chunk))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}

	// Models that ignore the streaming callback still fill the response.
	if full.Len() == 0 && resp != nil && len(resp.Choices) > 0 && resp.Choices[0] != nil {
		content := resp.Choices[0].Content
		if onToken != nil && content != "" {
			if err := onToken(ctx, content); err != nil {
				return "", err
			}
		}
		return content, nil
	}
	return full.String(), nil
}

func toMessageContent(messages []Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		content = append(content, llms.TextParts(messageType(m.Role), m.Content))
	}
	return content
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return llms.ChatMessageTypeSystem
	case models.RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
