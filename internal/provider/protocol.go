// Package provider talks to the local language-model runtime used for
// escalation and conversational replies.
package provider

import (
	"context"
	"errors"
)

// ErrModelRequired is returned when a request names no model.
var ErrModelRequired = errors.New("model is required")

// ChatMessage represents a message in the chat
type ChatMessage struct {
	Role    string `json:"role"`    // system, user, assistant
	Content string `json:"content"` // message content
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	// Format asks the runtime to constrain output, e.g. "json".
	Format string `json:"format,omitempty"`
}

// ChatResponse is a completed chat reply.
type ChatResponse struct {
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
}

// Model represents an installed model.
type Model struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// StreamHandler receives the accumulated reply after every chunk.
type StreamHandler func(content string, done bool) error

// Chatter is a chat backend.
type Chatter interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// StreamingChatter is a chat backend that can deliver partial replies.
type StreamingChatter interface {
	Chatter
	ChatStream(ctx context.Context, req *ChatRequest, handler StreamHandler) (string, error)
}
