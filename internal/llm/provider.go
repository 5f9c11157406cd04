// Package llm defines the streaming LLM provider contract and its
// Anthropic and OpenAI implementations.
package llm

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/pkg/models"
)

// Provider is the interface for LLM backends.
//
// Implementations must be safe for concurrent use; each Stream call creates
// an independent stream and goroutine.
type Provider interface {
	// Stream sends a request and returns a channel of response chunks. The
	// channel is closed when the stream completes or fails.
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)

	// Name returns the provider name.
	Name() string
}

// ToolDef describes a callable tool for the model.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is one conversation entry sent to the model.
type Message struct {
	Role    string `json:"role"` // user | assistant | system
	Content string `json:"content"`

	// ToolCalls carries the assistant's tool requests when echoing an
	// assistant turn back into the conversation.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`
}

// Request contains all parameters for a streaming completion.
type Request struct {
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	Tools     []ToolDef `json:"tools,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// Chunk is one streamed piece of a model response. Text chunks arrive
// incrementally; tool calls arrive whole once their arguments are complete.
type Chunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`
}
