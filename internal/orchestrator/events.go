// Package orchestrator executes chat turns: the bounded tool-calling loop
// with discovery, loop detection, URI resolution, post-processing, and the
// memory-extraction post-step, streamed as SSE events.
package orchestrator

import (
	"github.com/haasonsaas/relay/pkg/models"
)

// Events are emitted on the turn's event channel in stream order. The HTTP
// transport frames each as `data: <json>\n\n` and appends `data: [DONE]`
// when the channel closes.

// ContentEvent carries one sanitized text chunk.
type ContentEvent struct {
	Content string `json:"content"`
}

// ToolCallEvent announces a model-requested tool invocation.
type ToolCallEvent struct {
	Type     string          `json:"type"` // "tool_call"
	ToolCall models.ToolCall `json:"toolCall"`
}

// ToolResultEvent reports one tool call's outcome.
type ToolResultEvent struct {
	Type     string         `json:"type"` // "tool_result"
	ToolName string         `json:"toolName"`
	ServerID string         `json:"serverId"`
	Result   string         `json:"result"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Accounts []string       `json:"accounts,omitempty"`
	Blocked  bool           `json:"blocked,omitempty"`
	IsError  bool           `json:"isError,omitempty"`
}

// MemoryTaskEvent reports the memory-extraction post-step.
type MemoryTaskEvent struct {
	Type   string `json:"type"` // "memory_task"
	Status string `json:"status"`
	Count  *int   `json:"count,omitempty"`
}

// InfoEvent carries a non-fatal notice (e.g. the iteration cap).
type InfoEvent struct {
	Type    string `json:"type"` // "info"
	Message string `json:"message"`
}

// ErrorEvent reports a fatal turn failure.
type ErrorEvent struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

func newToolCallEvent(call models.ToolCall) ToolCallEvent {
	return ToolCallEvent{Type: "tool_call", ToolCall: call}
}

func newToolResultEvent(toolName, serverID, result string) ToolResultEvent {
	return ToolResultEvent{
		Type:     "tool_result",
		ToolName: toolName,
		ServerID: serverID,
		Result:   result,
	}
}

func newMemoryTaskEvent(status string, count *int) MemoryTaskEvent {
	return MemoryTaskEvent{Type: "memory_task", Status: status, Count: count}
}

func newInfoEvent(message string) InfoEvent {
	return InfoEvent{Type: "info", Message: message}
}

func newErrorEvent(message string) ErrorEvent {
	return ErrorEvent{Type: "error", Message: message, Error: true}
}

func intPtr(n int) *int {
	return &n
}
