// Package adapter provides a uniform interface to capability providers,
// either child processes speaking a line-oriented JSON-RPC protocol or
// in-process function tables.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	// ErrUnknownTool indicates the caller asked for a tool the adapter does
	// not expose.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNotConnected indicates the adapter transport is down.
	ErrNotConnected = errors.New("adapter not connected")

	// ErrResourceNotFound indicates a read of a nonexistent resource.
	ErrResourceNotFound = errors.New("resource not found")
)

// Result is the tagged outcome of a tool call.
type Result struct {
	Text     string         `json:"text"`
	IsError  bool           `json:"is_error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Accounts []string       `json:"accounts,omitempty"`
}

// TextResult builds a successful result.
func TextResult(text string) *Result {
	return &Result{Text: text}
}

// ErrorResult builds an error-tagged result.
func ErrorResult(format string, args ...any) *Result {
	return &Result{Text: fmt.Sprintf(format, args...), IsError: true}
}

// Resource describes a provider resource.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContent is the payload of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

// Adapter is the uniform capability contract shared by all provider
// transports.
type Adapter interface {
	// ListTools returns the provider's tool descriptors in stable order.
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)

	// CallTool invokes a tool. Adapter-reported tool failures are returned
	// as an error-tagged Result, not as a Go error.
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)

	// ListResources returns the provider's resources, possibly empty.
	ListResources(ctx context.Context) ([]Resource, error)

	// ReadResource reads a resource by URI.
	ReadResource(ctx context.Context, uri string) (*ResourceContent, error)

	// Connected reports whether the transport is live.
	Connected() bool

	// Reconnect re-establishes a dropped transport.
	Reconnect(ctx context.Context) error

	// Close tears down the adapter.
	Close() error
}

// Error wraps a transport-level adapter failure with its provider key.
type Error struct {
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
