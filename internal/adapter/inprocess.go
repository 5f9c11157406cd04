package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/haasonsaas/relay/pkg/models"
)

// ToolFunc is one in-process tool implementation. Return values are
// normalized into a tagged Result: a plain string, a *Result, a
// map with {"type","text"}, or a map with a "content" list all work.
type ToolFunc func(ctx context.Context, args map[string]any) (any, error)

// InProcessTool couples a descriptor with its implementation.
type InProcessTool struct {
	Descriptor models.ToolDescriptor
	Fn         ToolFunc
}

// InProcess wraps a function table as an Adapter. It is connected from
// construction; Close marks it disconnected and runs the closer if one is
// installed.
type InProcess struct {
	provider string
	tools    map[string]InProcessTool
	order    []string
	closer   func() error
	closed   bool
}

// NewInProcess builds an in-process adapter for the given provider key.
func NewInProcess(provider string, tools []InProcessTool) *InProcess {
	a := &InProcess{
		provider: provider,
		tools:    make(map[string]InProcessTool, len(tools)),
	}
	for _, t := range tools {
		t.Descriptor.Provider = provider
		if _, dup := a.tools[t.Descriptor.Name]; !dup {
			a.order = append(a.order, t.Descriptor.Name)
		}
		a.tools[t.Descriptor.Name] = t
	}
	return a
}

// SetCloser installs a hook invoked on Close (e.g. flushing a backing file).
func (a *InProcess) SetCloser(fn func() error) {
	a.closer = fn
}

func (a *InProcess) ListTools(_ context.Context) ([]models.ToolDescriptor, error) {
	out := make([]models.ToolDescriptor, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.tools[name].Descriptor)
	}
	return out, nil
}

func (a *InProcess) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool, ok := a.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownTool, a.provider, name)
	}

	value, err := tool.Fn(ctx, args)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	return normalizeResult(value), nil
}

func (a *InProcess) ListResources(_ context.Context) ([]Resource, error) {
	return nil, nil
}

func (a *InProcess) ReadResource(_ context.Context, uri string) (*ResourceContent, error) {
	return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
}

func (a *InProcess) Connected() bool {
	return !a.closed
}

func (a *InProcess) Reconnect(_ context.Context) error {
	a.closed = false
	return nil
}

func (a *InProcess) Close() error {
	a.closed = true
	if a.closer != nil {
		return a.closer()
	}
	return nil
}

// normalizeResult converts the supported in-process return shapes into a
// tagged Result.
func normalizeResult(value any) *Result {
	switch v := value.(type) {
	case nil:
		return TextResult("")
	case *Result:
		return v
	case Result:
		return &v
	case string:
		return TextResult(v)
	case map[string]any:
		if content, ok := v["content"].([]any); ok {
			return normalizeContentList(content, v)
		}
		if typ, _ := v["type"].(string); typ != "" {
			text, _ := v["text"].(string)
			return &Result{Text: text, IsError: typ == "error"}
		}
		return TextResult(stringifyJSON(v))
	default:
		return TextResult(stringifyJSON(v))
	}
}

func normalizeContentList(content []any, envelope map[string]any) *Result {
	res := &Result{}
	for _, item := range content {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := block["text"].(string); ok {
			if res.Text != "" {
				res.Text += "\n"
			}
			res.Text += text
		}
	}
	if isErr, ok := envelope["isError"].(bool); ok {
		res.IsError = isErr
	}
	if meta, ok := envelope["metadata"].(map[string]any); ok {
		res.Metadata = meta
	}
	if accounts, ok := envelope["accounts"].([]any); ok {
		for _, a := range accounts {
			if s, ok := a.(string); ok {
				res.Accounts = append(res.Accounts, s)
			}
		}
		sort.Strings(res.Accounts)
	}
	return res
}

func stringifyJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
