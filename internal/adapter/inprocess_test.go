package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func echoTool(name string) InProcessTool {
	return InProcessTool{
		Descriptor: models.ToolDescriptor{Name: name, Description: "echoes input"},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
}

func TestInProcessCallNormalization(t *testing.T) {
	tests := []struct {
		name    string
		ret     any
		want    string
		wantErr bool
	}{
		{"string", "plain", "plain", false},
		{"typed text", map[string]any{"type": "text", "text": "typed"}, "typed", false},
		{"typed error", map[string]any{"type": "error", "text": "boom"}, "boom", true},
		{"content list", map[string]any{
			"content": []any{
				map[string]any{"type": "text", "text": "a"},
				map[string]any{"type": "text", "text": "b"},
			},
		}, "a\nb", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewInProcess("test", []InProcessTool{{
				Descriptor: models.ToolDescriptor{Name: "f"},
				Fn: func(context.Context, map[string]any) (any, error) {
					return tt.ret, nil
				},
			}})
			res, err := a.CallTool(context.Background(), "f", nil)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
			if res.IsError != tt.wantErr {
				t.Errorf("IsError = %v, want %v", res.IsError, tt.wantErr)
			}
		})
	}
}

func TestInProcessAccountsAnnotation(t *testing.T) {
	a := NewInProcess("gmail", []InProcessTool{{
		Descriptor: models.ToolDescriptor{Name: "list"},
		Fn: func(context.Context, map[string]any) (any, error) {
			return map[string]any{
				"content":  []any{map[string]any{"type": "text", "text": "ok"}},
				"accounts": []any{"b@example.com", "a@example.com"},
			}, nil
		},
	}})
	res, err := a.CallTool(context.Background(), "list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Accounts) != 2 || res.Accounts[0] != "a@example.com" {
		t.Errorf("Accounts = %v", res.Accounts)
	}
}

func TestInProcessUnknownTool(t *testing.T) {
	a := NewInProcess("test", []InProcessTool{echoTool("echo")})
	_, err := a.CallTool(context.Background(), "missing", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestInProcessFuncErrorBecomesErrorResult(t *testing.T) {
	a := NewInProcess("test", []InProcessTool{{
		Descriptor: models.ToolDescriptor{Name: "fail"},
		Fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	}})
	res, err := a.CallTool(context.Background(), "fail", nil)
	if err != nil {
		t.Fatalf("CallTool returned transport error: %v", err)
	}
	if !res.IsError || res.Text != "kaput" {
		t.Errorf("result = %+v", res)
	}
}

func TestInProcessListToolsStableOrder(t *testing.T) {
	a := NewInProcess("test", []InProcessTool{echoTool("zeta"), echoTool("alpha")})
	tools, err := a.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 || tools[0].Name != "zeta" || tools[1].Name != "alpha" {
		t.Errorf("ListTools order = %v", tools)
	}
	if tools[0].Provider != "test" {
		t.Errorf("Provider = %q", tools[0].Provider)
	}
}
