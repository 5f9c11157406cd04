package adapter

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func TestValidateArgs(t *testing.T) {
	desc := models.ToolDescriptor{
		Name:     "globalQuote",
		Provider: "alpha_vantage",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"symbol": {"type": "string"}},
			"required": ["symbol"]
		}`),
	}

	if err := ValidateArgs(desc, map[string]any{"symbol": "AAPL"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := ValidateArgs(desc, map[string]any{}); err == nil {
		t.Error("missing required arg accepted")
	}
	if err := ValidateArgs(desc, map[string]any{"symbol": 42}); err == nil {
		t.Error("wrong-typed arg accepted")
	}
}

func TestValidateArgsNoSchema(t *testing.T) {
	desc := models.ToolDescriptor{Name: "anything"}
	if err := ValidateArgs(desc, map[string]any{"whatever": true}); err != nil {
		t.Errorf("schemaless descriptor rejected args: %v", err)
	}
}

func TestValidateArgsBadSchemaIsPermissive(t *testing.T) {
	desc := models.ToolDescriptor{
		Name:        "broken",
		InputSchema: json.RawMessage(`{"type": ["not valid"`),
	}
	if err := ValidateArgs(desc, map[string]any{"x": 1}); err != nil {
		t.Errorf("malformed schema should not block the call: %v", err)
	}
}
