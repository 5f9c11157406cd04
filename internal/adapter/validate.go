package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/pkg/models"
)

// ValidateArgs checks tool-call arguments against the descriptor's input
// schema. A descriptor without a schema accepts anything. Validation
// failures are caller faults, returned as errors for the orchestrator to
// convert into error-tagged results.
func ValidateArgs(desc models.ToolDescriptor, args map[string]any) error {
	if len(desc.InputSchema) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + desc.Provider + "/" + desc.Name
	if err := compiler.AddResource(url, bytes.NewReader(desc.InputSchema)); err != nil {
		// A malformed schema must not block the call; the provider will
		// reject bad arguments itself.
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil
	}

	// jsonschema validates decoded JSON values; round-trip to normalize
	// numbers and nested types.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", desc.Name, err)
	}
	return nil
}
