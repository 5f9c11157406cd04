package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Ref is a structured tool reference returned by search_tool alongside the
// human-readable listing, so the orchestrator does not have to scrape the
// text to expand the toolset.
type Ref struct {
	Name     string  `json:"name"`
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
}

// SearchToolDescriptor returns the descriptor of the discovery meta tool.
func SearchToolDescriptor(defaultLimit int) models.ToolDescriptor {
	if defaultLimit <= 0 {
		defaultLimit = 5
	}
	schema := fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "What capability you are looking for"},
			"limit": {"type": "integer", "description": "Maximum results", "default": %d}
		},
		"required": ["query"]
	}`, defaultLimit)
	return models.ToolDescriptor{
		Name:        SearchToolName,
		Description: "Search the tool catalog for tools matching a capability description. Returns matching tool names you can then call directly.",
		InputSchema: json.RawMessage(schema),
		Provider:    "catalog",
	}
}

// ExecuteSearch runs a catalog search and renders the search_tool response:
// a formatted listing plus structured refs.
func (c *Catalog) ExecuteSearch(ctx context.Context, query string, limit int) (string, []Ref, error) {
	matches, err := c.Search(ctx, query, limit)
	if err != nil {
		return "", nil, err
	}

	refs := make([]Ref, 0, len(matches))
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tools matching %q:\n", len(matches), query)

	for i, m := range matches {
		refs = append(refs, Ref{Name: m.Tool.Name, Provider: m.Tool.Provider, Score: m.Score})

		fmt.Fprintf(&b, "\n%d. %s (%s) [score %.2f]\n", i+1, m.Tool.Name, m.Tool.Provider, m.Score)
		if desc := strings.TrimSpace(m.Tool.Description); desc != "" {
			fmt.Fprintf(&b, "   %s\n", desc)
		}
		if m.Tool.RequiresDetailedSchema && len(m.Tool.InputSchema) > 0 {
			fmt.Fprintf(&b, "   Schema: %s\n", compactJSON(m.Tool.InputSchema))
		} else if summary := schemaSummary(m.Tool.InputSchema); summary != "" {
			fmt.Fprintf(&b, "   Parameters: %s\n", summary)
		}
	}

	return b.String(), refs, nil
}

// numberedLine matches "1. tool_name (provider)" listing entries.
var numberedLine = regexp.MustCompile(`(?m)^\s*\d+\.\s+([A-Za-z0-9_.-]+)`)

// ParseSearchResults extracts tool names from a formatted search_tool
// listing. Kept for compatibility with results that lost their structured
// refs; the orchestrator prefers the refs.
func ParseSearchResults(text string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range numberedLine.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	return names
}

// schemaSummary renders a concise parameter list from a JSON schema.
func schemaSummary(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	var decoded struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &decoded); err != nil || len(decoded.Properties) == 0 {
		return ""
	}

	required := map[string]bool{}
	for _, r := range decoded.Required {
		required[r] = true
	}

	names := make([]string, 0, len(decoded.Properties))
	for name := range decoded.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		prop := decoded.Properties[name]
		part := name
		if prop.Type != "" {
			part += " (" + prop.Type
			if required[name] {
				part += ", required"
			}
			part += ")"
		} else if required[name] {
			part += " (required)"
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
