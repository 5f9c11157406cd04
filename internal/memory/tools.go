package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/pkg/models"
)

// ProviderKey is the provider key of the in-process memory adapter.
const ProviderKey = "memory"

// Retrieval tool names, always visible in the bootstrap toolset.
const (
	ToolSearchNodes = "memory_search_nodes"
	ToolReadGraph   = "memory_read_graph"
	ToolOpenNodes   = "memory_open_nodes"
)

// Write tool names, exposed only to the memory-extraction pass.
const (
	ToolCreateEntities  = "memory_create_entities"
	ToolAddObservations = "memory_add_observations"
	ToolCreateRelations = "memory_create_relations"
	ToolDeleteEntities  = "memory_delete_entities"
)

// RetrievalTools lists the always-available retrieval tool names.
func RetrievalTools() []string {
	return []string{ToolSearchNodes, ToolReadGraph, ToolOpenNodes}
}

// WriteTools lists the extraction-pass tool names.
func WriteTools() []string {
	return []string{ToolCreateEntities, ToolAddObservations, ToolCreateRelations}
}

// AdapterFactory builds the in-process factory for the memory provider.
// The db_path from the token data locates the role's graph file; the
// returned adapter exclusively owns that file until closed.
func AdapterFactory() adapter.InProcessFactory {
	return func(_ context.Context, opts adapter.CreateOptions) (adapter.Adapter, error) {
		dbPath, _ := opts.TokenData["db_path"].(string)
		if dbPath == "" {
			return nil, fmt.Errorf("memory adapter requires db_path")
		}
		graph, err := OpenGraph(dbPath)
		if err != nil {
			return nil, err
		}
		return newAdapter(graph), nil
	}
}

func newAdapter(graph *GraphStore) *adapter.InProcess {
	objectSchema := func(properties string) json.RawMessage {
		return json.RawMessage(`{"type":"object","properties":{` + properties + `}}`)
	}

	tools := []adapter.InProcessTool{
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolSearchNodes,
				Description: "Search the knowledge graph for entities matching a query",
				InputSchema: objectSchema(`"query":{"type":"string"}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				query, _ := args["query"].(string)
				return graphJSON(graph.SearchNodes(query))
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolReadGraph,
				Description: "Read the entire knowledge graph",
				InputSchema: json.RawMessage(`{"type":"object"}`),
			},
			Fn: func(context.Context, map[string]any) (any, error) {
				return graphJSON(graph.ReadGraph())
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolOpenNodes,
				Description: "Open specific entities by name with their relations",
				InputSchema: objectSchema(`"names":{"type":"array","items":{"type":"string"}}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				return graphJSON(graph.OpenNodes(stringList(args["names"])))
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolCreateEntities,
				Description: "Create entities with observations in the knowledge graph",
				InputSchema: objectSchema(`"entities":{"type":"array"}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				entities, err := decodeEntities(args["entities"])
				if err != nil {
					return nil, err
				}
				n, err := graph.CreateEntities(entities)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Created %d entities", n), nil
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolAddObservations,
				Description: "Add observations to an entity",
				InputSchema: objectSchema(`"entityName":{"type":"string"},"contents":{"type":"array","items":{"type":"string"}}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				name, _ := args["entityName"].(string)
				if name == "" {
					return nil, fmt.Errorf("entityName is required")
				}
				n, err := graph.AddObservations(name, stringList(args["contents"]))
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Added %d observations to %s", n, name), nil
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolCreateRelations,
				Description: "Create directed typed relations between entities",
				InputSchema: objectSchema(`"relations":{"type":"array"}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				relations, err := decodeRelations(args["relations"])
				if err != nil {
					return nil, err
				}
				n, err := graph.CreateRelations(relations)
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Created %d relations", n), nil
			},
		},
		{
			Descriptor: models.ToolDescriptor{
				Name:        ToolDeleteEntities,
				Description: "Delete entities and their relations",
				InputSchema: objectSchema(`"names":{"type":"array","items":{"type":"string"}}`),
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				n, err := graph.DeleteEntities(stringList(args["names"]))
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Deleted %d entities", n), nil
			},
		},
	}

	a := adapter.NewInProcess(ProviderKey, tools)
	return a
}

func graphJSON(g models.Graph) (string, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func decodeEntities(v any) ([]models.Entity, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("entities: %w", err)
	}
	var out []models.Entity
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("entities: %w", err)
	}
	return out, nil
}

func decodeRelations(v any) ([]models.Relation, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relations: %w", err)
	}
	var out []models.Relation
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("relations: %w", err)
	}
	return out, nil
}
