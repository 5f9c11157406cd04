package memory

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/pkg/models"
)

func openTestGraph(t *testing.T) *GraphStore {
	t.Helper()
	g, err := OpenGraph(filepath.Join(t.TempDir(), "role.json"))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestCreateAndSearch(t *testing.T) {
	g := openTestGraph(t)

	n, err := g.CreateEntities([]models.Entity{
		{Name: "Alice", Type: "person", Observations: []string{"works at Acme"}},
		{Name: "Acme", Type: "company", Observations: []string{"based in Berlin"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("created = %d, want 2", n)
	}

	if _, err := g.CreateRelations([]models.Relation{
		{From: "Alice", To: "Acme", Type: "works_at"},
	}); err != nil {
		t.Fatal(err)
	}

	found := g.SearchNodes("acme")
	if len(found.Entities) != 2 {
		t.Fatalf("search matched %d entities, want 2", len(found.Entities))
	}
	if len(found.Relations) != 1 {
		t.Errorf("search returned %d relations, want 1", len(found.Relations))
	}

	// Search that matches only one endpoint drops the relation.
	found = g.SearchNodes("berlin")
	if len(found.Entities) != 1 || len(found.Relations) != 0 {
		t.Errorf("search = %d entities, %d relations", len(found.Entities), len(found.Relations))
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "role.json")
	g, err := OpenGraph(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := g.CreateEntities([]models.Entity{{Name: "X", Type: "thing"}}); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenGraph(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.ReadGraph(); len(got.Entities) != 1 || got.Entities[0].Name != "X" {
		t.Errorf("reopened graph = %+v", got)
	}
}

func TestMergeObservations(t *testing.T) {
	g := openTestGraph(t)
	if _, err := g.CreateEntities([]models.Entity{{Name: "A", Observations: []string{"one"}}}); err != nil {
		t.Fatal(err)
	}

	added, err := g.AddObservations("A", []string{"one", "two"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (duplicate skipped)", added)
	}

	graph := g.ReadGraph()
	if len(graph.Entities[0].Observations) != 2 {
		t.Errorf("observations = %v", graph.Entities[0].Observations)
	}
}

func TestDeleteEntitiesRemovesRelations(t *testing.T) {
	g := openTestGraph(t)
	g.CreateEntities([]models.Entity{{Name: "A"}, {Name: "B"}})
	g.CreateRelations([]models.Relation{{From: "A", To: "B", Type: "knows"}})

	if _, err := g.DeleteEntities([]string{"A"}); err != nil {
		t.Fatal(err)
	}
	graph := g.ReadGraph()
	if len(graph.Entities) != 1 || len(graph.Relations) != 0 {
		t.Errorf("graph after delete = %+v", graph)
	}
}

func TestConcurrentMutations(t *testing.T) {
	g := openTestGraph(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g.AddObservations("shared", []string{string(rune('a' + i))})
		}(i)
	}
	wg.Wait()

	graph := g.ReadGraph()
	if len(graph.Entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(graph.Entities))
	}
	if len(graph.Entities[0].Observations) != 10 {
		t.Errorf("observations = %d, want 10", len(graph.Entities[0].Observations))
	}
}

func TestAdapterTools(t *testing.T) {
	dir := t.TempDir()
	factory := AdapterFactory()
	a, err := factory(context.Background(), adapter.CreateOptions{
		RoleID: "r1",
		TokenData: map[string]any{
			"role_id": "r1",
			"db_path": filepath.Join(dir, "r1.json"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.CallTool(context.Background(), ToolCreateEntities, map[string]any{
		"entities": []any{
			map[string]any{"name": "Bob", "entityType": "person", "observations": []any{"likes go"}},
		},
	})
	if err != nil || res.IsError {
		t.Fatalf("create entities: %v %+v", err, res)
	}

	res, err = a.CallTool(context.Background(), ToolSearchNodes, map[string]any{"query": "bob"})
	if err != nil || res.IsError {
		t.Fatalf("search: %v %+v", err, res)
	}
	var graph models.Graph
	if err := json.Unmarshal([]byte(res.Text), &graph); err != nil {
		t.Fatal(err)
	}
	if len(graph.Entities) != 1 || graph.Entities[0].Name != "Bob" {
		t.Errorf("search result = %+v", graph)
	}
}
