// Package memory implements the per-role knowledge graph backing the
// memory tools: entities with observations and directed typed relations,
// persisted as a JSON file owned by exactly one adapter instance.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// GraphStore is a file-backed knowledge graph. Mutations are serialized;
// reads may proceed concurrently.
type GraphStore struct {
	path string

	mu    sync.RWMutex
	graph models.Graph
}

// OpenGraph loads (or lazily creates) the graph file at path.
func OpenGraph(path string) (*GraphStore, error) {
	s := &GraphStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read memory store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.graph); err != nil {
			return nil, fmt.Errorf("parse memory store %s: %w", path, err)
		}
	}
	return s, nil
}

// save writes the graph atomically. Caller holds the write lock.
func (s *GraphStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.graph, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// CreateEntities adds entities, merging observations into existing ones.
func (s *GraphStore) CreateEntities(entities []models.Entity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		if idx := s.findEntity(e.Name); idx >= 0 {
			s.graph.Entities[idx].Observations = mergeObservations(
				s.graph.Entities[idx].Observations, e.Observations)
			continue
		}
		s.graph.Entities = append(s.graph.Entities, e)
		created++
	}
	return created, s.save()
}

// AddObservations appends observations to a named entity, creating it if
// absent.
func (s *GraphStore) AddObservations(entity string, observations []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findEntity(entity)
	if idx < 0 {
		added := dedupe(observations)
		s.graph.Entities = append(s.graph.Entities, models.Entity{
			Name:         entity,
			Observations: added,
		})
		return len(added), s.save()
	}

	before := len(s.graph.Entities[idx].Observations)
	s.graph.Entities[idx].Observations = mergeObservations(
		s.graph.Entities[idx].Observations, observations)
	added := len(s.graph.Entities[idx].Observations) - before
	return added, s.save()
}

// CreateRelations adds directed relations, skipping duplicates.
func (s *GraphStore) CreateRelations(relations []models.Relation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, r := range relations {
		if r.From == "" || r.To == "" || s.hasRelation(r) {
			continue
		}
		s.graph.Relations = append(s.graph.Relations, r)
		created++
	}
	return created, s.save()
}

// DeleteEntities removes entities and any relations touching them.
func (s *GraphStore) DeleteEntities(names []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	victims := make(map[string]bool, len(names))
	for _, n := range names {
		victims[n] = true
	}

	kept := s.graph.Entities[:0]
	deleted := 0
	for _, e := range s.graph.Entities {
		if victims[e.Name] {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.graph.Entities = kept

	keptRel := s.graph.Relations[:0]
	for _, r := range s.graph.Relations {
		if victims[r.From] || victims[r.To] {
			continue
		}
		keptRel = append(keptRel, r)
	}
	s.graph.Relations = keptRel

	return deleted, s.save()
}

// ReadGraph returns a copy of the full graph.
func (s *GraphStore) ReadGraph() models.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyGraph(s.graph)
}

// SearchNodes returns entities whose name, type, or observations contain the
// query (case-insensitive), with the relations among them.
func (s *GraphStore) SearchNodes(query string) models.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return models.Graph{}
	}

	matched := map[string]bool{}
	var out models.Graph
	for _, e := range s.graph.Entities {
		if entityMatches(e, q) {
			out.Entities = append(out.Entities, copyEntity(e))
			matched[e.Name] = true
		}
	}
	for _, r := range s.graph.Relations {
		if matched[r.From] && matched[r.To] {
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

// OpenNodes returns the named entities and the relations among them.
func (s *GraphStore) OpenNodes(names []string) models.Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out models.Graph
	for _, e := range s.graph.Entities {
		if wanted[e.Name] {
			out.Entities = append(out.Entities, copyEntity(e))
		}
	}
	for _, r := range s.graph.Relations {
		if wanted[r.From] && wanted[r.To] {
			out.Relations = append(out.Relations, r)
		}
	}
	return out
}

// Destroy removes the backing file (role deletion).
func (s *GraphStore) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph = models.Graph{}
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *GraphStore) findEntity(name string) int {
	for i, e := range s.graph.Entities {
		if e.Name == name {
			return i
		}
	}
	return -1
}

func (s *GraphStore) hasRelation(r models.Relation) bool {
	for _, existing := range s.graph.Relations {
		if existing == r {
			return true
		}
	}
	return false
}

func entityMatches(e models.Entity, q string) bool {
	if strings.Contains(strings.ToLower(e.Name), q) ||
		strings.Contains(strings.ToLower(e.Type), q) {
		return true
	}
	for _, obs := range e.Observations {
		if strings.Contains(strings.ToLower(obs), q) {
			return true
		}
	}
	return false
}

func mergeObservations(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, o := range existing {
		seen[o] = true
	}
	for _, o := range incoming {
		if o != "" && !seen[o] {
			existing = append(existing, o)
			seen[o] = true
		}
	}
	return existing
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if s != "" && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	return out
}

func copyGraph(g models.Graph) models.Graph {
	out := models.Graph{
		Entities:  make([]models.Entity, len(g.Entities)),
		Relations: append([]models.Relation(nil), g.Relations...),
	}
	for i, e := range g.Entities {
		out.Entities[i] = copyEntity(e)
	}
	return out
}

func copyEntity(e models.Entity) models.Entity {
	e.Observations = append([]string(nil), e.Observations...)
	return e
}

// SortedEntityNames returns the graph's entity names in order (tests, logs).
func SortedEntityNames(g models.Graph) []string {
	names := make([]string, 0, len(g.Entities))
	for _, e := range g.Entities {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}
