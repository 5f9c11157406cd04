// Package catalog aggregates tool definitions across live adapters, keeps
// the (tool name -> provider key) index, and answers semantic search over
// tool names and descriptions.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/pkg/models"
)

// SearchToolName is the meta tool the orchestrator exposes for discovery.
// The catalog never returns it from Search.
const SearchToolName = "search_tool"

// AdapterLister provides the live adapters to aggregate over.
type AdapterLister interface {
	ListLive() []adapter.LiveAdapter
}

// EmbeddingFunc produces the vector for an indexed text.
type EmbeddingFunc = chromem.EmbeddingFunc

// Match is one semantic search hit.
type Match struct {
	Tool  models.ToolDescriptor
	Score float64
}

// Catalog holds the aggregated tool state. Refresh rebuilds it atomically
// by copy-then-swap; readers always see a consistent snapshot.
type Catalog struct {
	adapters  AdapterLister
	logger    *slog.Logger
	embedding EmbeddingFunc

	mu    sync.RWMutex
	state *state
}

type state struct {
	byProvider map[string][]models.ToolDescriptor
	byName     map[string]models.ToolDescriptor
	index      map[string]string // toolName -> providerKey
	collection *chromem.Collection
	count      int
}

// Option configures the catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmbedding overrides the embedding function used for the semantic
// index. The default is the deterministic local embedder.
func WithEmbedding(fn EmbeddingFunc) Option {
	return func(c *Catalog) {
		if fn != nil {
			c.embedding = fn
		}
	}
}

// New creates a catalog over the given adapter source.
func New(adapters AdapterLister, opts ...Option) *Catalog {
	c := &Catalog{
		adapters:  adapters,
		logger:    slog.Default().With("component", "catalog"),
		embedding: LocalEmbedding(),
		state:     &state{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh re-lists tools from every live adapter, replaces the internal
// state atomically, and rebuilds the semantic index. Idempotent; safe to
// call at the start of every chat turn.
func (c *Catalog) Refresh(ctx context.Context) error {
	next := &state{
		byProvider: make(map[string][]models.ToolDescriptor),
		byName:     make(map[string]models.ToolDescriptor),
		index:      make(map[string]string),
	}

	live := c.adapters.ListLive()
	sort.Slice(live, func(i, j int) bool {
		return live[i].Key.Provider < live[j].Key.Provider
	})

	for _, la := range live {
		provider := la.Key.Provider
		if _, seen := next.byProvider[provider]; seen {
			// Multiple principals of the same provider expose the same
			// toolset; one listing suffices.
			continue
		}
		tools, err := la.Adapter.ListTools(ctx)
		if err != nil {
			c.logger.Warn("list tools failed", "provider", provider, "error", err)
			continue
		}
		next.byProvider[provider] = tools
		for _, tool := range tools {
			next.byName[tool.Name] = tool
			next.index[tool.Name] = provider
		}
	}

	if err := c.buildIndex(ctx, next); err != nil {
		return fmt.Errorf("build semantic index: %w", err)
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	c.logger.Debug("catalog refreshed", "providers", len(next.byProvider), "tools", len(next.byName))
	return nil
}

func (c *Catalog) buildIndex(ctx context.Context, st *state) error {
	db := chromem.NewDB()
	collection, err := db.CreateCollection("tools", nil, c.embedding)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(st.byName))
	for name, tool := range st.byName {
		if name == SearchToolName {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:      name,
			Content: name + " " + tool.Description,
			Metadata: map[string]string{
				"provider": tool.Provider,
			},
		})
	}

	if len(docs) > 0 {
		if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return err
		}
	}
	st.collection = collection
	st.count = len(docs)
	return nil
}

// FindServer returns the provider key owning a tool name.
func (c *Catalog) FindServer(toolName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	provider, ok := c.state.index[toolName]
	return provider, ok
}

// Tool returns the descriptor for a tool name.
func (c *Catalog) Tool(toolName string) (models.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tool, ok := c.state.byName[toolName]
	return tool, ok
}

// Tools returns all descriptors for one provider.
func (c *Catalog) Tools(provider string) []models.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.byProvider[provider]
}

// AllTools returns every known descriptor sorted by name.
func (c *Catalog) AllTools() []models.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(c.state.byName))
	for _, tool := range c.state.byName {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size returns the number of indexed tools.
func (c *Catalog) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.state.byName)
}

// Search returns the top-k tools ranked by semantic similarity to the
// query, scores in [0, 1]. Deterministic for a fixed catalog. search_tool
// itself is never returned.
func (c *Catalog) Search(ctx context.Context, query string, k int) ([]Match, error) {
	c.mu.RLock()
	st := c.state
	c.mu.RUnlock()

	if st.collection == nil || st.count == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	if k > st.count {
		k = st.count
	}

	results, err := st.collection.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("semantic query: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		tool, ok := st.byName[res.ID]
		if !ok {
			continue
		}
		score := float64(res.Similarity)
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		matches = append(matches, Match{Tool: tool, Score: score})
	}

	// chromem orders by similarity; break ties by name for determinism.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Tool.Name < matches[j].Tool.Name
	})
	return matches, nil
}
