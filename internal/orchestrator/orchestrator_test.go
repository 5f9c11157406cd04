package orchestrator

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/catalog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/resolver"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// scriptedProvider replays one canned response per Stream call and records
// each request for assertions.
type scriptedProvider struct {
	steps    [][]*llm.Chunk
	requests []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(_ context.Context, req *llm.Request) (<-chan *llm.Chunk, error) {
	p.requests = append(p.requests, cloneRequest(req))

	var step []*llm.Chunk
	if len(p.steps) > 0 {
		step = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		step = []*llm.Chunk{{Text: "done"}, {Done: true}}
	}

	out := make(chan *llm.Chunk, len(step))
	for _, chunk := range step {
		out <- chunk
	}
	close(out)
	return out, nil
}

func cloneRequest(req *llm.Request) *llm.Request {
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	cp.Tools = append([]llm.ToolDef(nil), req.Tools...)
	return &cp
}

func textStep(text string) []*llm.Chunk {
	return []*llm.Chunk{{Text: text}, {Done: true}}
}

func callStep(text string, calls ...models.ToolCall) []*llm.Chunk {
	chunks := []*llm.Chunk{}
	if text != "" {
		chunks = append(chunks, &llm.Chunk{Text: text})
	}
	for i := range calls {
		chunks = append(chunks, &llm.Chunk{ToolCall: &calls[i]})
	}
	return append(chunks, &llm.Chunk{Done: true})
}

type fakeTurnStore struct {
	roles    map[string]*models.Role
	messages []*models.Message
	maxIter  int
	mode     string
}

func (f *fakeTurnStore) GetRole(_ context.Context, id string) (*models.Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return role, nil
}

func (f *fakeTurnStore) AppendMessage(_ context.Context, msg *models.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeTurnStore) ListAccounts(context.Context, string) ([]string, error) {
	return []string{"user@example.com"}, nil
}

func (f *fakeTurnStore) MaxIterations(_ context.Context, def int) int {
	if f.maxIter > 0 {
		return f.maxIter
	}
	return def
}

func (f *fakeTurnStore) BootstrapMode(_ context.Context, def string) string {
	if f.mode != "" {
		return f.mode
	}
	return def
}

type testEnv struct {
	orch     *Orchestrator
	provider *scriptedProvider
	store    *fakeTurnStore
	memDir   string
}

func newTestEnv(t *testing.T, provider *scriptedProvider) *testEnv {
	t.Helper()
	baseDir := t.TempDir()
	memDir := filepath.Join(baseDir, "memory")

	registry := adapter.NewRegistry()
	registry.RegisterInProcess(models.ProviderSpec{
		Key: memory.ProviderKey, Scope: models.ScopePerRole,
		Visibility: models.VisibilityHidden,
	}, memory.AdapterFactory())
	registry.RegisterInProcess(models.ProviderSpec{
		Key: "alpha_vantage", Scope: models.ScopeGlobal, Visibility: models.VisibilityUserVisible,
	}, func(context.Context, adapter.CreateOptions) (adapter.Adapter, error) {
		return adapter.NewInProcess("alpha_vantage", []adapter.InProcessTool{{
			Descriptor: models.ToolDescriptor{
				Name:        "globalQuote",
				Description: "Get the latest stock quote for a symbol",
			},
			Fn: func(_ context.Context, args map[string]any) (any, error) {
				symbol, _ := args["symbol"].(string)
				return symbol + ": 123.45", nil
			},
		}}), nil
	})
	registry.RegisterInProcess(models.ProviderSpec{
		Key: "google_drive", Scope: models.ScopeGlobal, Visibility: models.VisibilityUserVisible,
	}, func(context.Context, adapter.CreateOptions) (adapter.Adapter, error) {
		return adapter.NewInProcess("google_drive", []adapter.InProcessTool{{
			Descriptor: models.ToolDescriptor{
				Name:        "drive_list_files",
				Description: "List files in Google Drive",
			},
			Fn: func(context.Context, map[string]any) (any, error) {
				return "report.pdf, notes.txt", nil
			},
		}}), nil
	})

	factory := adapter.NewFactory(registry, &nullTokens{}, &nullConfigs{}, baseDir, memDir)
	cat := catalog.New(factory)
	fileCache, err := cache.New(filepath.Join(baseDir, "temp"))
	if err != nil {
		t.Fatal(err)
	}
	turnStore := &fakeTurnStore{
		roles: map[string]*models.Role{
			"r1": {ID: "r1", UserID: "u1", Name: "Assistant"},
		},
	}

	// Warm the global adapters so the catalog can see them.
	ctx := context.Background()
	for _, key := range []string{"alpha_vantage", "google_drive"} {
		if _, err := factory.GetAdapter(ctx, "u1", key, ""); err != nil {
			t.Fatal(err)
		}
	}

	orch := New(Options{
		Factory:  factory,
		Registry: registry,
		Catalog:  cat,
		Resolver: resolver.New(fileCache, nil),
		Cache:    fileCache,
		Store:    turnStore,
		Provider: provider,
		Chat:     config.ChatConfig{ChunkDelay: time.Millisecond, ExtractTimeout: time.Second},
	})
	return &testEnv{orch: orch, provider: provider, store: turnStore, memDir: memDir}
}

type nullTokens struct{}

func (nullTokens) Token(context.Context, string, string, string) (*models.OAuthToken, error) {
	return nil, store.ErrNotFound
}

type nullConfigs struct{}

func (nullConfigs) ProviderAPIKey(context.Context, string) (string, error) {
	return "", store.ErrNotFound
}

func runTurn(t *testing.T, env *testEnv, req *TurnRequest) (string, []any) {
	t.Helper()
	events := make(chan any, 256)
	text, err := env.orch.RunTurn(context.Background(), req, events)
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	close(events)
	var all []any
	for e := range events {
		all = append(all, e)
	}
	return text, all
}

// S1: a plain turn emits content, no tool calls, then a memory_task with a
// count property.
func TestBootstrapTurnNoTools(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		textStep("Hello! How can I help?"),
	}})

	text, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "Hello"}},
	})

	if text != "Hello! How can I help?" {
		t.Errorf("final text = %q", text)
	}

	var content strings.Builder
	var sawMemoryTask bool
	for _, e := range events {
		switch ev := e.(type) {
		case ContentEvent:
			content.WriteString(ev.Content)
		case ToolCallEvent:
			t.Errorf("unexpected tool_call event: %+v", ev)
		case MemoryTaskEvent:
			if ev.Status == "completed" {
				sawMemoryTask = true
				if ev.Count == nil {
					t.Error("memory_task completed without count")
				}
			}
		}
	}
	if content.Len() == 0 {
		t.Error("no content emitted")
	}
	if !sawMemoryTask {
		t.Error("no memory_task completed event")
	}
}

// S2: search_tool returns a Found-N listing and expands the visible toolset
// for the next iteration.
func TestTwoPhaseDiscovery(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		callStep("", models.ToolCall{
			ID: "c1", Name: "search_tool",
			Arguments: map[string]any{"query": "list files in drive"},
		}),
		textStep("Your drive has report.pdf and notes.txt."),
	}})

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		RoleID:   "r1",
		Messages: []TurnMessage{{Role: "user", Content: "what's in my drive?"}},
	})

	var results []ToolResultEvent
	for _, e := range events {
		if ev, ok := e.(ToolResultEvent); ok {
			results = append(results, ev)
		}
	}
	if len(results) != 1 {
		t.Fatalf("tool_result count = %d, want 1", len(results))
	}
	if ok, _ := regexp.MatchString(`^Found \d+ tools`, results[0].Result); !ok {
		t.Errorf("search result = %q", results[0].Result)
	}

	// Bootstrap toolset: search_tool plus the three memory tools.
	first := env.provider.requests[0]
	if len(first.Tools) != 4 {
		names := toolNames(first.Tools)
		t.Errorf("bootstrap tools = %v", names)
	}

	// Next iteration sees search_tool plus every named result.
	second := env.provider.requests[1]
	names := toolNames(second.Tools)
	if !contains(names, "search_tool") {
		t.Errorf("second iteration lost search_tool: %v", names)
	}
	if !contains(names, "drive_list_files") {
		t.Errorf("second iteration missing expanded tool: %v", names)
	}
}

// S3: the third consecutive identical call is blocked, not executed.
func TestLoopBlocking(t *testing.T) {
	quote := func(id string) models.ToolCall {
		return models.ToolCall{ID: id, Name: "globalQuote", Arguments: map[string]any{"symbol": "AAPL"}}
	}
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		callStep("", quote("c1")),
		callStep("", quote("c2")),
		callStep("", quote("c3")),
		textStep("AAPL is at 123.45."),
	}})
	env.store.mode = string(config.BootstrapDirect)

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "quote AAPL until it changes"}},
	})

	var success, blocked int
	for _, e := range events {
		if ev, ok := e.(ToolResultEvent); ok && ev.ToolName == "globalQuote" {
			if ev.Blocked {
				blocked++
			} else {
				success++
			}
		}
	}
	if success != 2 {
		t.Errorf("successful results = %d, want 2", success)
	}
	if blocked != 1 {
		t.Errorf("blocked results = %d, want 1", blocked)
	}
}

// Invariant 2: LLM round-trips never exceed the iteration cap.
func TestIterationCap(t *testing.T) {
	var steps [][]*llm.Chunk
	for i := 0; i < 20; i++ {
		steps = append(steps, callStep("", models.ToolCall{
			ID: "c", Name: "globalQuote",
			Arguments: map[string]any{"symbol": string(rune('A' + i))},
		}))
	}
	env := newTestEnv(t, &scriptedProvider{steps: steps})
	env.store.maxIter = 3
	env.store.mode = string(config.BootstrapDirect)

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "go"}},
	})

	if got := len(env.provider.requests); got > 3 {
		t.Errorf("LLM round-trips = %d, want <= 3", got)
	}
	var sawInfo bool
	for _, e := range events {
		if ev, ok := e.(InfoEvent); ok && ev.Message == "Tool execution limit reached" {
			sawInfo = true
		}
	}
	if !sawInfo {
		t.Error("missing iteration-cap info event")
	}
}

// Invariant 3: every tool_call is answered by a tool_result before the next
// content event.
func TestEventOrdering(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		callStep("Checking.", models.ToolCall{
			ID: "c1", Name: "globalQuote", Arguments: map[string]any{"symbol": "AAPL"},
		}),
		textStep("AAPL trades at 123.45."),
	}})
	env.store.mode = string(config.BootstrapDirect)

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "price of AAPL"}},
	})

	pendingCalls := 0
	for _, e := range events {
		switch e.(type) {
		case ToolCallEvent:
			pendingCalls++
		case ToolResultEvent:
			pendingCalls--
		case ContentEvent:
			if pendingCalls > 0 {
				t.Fatal("content emitted while a tool_call was unanswered")
			}
		}
	}
	if pendingCalls != 0 {
		t.Errorf("%d tool_calls without results", pendingCalls)
	}
}

func TestDirectModeOmitsSearchTool(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		textStep("hi"),
	}})
	env.store.mode = string(config.BootstrapDirect)

	runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "hi"}},
	})

	names := toolNames(env.provider.requests[0].Tools)
	if contains(names, "search_tool") {
		t.Errorf("direct mode exposed search_tool: %v", names)
	}
	if !contains(names, "globalQuote") || !contains(names, "drive_list_files") {
		t.Errorf("direct mode missing visible tools: %v", names)
	}
}

func TestUnknownToolBecomesErrorResult(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		callStep("", models.ToolCall{ID: "c1", Name: "no_such_tool", Arguments: map[string]any{}}),
		textStep("Sorry, that tool does not exist."),
	}})

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		Messages: []TurnMessage{{Role: "user", Content: "use the magic tool"}},
	})

	var sawError bool
	for _, e := range events {
		if ev, ok := e.(ToolResultEvent); ok && ev.ToolName == "no_such_tool" {
			if ev.IsError && strings.Contains(ev.Result, "unknown tool") {
				sawError = true
			}
		}
	}
	if !sawError {
		t.Error("unknown tool did not produce an error result")
	}
}

// The extraction pass writes whatever the model emits and reports the count.
func TestMemoryExtraction(t *testing.T) {
	longAnswer := strings.Repeat("Alice prefers morning meetings. ", 8)
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		textStep(longAnswer),
		callStep("", models.ToolCall{
			ID: "m1", Name: memory.ToolCreateEntities,
			Arguments: map[string]any{
				"entities": []any{map[string]any{
					"name": "Alice", "entityType": "person",
					"observations": []any{"prefers morning meetings"},
				}},
			},
		}),
	}})

	_, events := runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		RoleID:   "r1",
		Messages: []TurnMessage{{Role: "user", Content: "remember Alice likes mornings"}},
	})

	var completed *MemoryTaskEvent
	for _, e := range events {
		if ev, ok := e.(MemoryTaskEvent); ok && ev.Status == "completed" {
			completed = &ev
		}
	}
	if completed == nil || completed.Count == nil {
		t.Fatal("missing memory_task completed event")
	}
	if *completed.Count != 1 {
		t.Errorf("extraction count = %d, want 1", *completed.Count)
	}

	graph, err := memory.OpenGraph(filepath.Join(env.memDir, "r1.json"))
	if err != nil {
		t.Fatal(err)
	}
	g := graph.ReadGraph()
	if len(g.Entities) != 1 || g.Entities[0].Name != "Alice" {
		t.Errorf("graph = %+v", g)
	}
}

func TestTurnPersistsMessages(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{steps: [][]*llm.Chunk{
		textStep("Hi!"),
	}})

	runTurn(t, env, &TurnRequest{
		UserID:   "u1",
		RoleID:   "r1",
		Messages: []TurnMessage{{Role: "user", Content: "Hello"}},
	})

	if len(env.store.messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(env.store.messages))
	}
	if env.store.messages[0].Author != models.AuthorUser || env.store.messages[1].Author != models.AuthorAssistant {
		t.Errorf("authors = %s, %s", env.store.messages[0].Author, env.store.messages[1].Author)
	}
}

func TestStripEmoji(t *testing.T) {
	in := "Done \U0001F389 and ready ✅ now"
	out := stripEmoji(in)
	if strings.ContainsRune(out, '\U0001F389') || strings.ContainsRune(out, '✅') {
		t.Errorf("stripEmoji left emoji: %q", out)
	}
	if !strings.Contains(out, "Done") || !strings.Contains(out, "ready") {
		t.Errorf("stripEmoji removed text: %q", out)
	}
}

func toolNames(tools []llm.ToolDef) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name)
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
