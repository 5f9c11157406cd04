package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/catalog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/resolver"
	"github.com/haasonsaas/relay/pkg/models"
)

// TurnStore is the persistence surface a turn needs.
type TurnStore interface {
	GetRole(ctx context.Context, id string) (*models.Role, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListAccounts(ctx context.Context, userID string) ([]string, error)
	MaxIterations(ctx context.Context, def int) int
	BootstrapMode(ctx context.Context, def string) string
}

// TurnMessage is one inbound conversation entry.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the input of one chat turn.
type TurnRequest struct {
	UserID     string        `json:"-"`
	Messages   []TurnMessage `json:"messages"`
	RoleID     string        `json:"role_id,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
	Locale     string        `json:"locale,omitempty"`
	ViewerFile *ViewerFile   `json:"viewer_file,omitempty"`
}

// Orchestrator executes chat turns.
type Orchestrator struct {
	factory  *adapter.Factory
	registry *adapter.Registry
	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	cache    *cache.Store
	store    TurnStore
	provider llm.Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
	chatCfg  config.ChatConfig
	catCfg   config.CatalogConfig
	now      func() time.Time
}

// Options configures the orchestrator.
type Options struct {
	Factory   *adapter.Factory
	Registry  *adapter.Registry
	Catalog   *catalog.Catalog
	Resolver  *resolver.Resolver
	Cache     *cache.Store
	Store     TurnStore
	Provider  llm.Provider
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Chat      config.ChatConfig
	Discovery config.CatalogConfig
	Now       func() time.Time
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "orchestrator")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Chat
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 12 * time.Second
	}
	catCfg := opts.Discovery
	if catCfg.BootstrapMode == "" {
		catCfg.BootstrapMode = config.BootstrapSearch
	}
	if catCfg.SearchLimit <= 0 {
		catCfg.SearchLimit = 5
	}

	return &Orchestrator{
		factory:  opts.Factory,
		registry: opts.Registry,
		catalog:  opts.Catalog,
		resolver: opts.Resolver,
		cache:    opts.Cache,
		store:    opts.Store,
		provider: opts.Provider,
		logger:   logger,
		metrics:  opts.Metrics,
		chatCfg:  cfg,
		catCfg:   catCfg,
		now:      now,
	}
}

// turnState tracks per-turn loop progress.
type turnState struct {
	req      *TurnRequest
	role     *models.Role
	messages []llm.Message
	visible  []models.ToolDescriptor

	lastCallKey string
	repeatCount int
	expanded    bool
	iterations  int
}

// RunTurn executes one chat turn, emitting SSE events on the channel. It
// returns the final assistant text. The caller owns the channel and emits
// the terminal [DONE] frame after this returns.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest, events chan<- any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.chatCfg.TurnTimeout)
	defer cancel()

	text, err := o.runTurn(ctx, req, events)
	if o.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		o.metrics.TurnCounter.WithLabelValues(status).Inc()
	}
	if err != nil {
		events <- newErrorEvent(err.Error())
	}
	return text, err
}

func (o *Orchestrator) runTurn(ctx context.Context, req *TurnRequest, events chan<- any) (string, error) {
	state := &turnState{req: req}

	// Role-scoped adapters must be live before the catalog refresh so their
	// tools land in the index.
	if req.RoleID != "" {
		role, err := o.store.GetRole(ctx, req.RoleID)
		if err != nil {
			return "", fmt.Errorf("load role: %w", err)
		}
		state.role = role
		o.loadRoleAdapters(ctx, req.UserID, req.RoleID)
	}

	if err := o.catalog.Refresh(ctx); err != nil {
		return "", fmt.Errorf("refresh catalog: %w", err)
	}
	if o.metrics != nil {
		o.metrics.CatalogTools.Set(float64(o.catalog.Size()))
	}

	maxIterations := o.store.MaxIterations(ctx, o.chatCfg.MaxIterations)
	bootstrapMode := config.BootstrapMode(o.store.BootstrapMode(ctx, string(o.catCfg.BootstrapMode)))

	accounts, err := o.store.ListAccounts(ctx, req.UserID)
	if err != nil {
		o.logger.Warn("list accounts failed", "error", err)
	}

	system := buildSystemPrompt(systemPromptInput{
		Now:           o.now(),
		Timezone:      req.Timezone,
		Locale:        req.Locale,
		Role:          state.role,
		Accounts:      accounts,
		ViewerFile:    req.ViewerFile,
		BootstrapMode: bootstrapMode,
	})

	state.visible = o.bootstrapTools(bootstrapMode)
	state.messages = make([]llm.Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		state.messages = append(state.messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}

	var finalText string
	capReached := true

	for state.iterations < maxIterations {
		select {
		case <-ctx.Done():
			return finalText, ctx.Err()
		default:
		}

		text, calls, err := o.streamIteration(ctx, system, state, events)
		if err != nil {
			return finalText, err
		}
		state.iterations++
		finalText = text

		if len(calls) == 0 {
			capReached = false
			break
		}

		state.messages = append(state.messages, llm.Message{
			Role:      "assistant",
			Content:   text,
			ToolCalls: calls,
		})

		for _, call := range calls {
			o.handleToolCall(ctx, state, call, events)
		}
	}

	if capReached {
		events <- newInfoEvent("Tool execution limit reached")
	}
	if o.metrics != nil {
		o.metrics.TurnIterations.Observe(float64(state.iterations))
	}

	o.persistTurn(ctx, req, finalText)
	o.runMemoryExtraction(ctx, req, lastUserText(req), finalText, events)

	return finalText, nil
}

// streamIteration performs one LLM round-trip, forwarding sanitized text
// chunks and collecting tool calls.
func (o *Orchestrator) streamIteration(ctx context.Context, system string, state *turnState, events chan<- any) (string, []models.ToolCall, error) {
	llmReq := &llm.Request{
		System:   system,
		Messages: state.messages,
		Tools:    toToolDefs(state.visible),
	}
	if state.role != nil && state.role.Model != "" {
		llmReq.Model = state.role.Model
	}

	stream, err := o.provider.Stream(ctx, llmReq)
	if err != nil {
		return "", nil, fmt.Errorf("llm stream: %w", err)
	}

	var text strings.Builder
	var calls []models.ToolCall
	for chunk := range stream {
		if chunk.Error != nil {
			return text.String(), nil, fmt.Errorf("llm stream: %w", chunk.Error)
		}
		if chunk.Text != "" {
			sanitized := stripEmoji(chunk.Text)
			text.WriteString(sanitized)
			if sanitized != "" {
				events <- ContentEvent{Content: sanitized}
				if o.chatCfg.ChunkDelay > 0 {
					select {
					case <-time.After(o.chatCfg.ChunkDelay):
					case <-ctx.Done():
					}
				}
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	return text.String(), calls, nil
}

// handleToolCall runs loop detection, discovery expansion, resolution,
// execution, and post-processing for one call, then feeds the result back
// into the conversation.
func (o *Orchestrator) handleToolCall(ctx context.Context, state *turnState, call models.ToolCall, events chan<- any) {
	events <- newToolCallEvent(call)

	key := call.Name + "\x00" + call.ArgsJSON()
	if key == state.lastCallKey {
		state.repeatCount++
	} else {
		state.lastCallKey = key
		state.repeatCount = 1
	}

	serverID, _ := o.catalog.FindServer(call.Name)
	if call.Name == catalog.SearchToolName {
		serverID = "catalog"
	}

	if state.repeatCount >= 3 {
		blockedText := "Blocked: this exact tool call was already made twice in a row. Change the arguments or take a different approach."
		event := newToolResultEvent(call.Name, serverID, blockedText)
		event.Blocked = true
		events <- event
		o.appendToolResult(state, call.Name, blockedText)
		if o.metrics != nil {
			o.metrics.ToolCallCounter.WithLabelValues(serverID, "blocked").Inc()
		}
		return
	}

	result := o.executeCall(ctx, state, call)

	event := newToolResultEvent(call.Name, serverID, result.Text)
	event.Metadata = result.Metadata
	event.Accounts = result.Accounts
	event.IsError = result.IsError
	events <- event

	o.appendToolResult(state, call.Name, result.Text)

	if o.metrics != nil {
		status := "success"
		if result.IsError {
			status = "error"
		}
		o.metrics.ToolCallCounter.WithLabelValues(serverID, status).Inc()
	}
}

func (o *Orchestrator) executeCall(ctx context.Context, state *turnState, call models.ToolCall) *adapter.Result {
	if call.Name == catalog.SearchToolName {
		return o.executeSearchTool(ctx, state, call)
	}

	serverID, ok := o.catalog.FindServer(call.Name)
	if !ok {
		return adapter.ErrorResult("unknown tool: %s", call.Name)
	}

	if desc, ok := o.catalog.Tool(call.Name); ok {
		if err := adapter.ValidateArgs(desc, call.Arguments); err != nil {
			return adapter.ErrorResult("%v", err)
		}
	}

	args := o.resolver.Resolve(ctx, state.req.UserID, call.Arguments)

	ad, err := o.factory.GetAdapter(ctx, state.req.UserID, serverID, state.req.RoleID)
	if err != nil {
		if authErr := asAuthError(err); authErr != nil {
			res := adapter.ErrorResult("authentication required for %s: %v", serverID, err)
			res.Metadata = map[string]any{"authRequired": true, "provider": serverID}
			return res
		}
		return adapter.ErrorResult("adapter unavailable for %s: %v", serverID, err)
	}

	start := o.now()
	result, err := ad.CallTool(ctx, call.Name, args)
	if o.metrics != nil {
		o.metrics.ToolCallDuration.WithLabelValues(serverID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return adapter.ErrorResult("tool %s failed: %v", call.Name, err)
	}

	return o.postProcess(serverID, call.Name, call.Arguments, result)
}

// executeSearchTool runs the discovery meta tool and, once per turn,
// expands the visible toolset with the top matches.
func (o *Orchestrator) executeSearchTool(ctx context.Context, state *turnState, call models.ToolCall) *adapter.Result {
	query, _ := call.Arguments["query"].(string)
	if strings.TrimSpace(query) == "" {
		return adapter.ErrorResult("search_tool requires a query")
	}
	limit := o.catCfg.SearchLimit
	if raw, ok := call.Arguments["limit"].(float64); ok && int(raw) > 0 {
		limit = int(raw)
	}

	listing, refs, err := o.catalog.ExecuteSearch(ctx, query, limit)
	if err != nil {
		return adapter.ErrorResult("tool search failed: %v", err)
	}

	if !state.expanded {
		names := make([]string, 0, len(refs))
		for _, ref := range refs {
			names = append(names, ref.Name)
		}
		if len(names) == 0 {
			// Results lost their refs; fall back to scraping the listing.
			names = catalog.ParseSearchResults(listing)
		}
		o.expandVisible(state, names)
		state.expanded = true
	}

	return adapter.TextResult(listing)
}

func (o *Orchestrator) expandVisible(state *turnState, names []string) {
	have := make(map[string]bool, len(state.visible))
	for _, tool := range state.visible {
		have[tool.Name] = true
	}
	for _, name := range names {
		if have[name] {
			continue
		}
		if desc, ok := o.catalog.Tool(name); ok {
			state.visible = append(state.visible, desc)
			have[name] = true
		}
	}
}

// bootstrapTools assembles the initial visible toolset.
func (o *Orchestrator) bootstrapTools(mode config.BootstrapMode) []models.ToolDescriptor {
	var visible []models.ToolDescriptor

	if mode == config.BootstrapDirect {
		for _, tool := range o.catalog.AllTools() {
			if spec, ok := o.registry.Spec(tool.Provider); ok && spec.Visibility == models.VisibilityHidden {
				continue
			}
			visible = append(visible, tool)
		}
	} else {
		visible = append(visible, catalog.SearchToolDescriptor(o.catCfg.SearchLimit))
	}

	// The memory-retrieval tools are always available.
	for _, name := range memory.RetrievalTools() {
		if desc, ok := o.catalog.Tool(name); ok && !containsTool(visible, name) {
			visible = append(visible, desc)
		}
	}
	return visible
}

// loadRoleAdapters warms the per-role providers so their tools are listed.
func (o *Orchestrator) loadRoleAdapters(ctx context.Context, userID, roleID string) {
	for _, spec := range o.registry.Specs() {
		if spec.Scope != models.ScopePerRole {
			continue
		}
		if _, err := o.factory.GetAdapter(ctx, userID, spec.Key, roleID); err != nil {
			o.logger.Warn("load role adapter failed", "provider", spec.Key, "error", err)
		}
	}
}

func (o *Orchestrator) appendToolResult(state *turnState, toolName, text string) {
	state.messages = append(state.messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Tool result for %s:\n%s", toolName, text),
	})
}

// persistTurn records the inbound user message and the final assistant
// reply. Persistence failures are logged, never fatal to the turn.
func (o *Orchestrator) persistTurn(ctx context.Context, req *TurnRequest, assistantText string) {
	if userText := lastUserText(req); userText != "" {
		msg := &models.Message{
			UserID:  req.UserID,
			RoleID:  req.RoleID,
			Author:  models.AuthorUser,
			Content: userText,
		}
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			o.logger.Warn("persist user message failed", "error", err)
		}
	}
	if assistantText != "" {
		msg := &models.Message{
			UserID:  req.UserID,
			RoleID:  req.RoleID,
			Author:  models.AuthorAssistant,
			Content: assistantText,
		}
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			o.logger.Warn("persist assistant message failed", "error", err)
		}
	}
}

// RunJobTurn replays a scheduled job's prompt through a full turn with a
// discarded event stream, returning the final assistant text.
func (o *Orchestrator) RunJobTurn(ctx context.Context, userID, roleID, prompt string) (string, error) {
	events := make(chan any, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range events {
		}
	}()

	req := &TurnRequest{
		UserID:   userID,
		RoleID:   roleID,
		Messages: []TurnMessage{{Role: "user", Content: prompt}},
	}
	text, err := o.RunTurn(ctx, req, events)
	close(events)
	<-done
	return text, err
}

func lastUserText(req *TurnRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func toToolDefs(tools []models.ToolDescriptor) []llm.ToolDef {
	out := make([]llm.ToolDef, 0, len(tools))
	for _, tool := range tools {
		out = append(out, llm.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return out
}

func containsTool(tools []models.ToolDescriptor, name string) bool {
	for _, tool := range tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

func asAuthError(err error) error {
	for _, sentinel := range []error{auth.ErrAuthMissing, auth.ErrAuthExpired, adapter.ErrAPIKeyMissing} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

// stripEmoji removes emoji and pictographic symbols from a chunk.
func stripEmoji(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, emoticons, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	default:
		return false
	}
}
