package orchestrator

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/pkg/models"
)

// minExtractableLength is the assistant-text length at or below which the
// extraction pass is skipped.
const minExtractableLength = 100

const extractSystemPrompt = `You extract durable facts from a conversation into a knowledge graph.
Identify 1-5 notable facts about the user, the people, projects, or preferences discussed.
Record them with the memory tools: memory_create_entities for new entities,
memory_add_observations for facts about existing entities, memory_create_relations
for relationships. Skip small talk and transient details. Do not reply with text.`

// runMemoryExtraction performs the bounded post-turn memory pass. It never
// fails the turn: timeouts and errors report a completed task with count 0.
func (o *Orchestrator) runMemoryExtraction(ctx context.Context, req *TurnRequest, userText, assistantText string, events chan<- any) {
	if len(assistantText) <= minExtractableLength || userText == "" || req.RoleID == "" {
		events <- newMemoryTaskEvent("completed", intPtr(0))
		return
	}

	events <- newMemoryTaskEvent("started", nil)

	extractCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.chatCfg.ExtractTimeout)
	defer cancel()

	count := o.extract(extractCtx, req, userText, assistantText)
	events <- newMemoryTaskEvent("completed", intPtr(count))
}

func (o *Orchestrator) extract(ctx context.Context, req *TurnRequest, userText, assistantText string) int {
	writeTools := make([]llm.ToolDef, 0, 3)
	for _, name := range memory.WriteTools() {
		if desc, ok := o.catalog.Tool(name); ok {
			writeTools = append(writeTools, llm.ToolDef{
				Name:        desc.Name,
				Description: desc.Description,
				InputSchema: desc.InputSchema,
			})
		}
	}
	if len(writeTools) == 0 {
		return 0
	}

	stream, err := o.provider.Stream(ctx, &llm.Request{
		System: extractSystemPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: "Conversation:\n\nUser: " + userText + "\n\nAssistant: " + assistantText},
		},
		Tools: writeTools,
	})
	if err != nil {
		o.logger.Warn("memory extraction stream failed", "error", err)
		return 0
	}

	var calls []models.ToolCall
	for chunk := range stream {
		if chunk.Error != nil {
			if !errors.Is(chunk.Error, context.DeadlineExceeded) {
				o.logger.Warn("memory extraction failed", "error", chunk.Error)
			}
			return 0
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
	}
	if len(calls) == 0 {
		return 0
	}

	ad, err := o.factory.GetAdapter(ctx, req.UserID, memory.ProviderKey, req.RoleID)
	if err != nil {
		o.logger.Warn("memory adapter unavailable for extraction", "error", err)
		return 0
	}

	count := 0
	for _, call := range calls {
		result, err := ad.CallTool(ctx, call.Name, call.Arguments)
		if err != nil || result.IsError {
			o.logger.Warn("memory write failed", "tool", call.Name, "error", err)
			continue
		}
		count++
	}
	return count
}
