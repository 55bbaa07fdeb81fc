// Package llm abstracts the chat-completion providers the agent can plan
// with. Both providers speak the same Request/Response shape, including
// native tool (function) calling, so the conversation layer never branches
// on provider.
package llm

import (
	"context"
	"encoding/json"
)

// Chat roles used in Request.Messages.
const (
	ChatRoleSystem    = "system"
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
	ChatRoleTool      = "tool"
)

// ChatMessage is one turn in the conversation sent to the model. Assistant
// turns may carry tool calls; tool turns carry the result of one call.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
}

// ToolCall is a model request to invoke one named tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Schema is a JSON-schema subset covering the tool parameter shapes both
// providers accept.
type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Items       *Schema           `json:"items,omitempty"`
	Required    []string          `json:"required,omitempty"`
	Enum        []string          `json:"enum,omitempty"`
}

// ToolSpec declares one tool the model may call.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	System      []string
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// Response is the model's reply: free text, tool calls, or both.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      TokenUsage
}

type TokenUsage struct {
	InputTokens  int32
	OutputTokens int32
	TotalTokens  int32
}

// Client is implemented by each provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// argumentsToMap decodes tool-call arguments for providers that want a
// structured value. Non-object payloads are wrapped under "value".
func argumentsToMap(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"value": string(raw)}
	}
	return m
}

// resultToMap decodes a tool result body the same way.
func resultToMap(content string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return map[string]any{"result": content}
	}
	return m
}

// schemaToMap renders a Schema as the plain JSON-schema document Bedrock's
// tool configuration expects.
func schemaToMap(s Schema) map[string]any {
	out := map[string]any{"type": s.Type}
	if s.Description != "" {
		out["description"] = s.Description
	}
	if len(s.Properties) > 0 {
		props := make(map[string]any, len(s.Properties))
		for name, prop := range s.Properties {
			props[name] = schemaToMap(prop)
		}
		out["properties"] = props
	}
	if s.Items != nil {
		out["items"] = schemaToMap(*s.Items)
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	if len(s.Enum) > 0 {
		out["enum"] = s.Enum
	}
	return out
}
