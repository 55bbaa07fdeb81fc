package conversation

import (
	"context"

	"github.com/healthsched/platform/internal/llm"
)

// Decision is what the planning step produced for one reasoning call: free
// text, tool calls, or both.
type Decision struct {
	Text      string
	ToolCalls []llm.ToolCall
}

// PlanRequest is the input to one reasoning call.
type PlanRequest struct {
	System   []string
	Messages []llm.ChatMessage
	Tools    []llm.ToolSpec
}

// Planner is the reasoning step. The controller enforces the iteration
// ceiling outside this interface, so loop termination never depends on the
// planner behaving.
type Planner interface {
	Decide(ctx context.Context, req PlanRequest) (Decision, error)
}

// LLMPlanner adapts an llm.Client into a Planner.
type LLMPlanner struct {
	client      llm.Client
	model       string
	maxTokens   int32
	temperature float32
}

func NewLLMPlanner(client llm.Client, model string) *LLMPlanner {
	return &LLMPlanner{
		client:      client,
		model:       model,
		maxTokens:   1024,
		temperature: 0.2,
	}
}

func (p *LLMPlanner) Decide(ctx context.Context, req PlanRequest) (Decision, error) {
	resp, err := p.client.Complete(ctx, llm.Request{
		Model:       p.model,
		System:      req.System,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{Text: resp.Text, ToolCalls: resp.ToolCalls}, nil
}
