// Package agent drives an LLM through a bounded tool-calling loop to
// investigate an alert and propose a remediation plan. The agent never
// executes mutating commands itself: it proposes, and the orchestrator
// validates and executes.
package agent

import "context"

// Message is one chat turn.
type Message struct {
	Role       string      `json:"role"` // "user" or "assistant"
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolCall is one tool invocation emitted by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResult carries a tool's output back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Tool is a tool definition offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatRequest is a request to the provider.
type ChatRequest struct {
	Messages  []Message
	Model     string
	MaxTokens int
	System    string
	Tools     []Tool
}

// ChatResponse is the provider's reply.
type ChatResponse struct {
	Content      string
	StopReason   string // "end_turn", "tool_use", "max_tokens"
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is an LLM that supports multi-turn tool calling.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	TestConnection(ctx context.Context) error
	Name() string
}
