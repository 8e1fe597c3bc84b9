package llm

import (
	"context"
	"strings"
)

// Role tags a conversation message. Values outside the four constants are
// normalized at the boundary via ParseRole.
type Role string

const (
	RoleSystem    Role = "system"
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole maps free-form role strings from external payloads onto the
// internal tagged roles. Unknown roles become RoleHuman.
func ParseRole(raw string) Role {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "system", "developer":
		return RoleSystem
	case "assistant", "ai", "model":
		return RoleAssistant
	case "tool", "function":
		return RoleTool
	default:
		return RoleHuman
	}
}

// ToolCall is an operation invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message represents a chat message. ToolCalls is populated only on
// assistant messages, ToolID/ToolName only on tool result messages.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	ToolID    string     `json:"tool_id,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

// HumanMessage builds a human turn.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// SystemMessage builds a system message.
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// AssistantMessage builds an assistant turn, optionally carrying invocations.
func AssistantMessage(content string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolMessage builds a tool result paired to the invocation callID.
func ToolMessage(callID, toolName, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolID: callID, ToolName: toolName}
}

// ToolDef describes an operation exposed to the model.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"` // JSON Schema object
}

// CompletionRequest represents a completion request
type CompletionRequest struct {
	Messages     []Message `json:"messages"`
	Tools        []ToolDef `json:"tools,omitempty"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// CompletionResponse represents a completion response
type CompletionResponse struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Client is the interface for LLM clients
type Client interface {
	// Complete sends a completion request and returns the response
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	// ModelName returns the model identifier
	ModelName() string
}
