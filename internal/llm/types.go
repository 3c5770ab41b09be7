// Package llm holds the chat-completion clients that back the
// reasoning step: Anthropic's Messages API, a local Ollama server, and
// a router that picks between them by model name.
package llm

import (
	"context"
	"log/slog"
)

// levelTrace matches config.LevelTrace; wire payloads log at this level.
const levelTrace = slog.Level(-8)

// Roles used in [Message.Role].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one provider-neutral chat message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on RoleTool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes a function the model may call. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Response is the provider-neutral completion result.
type Response struct {
	Model        string
	Message      Message
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client is implemented by every provider.
type Client interface {
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*Response, error)
	Ping(ctx context.Context) error
}

// emptySchema is used for tools declared without parameters.
func emptySchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
