// Package action is the boundary to the side-effecting action servers.
// An [Invoker] performs one action and always returns a [Result];
// failures are data, not errors, so they can be recorded in the
// conversation like any other outcome.
package action

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/concierge/internal/mcp"
)

// Call identifies one action to perform.
type Call struct {
	// ID is the proposal ID the call executes.
	ID         string         `json:"id"`
	Specialist string         `json:"specialist"`
	Server     string         `json:"server,omitempty"`
	Action     string         `json:"action"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// Result is the outcome of an action.
type Result struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`

	// Data carries the structured payload when the server returned one
	// or the output was a JSON object.
	Data map[string]any `json:"data,omitempty"`
}

// Failure returns a failed result with the given detail.
func Failure(detail string) Result {
	return Result{OK: false, Output: detail}
}

// Invoker performs actions. Implementations must not return without a
// result and must honour context cancellation.
type Invoker interface {
	Invoke(ctx context.Context, call Call) Result
}

// Func adapts a function to the [Invoker] interface.
type Func func(ctx context.Context, call Call) Result

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, call Call) Result { return f(ctx, call) }

// Caller is the subset of [mcp.Pool] the MCP invoker needs.
type Caller interface {
	CallTool(ctx context.Context, server, name string, args map[string]any) (*mcp.CallResult, error)
}

// MCPInvoker performs actions with tools/call on the specialist's
// action server.
type MCPInvoker struct {
	caller  Caller
	timeout time.Duration
	logger  *slog.Logger
}

// NewMCPInvoker returns an invoker backed by caller. A zero timeout
// leaves the deadline to the caller's context.
func NewMCPInvoker(caller Caller, timeout time.Duration, logger *slog.Logger) *MCPInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPInvoker{caller: caller, timeout: timeout, logger: logger}
}

// Invoke implements [Invoker].
func (m *MCPInvoker) Invoke(ctx context.Context, call Call) Result {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	log := m.logger.With(
		"conversation", ConversationID(ctx),
		"specialist", call.Specialist,
		"action", call.Action,
		"call_id", call.ID,
	)

	res, err := m.caller.CallTool(ctx, call.Server, call.Action, call.Arguments)
	if err != nil {
		log.Warn("action call failed", "error", err)
		return Failure(err.Error())
	}

	text := res.Text()
	out := Result{OK: !res.IsError, Output: text, Data: res.StructuredContent}
	if out.Data == nil {
		out.Data = parseObject(text)
	}
	if res.IsError {
		log.Info("action reported failure", "output", text)
	} else {
		log.Debug("action completed", "output_len", len(text))
	}
	return out
}

// parseObject decodes text as a JSON object, or returns nil.
func parseObject(text string) map[string]any {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		return nil
	}
	return m
}
