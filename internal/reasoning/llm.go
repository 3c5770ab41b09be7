package reasoning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/mcp"
)

// ErrEmptyReply is returned when the model keeps answering with
// nothing after being re-prompted.
var ErrEmptyReply = errors.New("model returned no output")

// SchemaSource supplies input schemas for actions, keyed by action
// name. [mcp.Pool] implements it.
type SchemaSource interface {
	Tools(ctx context.Context, server string) (map[string]mcp.Tool, error)
}

// Usage is the token count of one model call.
type Usage struct {
	Conversation string
	Unit         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// UsageObserver receives the usage of every model call.
type UsageObserver interface {
	RecordUsage(ctx context.Context, u Usage)
}

// UsageFunc adapts a function to the [UsageObserver] interface.
type UsageFunc func(ctx context.Context, u Usage)

// RecordUsage calls f.
func (f UsageFunc) RecordUsage(ctx context.Context, u Usage) { f(ctx, u) }

// LLM is a [Reasoner] backed by a chat-completion client.
type LLM struct {
	client       llm.Client
	schemas      SchemaSource
	usage        UsageObserver
	defaultModel string
	maxEmpty     int
	now          func() time.Time
	logger       *slog.Logger
}

// NewLLM returns a reasoner using client. schemas may be nil, in which
// case actions are offered without parameter schemas.
func NewLLM(client llm.Client, defaultModel string, schemas SchemaSource, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{
		client:       client,
		schemas:      schemas,
		defaultModel: defaultModel,
		maxEmpty:     3,
		now:          time.Now,
		logger:       logger,
	}
}

// ObserveUsage registers o to receive token counts. Call before the
// first Reason.
func (r *LLM) ObserveUsage(o UsageObserver) {
	r.usage = o
}

// Reason implements [Reasoner].
func (r *LLM) Reason(ctx context.Context, in Input) (*Outcome, error) {
	prompt := in.Prompt
	if in.Primary() && prompt == "" {
		prompt = PrimaryPrompt
	}
	system, err := RenderPrompt(prompt, in.Context, r.now())
	if err != nil {
		return nil, err
	}

	model := in.Model
	if model == "" {
		model = r.defaultModel
	}
	tools := r.tools(ctx, in)
	msgs := append([]llm.Message{{Role: llm.RoleSystem, Content: system}}, Messages(in.History)...)

	log := r.logger.With("unit", unitLabel(in.Unit), "model", model)

	for attempt := 0; ; attempt++ {
		start := time.Now()
		resp, err := r.client.Chat(ctx, model, msgs, tools)
		if err != nil {
			return nil, fmt.Errorf("%s reasoning: %w", unitLabel(in.Unit), err)
		}
		log.Debug("reasoning call complete",
			"attempt", attempt+1,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
		)
		if r.usage != nil {
			r.usage.RecordUsage(ctx, Usage{
				Conversation: in.Conversation,
				Unit:         in.Unit,
				Model:        model,
				InputTokens:  resp.InputTokens,
				OutputTokens: resp.OutputTokens,
			})
		}

		if len(resp.Message.ToolCalls) > 0 || strings.TrimSpace(resp.Message.Content) != "" {
			return decode(resp.Message, in), nil
		}
		if attempt+1 >= r.maxEmpty {
			return nil, fmt.Errorf("%s reasoning: %w after %d attempts", unitLabel(in.Unit), ErrEmptyReply, attempt+1)
		}
		log.Warn("empty model response, re-prompting")
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: RePrompt})
	}
}

// tools builds the tool list for a unit: its actions with their
// server schemas, the escalation tool for specialists, and one
// delegation tool per target.
func (r *LLM) tools(ctx context.Context, in Input) []llm.Tool {
	var schemas map[string]mcp.Tool
	if r.schemas != nil && len(in.Actions) > 0 {
		var err error
		schemas, err = r.schemas.Tools(ctx, in.Server)
		if err != nil {
			r.logger.Warn("action schemas unavailable", "unit", in.Unit, "server", in.Server, "error", err)
		}
	}

	out := make([]llm.Tool, 0, len(in.Actions)+len(in.Targets)+1)
	for _, a := range in.Actions {
		t := llm.Tool{Name: a, Description: a}
		if s, ok := schemas[a]; ok {
			if s.Description != "" {
				t.Description = s.Description
			}
			t.Parameters = s.InputSchema
		}
		out = append(out, t)
	}
	if !in.Primary() {
		out = append(out, escalateTool())
	}
	for _, t := range in.Targets {
		out = append(out, delegateTool(t))
	}
	return out
}

// decode turns a model message into an outcome. An escalation call wins
// over everything else in the same message, then the first delegation,
// then the remaining calls are proposals in the order given.
func decode(m llm.Message, in Input) *Outcome {
	if len(m.ToolCalls) == 0 {
		return Reply(m.Content)
	}

	for _, tc := range m.ToolCalls {
		if tc.Name != EscalateTool {
			continue
		}
		o := &Outcome{Kind: KindEscalate, Text: m.Content, Cancel: true}
		if c, ok := tc.Arguments["cancel"].(bool); ok {
			o.Cancel = c
		}
		o.Reason, _ = tc.Arguments["reason"].(string)
		return o
	}

	for _, tc := range m.ToolCalls {
		if !strings.HasPrefix(tc.Name, DelegatePrefix) || slices.Contains(in.Actions, tc.Name) {
			continue
		}
		req, _ := tc.Arguments["request"].(string)
		return &Outcome{
			Kind:    KindDelegate,
			Text:    m.Content,
			Target:  strings.TrimPrefix(tc.Name, DelegatePrefix),
			Request: req,
		}
	}

	o := &Outcome{Kind: KindPropose, Text: m.Content}
	for _, tc := range m.ToolCalls {
		o.Calls = append(o.Calls, ProposedCall{Action: tc.Name, Arguments: tc.Arguments})
	}
	return o
}
