// Package router is the primary router: the unit that owns the
// conversation when no specialist is active. It only answers the human
// directly or hands the conversation to a specialist; it never runs
// actions itself.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/reasoning"
)

// Kind is the type of a [Decision].
type Kind string

const (
	// Reply means the router answered the human; the turn ends.
	Reply Kind = "reply"
	// Delegate means a specialist should take over.
	Delegate Kind = "delegate"
	// Retry means the router made an invalid call, which was recorded
	// as a failed result, and should reason again.
	Retry Kind = "retry"
)

// Decision is the result of one router step.
type Decision struct {
	Kind    Kind
	CallID  string
	Target  string
	Request string
}

// Router routes with a reasoner over the catalog's specialists.
type Router struct {
	catalog  *catalog.Catalog
	reasoner reasoning.Reasoner
	prompt   string
	model    string
	logger   *slog.Logger
}

// Option configures a [Router].
type Option func(*Router)

// WithPrompt overrides the router's system prompt template.
func WithPrompt(p string) Option {
	return func(r *Router) { r.prompt = p }
}

// WithModel sets the model used for routing.
func WithModel(m string) Option {
	return func(r *Router) { r.model = m }
}

// New returns a router over cat.
func New(cat *catalog.Catalog, r reasoning.Reasoner, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		catalog:  cat,
		reasoner: r,
		prompt:   reasoning.PrimaryPrompt,
		logger:   logger.With("unit", "primary"),
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Step makes one routing call. A reasoning error is returned unchanged
// and leaves the state untouched.
func (r *Router) Step(ctx context.Context, st *conversation.State) (*Decision, error) {
	out, err := r.reasoner.Reason(ctx, r.input(st))
	if err != nil {
		return nil, err
	}
	log := r.logger.With("conversation", st.ID)

	switch out.Kind {
	case reasoning.KindReply:
		st.Append(conversation.AssistantEntry("", out.Text))
		return &Decision{Kind: Reply}, nil

	case reasoning.KindDelegate:
		id := conversation.NewID()
		name := reasoning.DelegateTool(out.Target)
		st.Append(conversation.CallsEntry("", out.Text, []conversation.Call{{
			ID:        id,
			Name:      name,
			Arguments: map[string]any{"request": out.Request},
		}}))
		if !r.catalog.Has(out.Target) {
			log.Warn("delegation to unknown specialist", "target", out.Target)
			st.Append(conversation.ResultEntry("", id, name, conversation.StatusFailed,
				action.FailureText(fmt.Sprintf("there is no specialist %q", out.Target))))
			return &Decision{Kind: Retry}, nil
		}
		log.Info("delegating", "target", out.Target)
		return &Decision{Kind: Delegate, CallID: id, Target: out.Target, Request: out.Request}, nil

	case reasoning.KindPropose, reasoning.KindEscalate:
		// Actions belong to specialists and there is nothing beneath
		// the router to escalate to.
		calls := r.invalidCalls(out)
		if len(calls) == 0 {
			st.Append(conversation.AssistantEntry("", out.Text))
			return &Decision{Kind: Reply}, nil
		}
		st.Append(conversation.CallsEntry("", out.Text, calls))
		for _, c := range calls {
			st.Append(conversation.ResultEntry("", c.ID, c.Name, conversation.StatusFailed,
				action.FailureText(fmt.Sprintf("%s is not available here; transfer the request to a specialist", c.Name))))
		}
		log.Warn("router made invalid calls", "count", len(calls))
		return &Decision{Kind: Retry}, nil
	}

	return nil, fmt.Errorf("primary: unknown outcome kind %q", out.Kind)
}

func (r *Router) invalidCalls(out *reasoning.Outcome) []conversation.Call {
	if out.Kind == reasoning.KindEscalate {
		return []conversation.Call{{
			ID:        conversation.NewID(),
			Name:      reasoning.EscalateTool,
			Arguments: map[string]any{"cancel": out.Cancel, "reason": out.Reason},
		}}
	}
	calls := make([]conversation.Call, 0, len(out.Calls))
	for _, c := range out.Calls {
		calls = append(calls, conversation.Call{ID: conversation.NewID(), Name: c.Action, Arguments: c.Arguments})
	}
	return calls
}

func (r *Router) input(st *conversation.State) reasoning.Input {
	in := reasoning.Input{
		Conversation: st.ID,
		Name:         "Primary Assistant",
		Prompt:       r.prompt,
		Model:        r.model,
		History:      slices.Clone(st.History),
		Context:      maps.Clone(st.Context),
	}
	for _, s := range r.catalog.Specialists() {
		in.Targets = append(in.Targets, reasoning.Target{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	return in
}
