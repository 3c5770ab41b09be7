// Package specialist runs one domain unit: it asks the reasoner what
// the unit should do, classifies every proposed action, executes safe
// ones at once and sends the first sensitive one to the confirmation
// gate.
package specialist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/reasoning"
)

// Signal tells the driver what to do after a step.
type Signal string

const (
	// SignalReply means the unit answered the human; the turn ends.
	SignalReply Signal = "reply"
	// SignalContinue means results were recorded and the unit should
	// reason again.
	SignalContinue Signal = "continue"
	// SignalSuspended means a sensitive action awaits a verdict.
	SignalSuspended Signal = "suspended"
	// SignalEscalate means the unit hands control back.
	SignalEscalate Signal = "escalate"
	// SignalDelegate means the unit hands control to a specialist.
	SignalDelegate Signal = "delegate"
)

// Turn is the result of one step.
type Turn struct {
	Signal Signal

	// CallID is the escalation or delegation call the next entry
	// answers.
	CallID string

	Reason  string
	Target  string
	Request string
}

// Unit is a specialist bound to its collaborators. It holds no
// per-conversation state.
type Unit struct {
	def      catalog.Specialist
	catalog  *catalog.Catalog
	reasoner reasoning.Reasoner
	gate     *gate.Gate
	invoker  action.Invoker
	logger   *slog.Logger
}

// New returns the unit for the specialist with the given ID.
func New(id string, cat *catalog.Catalog, r reasoning.Reasoner, g *gate.Gate, inv action.Invoker, logger *slog.Logger) (*Unit, error) {
	def, ok := cat.Specialist(id)
	if !ok {
		return nil, fmt.Errorf("unknown specialist %q", id)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Unit{
		def:      def,
		catalog:  cat,
		reasoner: r,
		gate:     g,
		invoker:  inv,
		logger:   logger.With("unit", id),
	}, nil
}

// ID returns the specialist ID.
func (u *Unit) ID() string { return u.def.ID }

// Name returns the display name.
func (u *Unit) Name() string { return u.def.Name }

// Enter records the unit's entry announcement, answering the
// delegation call callID.
func (u *Unit) Enter(st *conversation.State, callID, request string) error {
	text, err := u.catalog.Announce(u.def.ID, request)
	if err != nil {
		return err
	}
	st.Append(conversation.AnnouncementEntry(u.def.ID, callID, text))
	u.logger.Info("specialist entered", "conversation", st.ID, "depth", st.Depth())
	return nil
}

// Step makes one reasoning call and dispatches its outcome. A reasoning
// error is returned unchanged and leaves the state untouched.
func (u *Unit) Step(ctx context.Context, st *conversation.State) (*Turn, error) {
	out, err := u.reasoner.Reason(ctx, u.input(st))
	if err != nil {
		return nil, err
	}

	log := u.logger.With("conversation", st.ID)

	switch out.Kind {
	case reasoning.KindReply:
		st.Append(conversation.AssistantEntry(u.def.ID, out.Text))
		return &Turn{Signal: SignalReply}, nil

	case reasoning.KindPropose:
		if len(out.Calls) == 0 {
			st.Append(conversation.AssistantEntry(u.def.ID, out.Text))
			return &Turn{Signal: SignalReply}, nil
		}
		batch := make([]conversation.Proposal, 0, len(out.Calls))
		calls := make([]conversation.Call, 0, len(out.Calls))
		for _, c := range out.Calls {
			p := conversation.Proposal{
				ID:           conversation.NewID(),
				SpecialistID: u.def.ID,
				Action:       c.Action,
				Arguments:    c.Arguments,
				Status:       conversation.StatusProposed,
			}
			if class, err := u.catalog.Classify(u.def.ID, c.Action); err == nil {
				p.Classification = class
			}
			batch = append(batch, p)
			calls = append(calls, p.Call())
		}
		st.Append(conversation.CallsEntry(u.def.ID, out.Text, calls))
		log.Debug("actions proposed", "count", len(batch))
		return u.dispatch(ctx, st, batch), nil

	case reasoning.KindEscalate:
		id := conversation.NewID()
		st.Append(conversation.CallsEntry(u.def.ID, out.Text, []conversation.Call{{
			ID:        id,
			Name:      reasoning.EscalateTool,
			Arguments: map[string]any{"cancel": out.Cancel, "reason": out.Reason},
		}}))
		log.Info("specialist escalating", "reason", out.Reason)
		return &Turn{Signal: SignalEscalate, CallID: id, Reason: out.Reason}, nil

	case reasoning.KindDelegate:
		id := conversation.NewID()
		name := reasoning.DelegateTool(out.Target)
		st.Append(conversation.CallsEntry(u.def.ID, out.Text, []conversation.Call{{
			ID:        id,
			Name:      name,
			Arguments: map[string]any{"request": out.Request},
		}}))
		if !slices.Contains(u.def.Handoffs, out.Target) {
			log.Warn("delegation to undeclared handoff", "target", out.Target)
			st.Append(conversation.ResultEntry(u.def.ID, id, name, conversation.StatusFailed,
				action.FailureText(fmt.Sprintf("%s cannot transfer to %q", u.def.Name, out.Target))))
			return &Turn{Signal: SignalContinue}, nil
		}
		return &Turn{Signal: SignalDelegate, CallID: id, Target: out.Target, Request: out.Request}, nil
	}

	return nil, fmt.Errorf("%s: unknown outcome kind %q", u.def.ID, out.Kind)
}

// Continue dispatches the proposals deferred behind an approved action.
// With nothing deferred the unit simply reasons again.
func (u *Unit) Continue(ctx context.Context, st *conversation.State) *Turn {
	if len(st.Deferred) == 0 {
		return &Turn{Signal: SignalContinue}
	}
	batch := st.Deferred
	st.Deferred = nil
	return u.dispatch(ctx, st, batch)
}

// dispatch handles proposals in order. Safe actions run, unknown ones
// fail, and the first sensitive action suspends the batch with the
// rest deferred behind it.
func (u *Unit) dispatch(ctx context.Context, st *conversation.State, batch []conversation.Proposal) *Turn {
	for i := range batch {
		p := &batch[i]
		switch p.Classification {
		case catalog.Safe:
			action.Execute(ctx, u.invoker, u.catalog, st, p)

		case catalog.Sensitive:
			if err := u.gate.Suspend(st, *p); err != nil {
				var busy *gate.GateBusyError
				if !errors.As(err, &busy) {
					u.logger.Error("suspend failed", "conversation", st.ID, "action", p.Action, "error", err)
				}
				p.Status = conversation.StatusFailed
				st.Append(conversation.ResultEntry(u.def.ID, p.ID, p.Action, conversation.StatusFailed, action.FailureText(err.Error())))
				continue
			}
			for _, rest := range batch[i+1:] {
				st.Deferred = append(st.Deferred, rest.Clone())
			}
			return &Turn{Signal: SignalSuspended}

		default:
			err := &catalog.UnknownActionError{Specialist: u.def.ID, Action: p.Action}
			u.logger.Warn("undeclared action proposed", "conversation", st.ID, "action", p.Action)
			p.Status = conversation.StatusFailed
			st.Append(conversation.ResultEntry(u.def.ID, p.ID, p.Action, conversation.StatusFailed, action.FailureText(err.Error())))
		}
	}
	return &Turn{Signal: SignalContinue}
}

func (u *Unit) input(st *conversation.State) reasoning.Input {
	in := reasoning.Input{
		Conversation: st.ID,
		Unit:         u.def.ID,
		Name:         u.def.Name,
		Prompt:       u.def.Prompt,
		Model:        u.def.Model,
		Server:       u.def.Server,
		Actions:      u.def.Actions(),
		History:      slices.Clone(st.History),
		Context:      maps.Clone(st.Context),
	}
	for _, h := range u.def.Handoffs {
		if t, ok := u.catalog.Specialist(h); ok {
			in.Targets = append(in.Targets, reasoning.Target{ID: t.ID, Name: t.Name, Description: t.Description})
		}
	}
	return in
}
