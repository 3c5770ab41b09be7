// Package gate implements the confirmation gate: the single slot where
// a sensitive action waits for a human verdict before it may execute.
// The gate never approves on its own and never times out; a suspended
// conversation stays suspended until a verdict arrives.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
)

// ErrNotSensitive is returned when a safe proposal is offered to the
// gate. Only sensitive actions wait for approval.
var ErrNotSensitive = errors.New("only sensitive actions can await approval")

// GateBusyError is returned when a proposal is offered while another
// is already awaiting a verdict.
type GateBusyError struct {
	PendingID     string
	PendingAction string
}

func (e *GateBusyError) Error() string {
	return fmt.Sprintf("action %s (%s) is already awaiting approval", e.PendingAction, e.PendingID)
}

// NoPendingActionError is returned when a verdict arrives for a
// conversation with nothing awaiting approval.
type NoPendingActionError struct {
	ConversationID string
}

func (e *NoPendingActionError) Error() string {
	return fmt.Sprintf("conversation %s has no action awaiting approval", e.ConversationID)
}

// Resolution reports what a verdict did.
type Resolution struct {
	Verdict  Verdict                 `json:"verdict"`
	Proposal conversation.Proposal   `json:"proposal"`
	Executed bool                    `json:"executed"`
	Dropped  []conversation.Proposal `json:"dropped,omitempty"`
}

// InterruptedText is the result recorded for an approved action whose
// outcome was never saved.
const InterruptedText = "Approved, but interrupted before the result was recorded. " +
	"The action may or may not have run; check its effect before proposing it again."

// Gate suspends and resolves sensitive proposals.
type Gate struct {
	catalog *catalog.Catalog
	invoker action.Invoker
	logger  *slog.Logger
	record  func(ctx context.Context, st *conversation.State) error
}

// Option configures a [Gate].
type Option func(*Gate)

// WithApprovalRecord sets a function that durably records the state
// after the pending proposal is marked approved and before the action
// runs. When it fails the action is not run and the proposal keeps
// waiting for a verdict.
func WithApprovalRecord(fn func(ctx context.Context, st *conversation.State) error) Option {
	return func(g *Gate) { g.record = fn }
}

// New returns a gate that executes approved actions through invoker.
func New(cat *catalog.Catalog, invoker action.Invoker, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{catalog: cat, invoker: invoker, logger: logger}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Suspend places p in the conversation's confirmation slot.
func (g *Gate) Suspend(st *conversation.State, p conversation.Proposal) error {
	if st.Pending != nil {
		return &GateBusyError{PendingID: st.Pending.ID, PendingAction: st.Pending.Action}
	}
	if p.Classification != catalog.Sensitive {
		return fmt.Errorf("%s: %w", p.Action, ErrNotSensitive)
	}

	p = p.Clone()
	p.Status = conversation.StatusProposed
	st.Pending = &p

	g.logger.Info("action awaiting approval",
		"conversation", st.ID,
		"specialist", p.SpecialistID,
		"action", p.Action,
		"proposal", p.ID,
	)
	return nil
}

// Resolve applies a verdict to the pending proposal.
//
// Approval executes the action exactly as proposed and records the
// result; deferred proposals stay queued for the owning unit. Rejection
// and free-text feedback execute nothing: the pending proposal and
// every deferred one are closed out in the history, the denial quotes
// the verdict text, and feedback is also appended as a human message
// for the unit to reason over.
//
// A pending proposal already marked approved was claimed by an earlier
// verdict that never finished. It is closed out as failed whatever the
// new verdict says, so an action runs at most once.
func (g *Gate) Resolve(ctx context.Context, st *conversation.State, v Verdict) (*Resolution, error) {
	if st.Pending == nil {
		return nil, &NoPendingActionError{ConversationID: st.ID}
	}
	if !v.Valid() {
		return nil, fmt.Errorf("unknown verdict %q", v.Kind)
	}

	p := st.Pending.Clone()
	log := g.logger.With(
		"conversation", st.ID,
		"specialist", p.SpecialistID,
		"action", p.Action,
		"proposal", p.ID,
	)
	res := &Resolution{Verdict: v}

	if p.Status == conversation.StatusApproved {
		p.Status = conversation.StatusFailed
		st.Append(conversation.ResultEntry(p.SpecialistID, p.ID, p.Action, conversation.StatusFailed, InterruptedText))
		g.drop(st, res)
		st.Pending = nil
		log.Warn("approved action was interrupted, not running it again", "verdict", v.Kind, "dropped", len(res.Dropped))
		res.Proposal = p
		return res, nil
	}

	switch v.Kind {
	case Approve:
		if g.record != nil {
			st.Pending.Status = conversation.StatusApproved
			if err := g.record(ctx, st); err != nil {
				st.Pending.Status = conversation.StatusProposed
				return nil, fmt.Errorf("record approval of %s: %w", p.Action, err)
			}
		}
		p.Status = conversation.StatusApproved
		log.Info("action approved")
		action.Execute(ctx, g.invoker, g.catalog, st, &p)
		res.Executed = p.Status == conversation.StatusExecuted
		st.Pending = nil
		log.Info("approved action finished", "status", p.Status)

	case Reject, Feedback:
		status := conversation.StatusRejected
		if v.Kind == Feedback {
			status = conversation.StatusModified
		}
		p.Status = status
		st.Append(conversation.ResultEntry(p.SpecialistID, p.ID, p.Action, status, DenialText(v.Text)))
		g.drop(st, res)
		st.Pending = nil

		if v.Kind == Feedback && strings.TrimSpace(v.Text) != "" {
			st.Append(conversation.HumanEntry(v.Text))
		}
		log.Info("action not approved", "verdict", v.Kind, "dropped", len(res.Dropped))
	}

	res.Proposal = p
	return res, nil
}

// drop closes out every deferred proposal without running it.
func (g *Gate) drop(st *conversation.State, res *Resolution) {
	for _, d := range st.Deferred {
		d.Status = conversation.StatusRejected
		st.Append(conversation.ResultEntry(d.SpecialistID, d.ID, d.Action, conversation.StatusRejected,
			"Not executed: an earlier action in the same request was not approved."))
		res.Dropped = append(res.Dropped, d)
	}
	st.Deferred = nil
}

// DenialText is the result text recorded for a proposal the human did
// not approve.
func DenialText(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "API call denied by user. Continue assisting, accounting for the user's input."
	}
	return fmt.Sprintf("API call denied by user. Reasoning: '%s'. Continue assisting, accounting for the user's input.", reason)
}

// Summary renders a proposal for the human: the action, its
// specialist and its arguments in a stable order.
func Summary(p conversation.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants to run %s", p.SpecialistID, p.Action)
	if len(p.Arguments) == 0 {
		b.WriteString(" with no arguments")
		return b.String()
	}
	b.WriteString(":")
	keys := make([]string, 0, len(p.Arguments))
	for k := range p.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n  %s: %v", k, p.Arguments[k])
	}
	return b.String()
}
