package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/notify"
	"github.com/nugget/concierge/internal/reasoning"
)

// push makes unit the active specialist and records its entry
// announcement as the answer to the delegation call. A refused push is
// recorded as a failed result for the call and the caller keeps
// control.
func (d *Driver) push(ctx context.Context, st *conversation.State, unit, callID, request string) bool {
	from := st.Active()
	refuse := func(reason string) bool {
		d.logger.Warn("delegation refused", "conversation", st.ID, "from", unitLabel(from), "target", unit, "reason", reason)
		st.Append(conversation.ResultEntry(from, callID, reasoning.DelegateTool(unit), conversation.StatusFailed,
			action.FailureText(reason)))
		return false
	}

	u, ok := d.units[unit]
	if !ok {
		return refuse(fmt.Sprintf("there is no specialist %q", unit))
	}
	if st.Depth() >= d.maxDepth {
		return refuse(fmt.Sprintf("cannot transfer to %s: at most %d specialists may be nested", u.Name(), d.maxDepth))
	}
	if err := st.Push(unit); err != nil {
		return refuse(err.Error())
	}
	if err := u.Enter(st, callID, request); err != nil {
		st.Pop()
		return refuse(err.Error())
	}

	d.notifier.Notify(ctx, notify.Event{
		Type:           notify.Delegated,
		ConversationID: st.ID,
		At:             time.Now().UTC(),
		Unit:           from,
		Target:         unit,
		Reason:         request,
	})
	return true
}

// pop removes the active specialist, records the escalation as the
// answer to its call and returns the new owner. Popping an empty stack
// routes to the primary router and changes nothing. An action still
// awaiting approval is rejected first, so control never moves while
// the gate is occupied.
func (d *Driver) pop(ctx context.Context, st *conversation.State, callID, reason string) string {
	if st.Depth() == 0 {
		return ""
	}
	if st.Pending != nil {
		if _, err := d.gate.Resolve(ctx, st, gate.Verdict{Kind: gate.Reject}); err != nil {
			d.logger.Error("clearing pending action before escalation", "conversation", st.ID, "error", err)
		}
	}

	left := st.Pop()
	owner := st.Active()
	st.Append(conversation.EscalationEntry(left, callID, d.resumeText(owner, reason)))

	d.logger.Info("specialist escalated", "conversation", st.ID, "unit", left, "owner", unitLabel(owner), "reason", reason)
	d.notifier.Notify(ctx, notify.Event{
		Type:           notify.Escalated,
		ConversationID: st.ID,
		At:             time.Now().UTC(),
		Unit:           left,
		Target:         owner,
		Reason:         reason,
	})
	return owner
}

func (d *Driver) resumeText(owner, reason string) string {
	who := "the host assistant"
	if u, ok := d.units[owner]; ok {
		who = "the " + u.Name()
	}
	text := fmt.Sprintf("Resuming dialog with %s. Please reflect on the past conversation and assist the user as needed.", who)
	if reason != "" {
		text += "\n\nReason: " + reason
	}
	return text
}
