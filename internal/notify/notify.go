// Package notify carries conversation events to outside observers,
// most importantly the "an action needs your approval" signal that lets
// a human answer from somewhere other than the chat itself.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType names a conversation event.
type EventType string

const (
	ApprovalRequired EventType = "approval_required"
	ApprovalResolved EventType = "approval_resolved"
	Delegated        EventType = "delegated"
	Escalated        EventType = "escalated"
)

// Event is one notification. Fields that do not apply to the type are
// left empty.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	At             time.Time `json:"at"`

	Unit       string `json:"unit,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Action     string `json:"action,omitempty"`

	// Summary is the human-readable description of the pending action.
	Summary string `json:"summary,omitempty"`

	// Verdict and Status describe how an approval was resolved.
	Verdict string `json:"verdict,omitempty"`
	Status  string `json:"status,omitempty"`

	Target string `json:"target,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Notifier receives events. Notify must not block the caller for long
// and must not fail the conversation; delivery problems are the
// notifier's to log.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

// Notify implements [Notifier].
func (Nop) Notify(context.Context, Event) {}

// Func adapts a function to the [Notifier] interface.
type Func func(ctx context.Context, e Event)

// Notify calls f.
func (f Func) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Multi fans each event out to several notifiers in order.
type Multi []Notifier

// Notify implements [Notifier].
func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		n.Notify(ctx, e)
	}
}

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify implements [Notifier].
func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
