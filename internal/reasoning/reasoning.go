// Package reasoning is the boundary to the language model. A
// [Reasoner] looks at the conversation from the point of view of one
// unit and decides what that unit does next: reply, propose actions,
// escalate back to its caller, or delegate to a specialist.
package reasoning

import (
	"context"

	"github.com/nugget/concierge/internal/conversation"
)

// Kind is the type of an [Outcome].
type Kind string

const (
	// KindReply is a plain reply to the human. The turn ends.
	KindReply Kind = "reply"
	// KindPropose asks for one or more actions to be invoked.
	KindPropose Kind = "propose"
	// KindEscalate hands control back to the unit beneath.
	KindEscalate Kind = "escalate"
	// KindDelegate hands control to another specialist.
	KindDelegate Kind = "delegate"
)

// Tool names the model sees for control flow.
const (
	EscalateTool   = "complete_or_escalate"
	DelegatePrefix = "to_"
)

// DelegateTool returns the delegation tool name for a specialist.
func DelegateTool(id string) string { return DelegatePrefix + id }

// Target is a specialist the unit may delegate to.
type Target struct {
	ID          string
	Name        string
	Description string
}

// Input is everything a reasoning call may look at.
type Input struct {
	Conversation string

	// Unit is the specialist ID, or "" for the primary router.
	Unit string
	Name string

	// Prompt is the unit's system prompt template.
	Prompt string
	Model  string

	// Server and Actions describe the unit's callable actions, in
	// declaration order.
	Server  string
	Actions []string

	// Targets lists the specialists the unit may delegate to.
	Targets []Target

	History []conversation.Entry
	Context map[string]string
}

// Primary reports whether the input is for the primary router.
func (in Input) Primary() bool { return in.Unit == "" }

// ProposedCall is one action the model wants to run.
type ProposedCall struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Outcome is the decision of one reasoning call.
type Outcome struct {
	Kind Kind `json:"kind"`

	// Text is the reply for KindReply and any text the model produced
	// alongside calls otherwise.
	Text string `json:"text,omitempty"`

	// Calls is set for KindPropose.
	Calls []ProposedCall `json:"calls,omitempty"`

	// Cancel and Reason are set for KindEscalate.
	Cancel bool   `json:"cancel,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Target and Request are set for KindDelegate.
	Target  string `json:"target,omitempty"`
	Request string `json:"request,omitempty"`
}

// Reasoner decides the next step for a unit. An error means the
// reasoning call itself failed; the conversation is left for the
// caller to resume.
type Reasoner interface {
	Reason(ctx context.Context, in Input) (*Outcome, error)
}

// Func adapts a function to the [Reasoner] interface.
type Func func(ctx context.Context, in Input) (*Outcome, error)

// Reason calls f.
func (f Func) Reason(ctx context.Context, in Input) (*Outcome, error) { return f(ctx, in) }

// Reply returns a reply outcome.
func Reply(text string) *Outcome {
	return &Outcome{Kind: KindReply, Text: text}
}

// Propose returns an outcome proposing calls in order.
func Propose(calls ...ProposedCall) *Outcome {
	return &Outcome{Kind: KindPropose, Calls: calls}
}

// Call is shorthand for a [ProposedCall].
func Call(action string, args map[string]any) ProposedCall {
	return ProposedCall{Action: action, Arguments: args}
}

// Escalate returns an outcome handing control back with a reason.
func Escalate(reason string) *Outcome {
	return &Outcome{Kind: KindEscalate, Cancel: true, Reason: reason}
}

// Delegate returns an outcome handing control to target.
func Delegate(target, request string) *Outcome {
	return &Outcome{Kind: KindDelegate, Target: target, Request: request}
}
