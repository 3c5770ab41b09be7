// Package conversation defines the persisted state of one routed
// conversation: the append-only history, the dialog stack, the shared
// context fields and the confirmation slot.
package conversation

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// ErrSelfReentry is returned when a push would put the active unit on
// top of itself.
var ErrSelfReentry = errors.New("unit is already active")

// State is the complete state of one conversation. It is owned by a
// single driver call at a time and round-trips through JSON unchanged.
type State struct {
	ID          string            `json:"id"`
	History     []Entry           `json:"history"`
	DialogStack []string          `json:"dialog_stack"`
	Context     map[string]string `json:"context"`

	// Pending holds the sensitive proposal awaiting a verdict, if any.
	Pending *Proposal `json:"pending,omitempty"`

	// Deferred holds proposals from the same batch queued behind
	// Pending. They are dispatched after approval and rejected along
	// with it otherwise.
	Deferred []Proposal `json:"deferred,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New returns an empty conversation with the given context fields.
func New(id string, context map[string]string) *State {
	now := time.Now().UTC()
	st := &State{
		ID:          id,
		History:     []Entry{},
		DialogStack: []string{},
		Context:     make(map[string]string, len(context)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for k, v := range context {
		if v != "" {
			st.Context[k] = v
		}
	}
	return st
}

// Append adds an entry to the end of the history, assigning its
// sequence number and timestamp. It returns the stored entry.
func (s *State) Append(e Entry) Entry {
	e.Seq = len(s.History) + 1
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.History = append(s.History, e)
	s.UpdatedAt = e.At
	return e
}

// Since returns the entries with a sequence number greater than seq.
func (s *State) Since(seq int) []Entry {
	if seq < 0 {
		seq = 0
	}
	if seq >= len(s.History) {
		return nil
	}
	return slices.Clone(s.History[seq:])
}

// LastSeq returns the sequence number of the newest entry, or zero.
func (s *State) LastSeq() int {
	return len(s.History)
}

// Active returns the identifier of the unit on top of the dialog
// stack, or "" when the primary router owns the conversation.
func (s *State) Active() string {
	if len(s.DialogStack) == 0 {
		return ""
	}
	return s.DialogStack[len(s.DialogStack)-1]
}

// Depth returns the number of specialist frames on the dialog stack.
func (s *State) Depth() int {
	return len(s.DialogStack)
}

// Push makes unit the active specialist. Pushing the unit that is
// already on top fails with [ErrSelfReentry].
func (s *State) Push(unit string) error {
	if unit == "" {
		return errors.New("push: empty unit")
	}
	if s.Active() == unit {
		return fmt.Errorf("push %s: %w", unit, ErrSelfReentry)
	}
	s.DialogStack = append(s.DialogStack, unit)
	return nil
}

// Pop removes the active specialist and returns it. Popping an empty
// stack is a no-op that returns "".
func (s *State) Pop() string {
	if len(s.DialogStack) == 0 {
		return ""
	}
	top := s.DialogStack[len(s.DialogStack)-1]
	s.DialogStack = s.DialogStack[:len(s.DialogStack)-1]
	return top
}

// UpdateContext overwrites context fields from an action result. After
// [New], action results are the only writer of the context.
func (s *State) UpdateContext(fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	if s.Context == nil {
		s.Context = make(map[string]string, len(fields))
	}
	maps.Copy(s.Context, fields)
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	c := *s
	c.History = make([]Entry, len(s.History))
	for i, e := range s.History {
		c.History[i] = e.clone()
	}
	c.DialogStack = slices.Clone(s.DialogStack)
	if c.DialogStack == nil {
		c.DialogStack = []string{}
	}
	c.Context = maps.Clone(s.Context)
	if s.Pending != nil {
		p := s.Pending.Clone()
		c.Pending = &p
	}
	if s.Deferred != nil {
		c.Deferred = make([]Proposal, len(s.Deferred))
		for i, p := range s.Deferred {
			c.Deferred[i] = p.Clone()
		}
	}
	return &c
}
