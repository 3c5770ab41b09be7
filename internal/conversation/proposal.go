package conversation

import (
	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/catalog"
)

// Status is the lifecycle state of an action proposal.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusModified Status = "modified"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusRejected, StatusModified:
		return true
	}
	return false
}

// Proposal is a reasoning step's request to invoke one action.
type Proposal struct {
	// ID is also the call ID used in history entries.
	ID             string                 `json:"id"`
	SpecialistID   string                 `json:"specialist_id"`
	Action         string                 `json:"action"`
	Arguments      map[string]any         `json:"arguments,omitempty"`
	Classification catalog.Classification `json:"classification"`
	Status         Status                 `json:"status"`
}

// NewID returns a fresh identifier for a proposal or call. IDs are
// time-ordered and never reused.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clone returns a deep copy of the proposal.
func (p Proposal) Clone() Proposal {
	c := p
	c.Arguments = cloneArgs(p.Arguments)
	return c
}

// Call returns the history call record for the proposal.
func (p Proposal) Call() Call {
	return Call{ID: p.ID, Name: p.Action, Arguments: cloneArgs(p.Arguments)}
}
