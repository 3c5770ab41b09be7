// Package checkpoint persists conversation state after every driver
// call. Each conversation has an append-only trail of snapshots; the
// newest one is the conversation's current state.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/conversation"
)

// ErrNotFound is returned when a conversation or checkpoint has no
// stored snapshot.
var ErrNotFound = errors.New("checkpoint not found")

// Trigger records why a snapshot was taken.
type Trigger string

const (
	TriggerStart   Trigger = "start"   // Conversation created
	TriggerTurn    Trigger = "turn"    // Turn ended with a reply
	TriggerSuspend Trigger = "suspend" // Turn ended waiting for a verdict
	TriggerApprove Trigger = "approve" // Approved action about to run
	TriggerManual  Trigger = "manual"  // Explicit save
)

// Checkpoint describes one snapshot. State is nil in listings.
type Checkpoint struct {
	ID             uuid.UUID           `json:"id"`
	ConversationID string              `json:"conversation_id"`
	CreatedAt      time.Time           `json:"created_at"`
	Trigger        Trigger             `json:"trigger"`
	EntryCount     int                 `json:"entry_count"`
	Active         string              `json:"active,omitempty"`
	Pending        bool                `json:"pending"`
	ByteSize       int64               `json:"byte_size"`
	State          *conversation.State `json:"state,omitempty"`
}

// Summary returns a one-line description for listings.
func (c *Checkpoint) Summary() string {
	active := c.Active
	if active == "" {
		active = "primary"
	}
	s := fmt.Sprintf("%s | %s | %s | %d entries | %s",
		c.ID.String()[:8], c.CreatedAt.Format("2006-01-02 15:04:05"), c.Trigger, c.EntryCount, active)
	if c.Pending {
		s += " | awaiting approval"
	}
	return s
}

// Store is the persistence boundary used by the driver.
type Store interface {
	// Save appends a snapshot of st to its conversation's trail.
	Save(ctx context.Context, st *conversation.State, trigger Trigger) (*Checkpoint, error)

	// Load returns the newest snapshot of a conversation or ErrNotFound.
	Load(ctx context.Context, conversationID string) (*conversation.State, error)

	// List returns snapshot metadata for a conversation, newest first.
	// A limit of zero or less returns everything.
	List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error)
}

func newCheckpoint(st *conversation.State, trigger Trigger) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	return &Checkpoint{
		ID:             id,
		ConversationID: st.ID,
		CreatedAt:      time.Now().UTC(),
		Trigger:        trigger,
		EntryCount:     len(st.History),
		Active:         st.Active(),
		Pending:        st.Pending != nil,
	}, nil
}
