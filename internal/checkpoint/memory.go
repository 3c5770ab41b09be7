package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/nugget/concierge/internal/conversation"
)

// MemoryStore keeps snapshots in process memory. It serialises state
// the same way the SQL store does, so loaded states never alias saved
// ones.
type MemoryStore struct {
	mu     sync.Mutex
	trails map[string][]memoryEntry
}

type memoryEntry struct {
	meta Checkpoint
	blob []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trails: make(map[string][]memoryEntry)}
}

// Save implements [Store].
func (m *MemoryStore) Save(_ context.Context, st *conversation.State, trigger Trigger) (*Checkpoint, error) {
	cp, err := newCheckpoint(st, trigger)
	if err != nil {
		return nil, err
	}
	blob, err := compress(st)
	if err != nil {
		return nil, err
	}
	cp.ByteSize = int64(len(blob))

	m.mu.Lock()
	m.trails[st.ID] = append(m.trails[st.ID], memoryEntry{meta: *cp, blob: blob})
	m.mu.Unlock()
	return cp, nil
}

// Load implements [Store].
func (m *MemoryStore) Load(_ context.Context, conversationID string) (*conversation.State, error) {
	m.mu.Lock()
	trail := m.trails[conversationID]
	m.mu.Unlock()

	if len(trail) == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return decompress(trail[len(trail)-1].blob)
}

// List implements [Store].
func (m *MemoryStore) List(_ context.Context, conversationID string, limit int) ([]*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	trail := m.trails[conversationID]
	var out []*Checkpoint
	for i := len(trail) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		meta := trail[i].meta
		out = append(out, &meta)
	}
	return out, nil
}
