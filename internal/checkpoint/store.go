package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/conversation"
)

// SQLStore keeps gzip-compressed JSON snapshots in SQLite.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the checkpoint table if needed.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("checkpoint migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			trigger         TEXT NOT NULL,
			entry_count     INTEGER NOT NULL,
			active          TEXT,
			pending         BOOLEAN NOT NULL DEFAULT 0,
			byte_size       INTEGER NOT NULL,
			state_gz        BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_conversation
			ON checkpoints(conversation_id, seq DESC);
	`)
	return err
}

// Save implements [Store].
func (s *SQLStore) Save(ctx context.Context, st *conversation.State, trigger Trigger) (*Checkpoint, error) {
	cp, err := newCheckpoint(st, trigger)
	if err != nil {
		return nil, err
	}
	blob, err := compress(st)
	if err != nil {
		return nil, err
	}
	cp.ByteSize = int64(len(blob))

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, conversation_id, created_at, trigger, entry_count, active, pending, byte_size, state_gz)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID.String(), cp.ConversationID, cp.CreatedAt.Format(time.RFC3339Nano), string(trigger),
		cp.EntryCount, cp.Active, cp.Pending, cp.ByteSize, blob,
	)
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

// Load implements [Store].
func (s *SQLStore) Load(ctx context.Context, conversationID string) (*conversation.State, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_gz FROM checkpoints
		WHERE conversation_id = ?
		ORDER BY seq DESC LIMIT 1`, conversationID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	return decompress(blob)
}

// Get returns one snapshot including its state.
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, created_at, trigger, entry_count, active, pending, byte_size, state_gz
		FROM checkpoints WHERE id = ?`, id.String())

	var blob []byte
	cp, err := scanMeta(row, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if cp.State, err = decompress(blob); err != nil {
		return nil, err
	}
	return cp, nil
}

// List implements [Store].
func (s *SQLStore) List(ctx context.Context, conversationID string, limit int) ([]*Checkpoint, error) {
	query := `
		SELECT id, conversation_id, created_at, trigger, entry_count, active, pending, byte_size
		FROM checkpoints WHERE conversation_id = ?
		ORDER BY seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanMeta(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Conversations returns the IDs of every conversation with a snapshot,
// most recently saved first.
func (s *SQLStore) Conversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id FROM checkpoints
		GROUP BY conversation_id
		ORDER BY MAX(seq) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune keeps the newest keep snapshots of a conversation and deletes
// the rest. keep below one is treated as one so the current state is
// never lost.
func (s *SQLStore) Prune(ctx context.Context, conversationID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE conversation_id = ? AND seq NOT IN (
			SELECT seq FROM checkpoints
			WHERE conversation_id = ?
			ORDER BY seq DESC LIMIT ?
		)`, conversationID, conversationID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanMeta reads the metadata columns, plus the state blob when blob
// is non-nil.
func scanMeta(sc scanner, blob *[]byte) (*Checkpoint, error) {
	var cp Checkpoint
	var id, created, trigger string
	var active sql.NullString
	dest := []any{&id, &cp.ConversationID, &created, &trigger, &cp.EntryCount, &active, &cp.Pending, &cp.ByteSize}
	if blob != nil {
		dest = append(dest, blob)
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	cp.ID, _ = uuid.Parse(id)
	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	cp.Trigger = Trigger(trigger)
	cp.Active = active.String
	return &cp, nil
}

func compress(st *conversation.State) ([]byte, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) (*conversation.State, error) {
	gr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var st conversation.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}
