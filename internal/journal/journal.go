// Package journal keeps an audit trail of every action performed on
// behalf of a conversation: what was called, with which arguments, how
// long it took and what came back.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/concierge/internal/action"
)

// ErrNotFound is returned by Get for an unknown record.
var ErrNotFound = errors.New("journal record not found")

// Record is one performed action.
type Record struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Specialist     string         `json:"specialist"`
	Server         string         `json:"server,omitempty"`
	Action         string         `json:"action"`
	Arguments      map[string]any `json:"arguments,omitempty"`
	OK             bool           `json:"ok"`
	Output         string         `json:"output"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	DurationMs     int64          `json:"duration_ms"`
}

// Store persists records in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates the journal table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS action_journal (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			specialist      TEXT NOT NULL,
			server          TEXT,
			action          TEXT NOT NULL,
			arguments       TEXT,
			ok              BOOLEAN NOT NULL,
			output          TEXT,
			started_at      TEXT NOT NULL,
			completed_at    TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_action_journal_conversation
			ON action_journal(conversation_id, started_at);
	`)
	return err
}

// Add inserts a record. Re-recording an ID replaces the earlier row.
func (s *Store) Add(rec *Record) error {
	args, err := json.Marshal(rec.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO action_journal (
			id, conversation_id, specialist, server, action, arguments,
			ok, output, started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.Specialist, rec.Server, rec.Action, string(args),
		rec.OK, rec.Output,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert journal record: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, conversation_id, specialist, server, action, arguments,
		ok, output, started_at, completed_at, duration_ms
	FROM action_journal`

// Get returns one record.
func (s *Store) Get(id string) (*Record, error) {
	rec, err := scan(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// List returns the records of a conversation, oldest first.
func (s *Store) List(conversationID string) ([]*Record, error) {
	rows, err := s.db.Query(selectColumns+` WHERE conversation_id = ? ORDER BY started_at, rowid`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*Record, error) {
	var rec Record
	var server, args, output sql.NullString
	var started, completed string
	if err := s.Scan(&rec.ID, &rec.ConversationID, &rec.Specialist, &server, &rec.Action, &args,
		&rec.OK, &output, &started, &completed, &rec.DurationMs); err != nil {
		return nil, err
	}
	rec.Server = server.String
	rec.Output = output.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed)
	if args.Valid && args.String != "" && args.String != "null" {
		_ = json.Unmarshal([]byte(args.String), &rec.Arguments)
	}
	return &rec, nil
}

// Invoker records every call made through the wrapped invoker. A
// journal write failure is logged and does not change the result.
type Invoker struct {
	next   action.Invoker
	store  *Store
	logger *slog.Logger
}

// Wrap returns an invoker that journals calls made through next.
func Wrap(next action.Invoker, store *Store, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{next: next, store: store, logger: logger}
}

// Invoke implements [action.Invoker].
func (j *Invoker) Invoke(ctx context.Context, call action.Call) action.Result {
	started := time.Now()
	res := j.next.Invoke(ctx, call)
	completed := time.Now()

	rec := &Record{
		ID:             call.ID,
		ConversationID: action.ConversationID(ctx),
		Specialist:     call.Specialist,
		Server:         call.Server,
		Action:         call.Action,
		Arguments:      call.Arguments,
		OK:             res.OK,
		Output:         res.Output,
		StartedAt:      started,
		CompletedAt:    completed,
		DurationMs:     completed.Sub(started).Milliseconds(),
	}
	if err := j.store.Add(rec); err != nil {
		j.logger.Error("failed to journal action", "action", call.Action, "call_id", call.ID, "error", err)
	}
	return res
}
