// Package usage records token usage and cost per model call. Records
// are append-only and indexed by time and conversation so totals can be
// grouped by model, specialist or conversation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/concierge/internal/config"
	"github.com/nugget/concierge/internal/reasoning"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// PrimaryUnit is the unit name recorded for the primary router.
const PrimaryUnit = "primary"

// Record is one model call's token usage and cost.
type Record struct {
	ID             string    `json:"id"`
	At             time.Time `json:"at"`
	ConversationID string    `json:"conversation_id"`
	Unit           string    `json:"unit"`
	Model          string    `json:"model"`
	Provider       string    `json:"provider"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
}

// Summary holds aggregated token and cost totals.
type Summary struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Store is an append-only SQLite store for usage records. It shares
// the database handle owned by the caller.
type Store struct {
	db       *sql.DB
	pricing  map[string]config.PricingEntry
	provider func(model string) string
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a [Store].
type Option func(*Store)

// WithPricing sets the price table used by [Store.RecordUsage].
func WithPricing(p map[string]config.PricingEntry) Option {
	return func(s *Store) { s.pricing = p }
}

// WithProvider sets the lookup that names a model's provider.
func WithProvider(f func(model string) string) Option {
	return func(s *Store) { s.provider = f }
}

// WithLogger sets the logger for write failures in [Store.RecordUsage].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore creates the usage table if needed.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("usage migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id              TEXT PRIMARY KEY,
			at              TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			unit            TEXT NOT NULL,
			model           TEXT NOT NULL,
			provider        TEXT,
			input_tokens    INTEGER NOT NULL,
			output_tokens   INTEGER NOT NULL,
			cost_usd        REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_at ON usage_records(at);
		CREATE INDEX IF NOT EXISTS idx_usage_conversation ON usage_records(conversation_id);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero time gets
// the current time.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.At.IsZero() {
		rec.At = s.now()
	}
	if rec.Unit == "" {
		rec.Unit = PrimaryUnit
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, at, conversation_id, unit, model, provider, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.At.UTC().Format(timeLayout),
		rec.ConversationID,
		rec.Unit,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// RecordUsage implements [reasoning.UsageObserver]. The cost comes from
// the configured price table; write failures are logged, never
// returned, so accounting cannot fail a turn.
func (s *Store) RecordUsage(ctx context.Context, u reasoning.Usage) {
	rec := Record{
		ConversationID: u.Conversation,
		Unit:           u.Unit,
		Model:          u.Model,
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		CostUSD:        ComputeCost(u.Model, u.InputTokens, u.OutputTokens, s.pricing),
	}
	if s.provider != nil {
		rec.Provider = s.provider(u.Model)
	}
	// A cancelled turn still consumed tokens.
	if err := s.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("usage record failed",
			"conversation_id", u.Conversation,
			"model", u.Model,
			"error", err,
		)
	}
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE at >= ? AND at < ?`,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	var sum Summary
	if err := row.Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// Conversation returns the totals for one conversation, grouped by unit.
func (s *Store) Conversation(ctx context.Context, conversationID string) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT unit, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM usage_records
		 WHERE conversation_id = ?
		 GROUP BY unit`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation usage: %w", err)
	}
	return scanGroups(rows, "unit")
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByUnit returns per-unit totals for records within [start, end).
func (s *Store) SummaryByUnit(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "unit", start, end)
}

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is one of our own constants, never caller input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM usage_records
		 WHERE at >= ? AND at < ?
		 GROUP BY %s`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeLayout),
		end.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	return scanGroups(rows, column)
}

func scanGroups(rows *sql.Rows, column string) (map[string]*Summary, error) {
	defer rows.Close()
	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ComputeCost prices a model call. Models missing from the table, such
// as local Ollama models, are free.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
