package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nugget/concierge/internal/usage"
)

// Usage reports token totals. [*usage.Store] implements it.
type Usage interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByUnit(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	Conversation(ctx context.Context, conversationID string) (map[string]*usage.Summary, error)
}

// handleUsage reports totals over the last ?hours (default 24).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not enabled")
		return
	}
	end := time.Now()
	start := end.Add(-time.Duration(parseIntParam(r, "hours", 24)) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	byUnit, err := s.usage.SummaryByUnit(r.Context(), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":    start.UTC(),
		"end":      end.UTC(),
		"total":    total,
		"by_model": byModel,
		"by_unit":  byUnit,
	}, s.logger)
}

func (s *Server) handleConversationUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not enabled")
		return
	}
	id := r.PathValue("id")
	byUnit, err := s.usage.Conversation(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var total usage.Summary
	for _, u := range byUnit {
		total.Records += u.Records
		total.InputTokens += u.InputTokens
		total.OutputTokens += u.OutputTokens
		total.CostUSD += u.CostUSD
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"total":           total,
		"by_unit":         byUnit,
	}, s.logger)
}
