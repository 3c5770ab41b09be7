package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nugget/concierge/internal/usage"
)

type fakeUsage struct {
	byConversation map[string]map[string]*usage.Summary
	window         time.Duration
}

func (f *fakeUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	f.window = end.Sub(start)
	return &usage.Summary{Records: 3, InputTokens: 300, OutputTokens: 30, CostUSD: 0.5}, nil
}

func (f *fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"claude-sonnet-4-20250514": {Records: 3}}, nil
}

func (f *fakeUsage) SummaryByUnit(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"primary": {Records: 1}, "wip": {Records: 2}}, nil
}

func (f *fakeUsage) Conversation(_ context.Context, id string) (map[string]*usage.Summary, error) {
	return f.byConversation[id], nil
}

func TestUsage(t *testing.T) {
	env := newTestEnv(t)
	env.expect(t, "GET", "/v1/usage", "", http.StatusNotFound)
	env.expect(t, "GET", "/v1/conversations/c1/usage", "", http.StatusNotFound)

	fake := &fakeUsage{byConversation: map[string]map[string]*usage.Summary{
		"c1": {
			"primary": {Records: 1, InputTokens: 100, CostUSD: 0.25},
			"license": {Records: 2, InputTokens: 50, OutputTokens: 10, CostUSD: 0.5},
		},
	}}
	env = newTestEnv(t, WithUsage(fake))

	var report struct {
		Total   usage.Summary             `json:"total"`
		ByModel map[string]*usage.Summary `json:"by_model"`
		ByUnit  map[string]*usage.Summary `json:"by_unit"`
	}
	if err := json.Unmarshal(env.expect(t, "GET", "/v1/usage?hours=2", "", http.StatusOK), &report); err != nil {
		t.Fatal(err)
	}
	if report.Total.Records != 3 || len(report.ByModel) != 1 || report.ByUnit["wip"].Records != 2 {
		t.Errorf("report = %+v", report)
	}
	if fake.window != 2*time.Hour {
		t.Errorf("window = %v, want 2h", fake.window)
	}

	var conv struct {
		ConversationID string                    `json:"conversation_id"`
		Total          usage.Summary             `json:"total"`
		ByUnit         map[string]*usage.Summary `json:"by_unit"`
	}
	if err := json.Unmarshal(env.expect(t, "GET", "/v1/conversations/c1/usage", "", http.StatusOK), &conv); err != nil {
		t.Fatal(err)
	}
	if conv.ConversationID != "c1" || conv.Total.Records != 3 || conv.Total.InputTokens != 150 || conv.Total.CostUSD != 0.75 {
		t.Errorf("conversation usage = %+v", conv)
	}
}
