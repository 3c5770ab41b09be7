package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/concierge/internal/reasoning"
)

// DailyTokens accumulates model token usage and resets at local
// midnight. It is safe for concurrent use.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	resetDay int
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens returns an accumulator using loc for midnight
// detection. A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnTokens records the usage of one model call.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
}

// RecordUsage implements [reasoning.UsageObserver].
func (d *DailyTokens) RecordUsage(_ context.Context, u reasoning.Usage) {
	d.OnTokens(u.InputTokens, u.OutputTokens)
}

// Snapshot returns today's input tokens, output tokens and requests.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.requests
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input, d.output, d.requests = 0, 0, 0
		d.resetDay = today
	}
}
