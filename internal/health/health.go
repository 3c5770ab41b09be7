// Package health watches the services a conversation depends on: the
// model provider and each action server.
//
// A watch probes in two phases. At startup it retries with exponential
// backoff (2s, 4s, 8s, ... capped at 60s); after that, or as soon as a
// probe succeeds, it polls on a fixed interval and reports transitions.
// This is separate from httpkit's retry, which only covers sub-second
// dial errors within a single request.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. nil means healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retries is the number of startup attempts before falling back to
	// plain polling.
	Retries      int
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s..60s backoff with 10 startup attempts and
// one probe a minute afterwards.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Retries:      10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from [DefaultSchedule].
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.Retries <= 0 {
		s.Retries = d.Retries
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Check describes one watched service.
type Check struct {
	Name     string
	Probe    Probe
	Schedule Schedule
	// OnChange runs in its own goroutine whenever the service goes up
	// or down. Optional.
	OnChange func(name string, up bool, err error)
}

// Status is the last known state of a service.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watch struct {
	check  Check
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Monitor runs a set of watches.
type Monitor struct {
	mu      sync.RWMutex
	watches map[string]*watch
	logger  *slog.Logger
}

// NewMonitor returns an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{watches: make(map[string]*watch), logger: logger}
}

// Watch starts probing c in the background until ctx ends or Stop is
// called. Watching a name twice is an error.
func (m *Monitor) Watch(ctx context.Context, c Check) error {
	if c.Name == "" {
		return errors.New("health check needs a name")
	}
	if c.Probe == nil {
		return errors.New("health check " + c.Name + " needs a probe")
	}
	c.Schedule = c.Schedule.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[c.Name]; ok {
		return errors.New("health check " + c.Name + " already watched")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{
		check:  c,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: c.Name},
	}
	m.watches[c.Name] = w
	go w.run(wctx, m.logger.With("service", c.Name))
	return nil
}

// Status returns every watched service, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.watches))
	for _, w := range m.watches {
		w.mu.Lock()
		out = append(out, w.status)
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched service is up.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Up {
			return false
		}
	}
	return true
}

// Stop cancels every watch and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	ws := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}

func (w *watch) run(ctx context.Context, logger *slog.Logger) {
	defer close(w.done)
	sched := w.check.Schedule

	delay := sched.InitialDelay
	for attempt := 1; attempt <= sched.Retries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Info("service connected", "after_attempts", attempt)
			break
		}
		if attempt == sched.Retries {
			logger.Warn("service unreachable at startup, polling", "attempts", attempt, "error", err)
			break
		}
		logger.Debug("startup probe failed",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*sched.Multiplier), sched.MaxDelay)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.probe(ctx); err != nil && ctx.Err() == nil {
				logger.Debug("probe failed", "error", err)
			}
		}
	}
}

// probe runs one check, records it, and reports a transition.
func (w *watch) probe(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.check.Schedule.ProbeTimeout)
	defer cancel()
	err := w.check.Probe(pctx)
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	was := w.status.Up
	w.status.Up = err == nil
	w.status.LastCheck = time.Now()
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()

	if was != (err == nil) && w.check.OnChange != nil {
		go w.check.OnChange(w.check.Name, err == nil, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
