// Package orchestrator drives conversations. Each call loads the
// conversation's newest checkpoint, runs the unit on top of the dialog
// stack until it replies, suspends on a sensitive action or exhausts
// the step budget, saves one checkpoint and returns. An approval also
// saves the claimed proposal before its action runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/checkpoint"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/notify"
	"github.com/nugget/concierge/internal/reasoning"
	"github.com/nugget/concierge/internal/router"
	"github.com/nugget/concierge/internal/specialist"
)

// Limits applied when none are configured.
const (
	DefaultMaxSteps = 12
	DefaultMaxDepth = 4
)

// ErrConversationExists is returned by [Driver.Start] for an ID that
// already has a checkpoint.
var ErrConversationExists = errors.New("conversation already exists")

// TurnResult reports what one driver call did.
type TurnResult struct {
	ConversationID string `json:"conversation_id"`

	// Entries are the history entries appended by this call.
	Entries []conversation.Entry `json:"entries"`

	// Pending is the action awaiting a verdict when the turn ended
	// suspended, with its human-readable summary.
	Pending *conversation.Proposal `json:"pending,omitempty"`
	Summary string                 `json:"summary,omitempty"`

	// Active is the unit that owns the conversation, "" for the
	// primary router.
	Active string `json:"active"`

	// Resolution is set when the call applied a verdict.
	Resolution *gate.Resolution `json:"resolution,omitempty"`

	// Failure describes a failed reasoning call. The conversation is
	// saved and can be resumed with another message.
	Failure string `json:"failure,omitempty"`

	// Exhausted is set when the step budget ran out.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Reply returns the text of the last reply in the turn, if any.
func (r *TurnResult) Reply() string {
	for i := len(r.Entries) - 1; i >= 0; i-- {
		if r.Entries[i].Kind == conversation.KindAssistant {
			return r.Entries[i].Content
		}
	}
	return ""
}

// Driver runs conversations over a fixed catalog.
type Driver struct {
	catalog  *catalog.Catalog
	gate     *gate.Gate
	router   *router.Router
	units    map[string]*specialist.Unit
	store    checkpoint.Store
	notifier notify.Notifier
	logger   *slog.Logger

	maxSteps   int
	maxDepth   int
	defaults   map[string]string
	routerOpts []router.Option

	mu    sync.Mutex
	locks map[string]*convLock
}

// convLock is a conversation's mutex and the number of calls holding
// or waiting for it.
type convLock struct {
	sync.Mutex
	refs int
}

// Option configures a [Driver].
type Option func(*Driver)

// WithLimits sets the step budget per call and the maximum number of
// specialist frames on the dialog stack. Zero keeps the default.
func WithLimits(maxSteps, maxDepth int) Option {
	return func(d *Driver) {
		if maxSteps > 0 {
			d.maxSteps = maxSteps
		}
		if maxDepth > 0 {
			d.maxDepth = maxDepth
		}
	}
}

// WithDefaultContext sets context fields given to every new
// conversation unless the caller supplies its own value.
func WithDefaultContext(ctx map[string]string) Option {
	return func(d *Driver) { d.defaults = maps.Clone(ctx) }
}

// WithNotifier sets the event sink.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Driver) { d.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithRouter passes options to the primary router.
func WithRouter(opts ...router.Option) Option {
	return func(d *Driver) { d.routerOpts = append(d.routerOpts, opts...) }
}

// New binds every specialist in cat to the reasoner and invoker and
// returns a driver persisting to store.
func New(cat *catalog.Catalog, r reasoning.Reasoner, inv action.Invoker, store checkpoint.Store, opts ...Option) (*Driver, error) {
	d := &Driver{
		catalog:  cat,
		store:    store,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
		maxDepth: DefaultMaxDepth,
		units:    make(map[string]*specialist.Unit),
		locks:    make(map[string]*convLock),
	}
	for _, o := range opts {
		o(d)
	}

	d.gate = gate.New(cat, inv, d.logger, gate.WithApprovalRecord(d.recordApproval))
	d.router = router.New(cat, r, d.logger, d.routerOpts...)
	for _, id := range cat.IDs() {
		u, err := specialist.New(id, cat, r, d.gate, inv, d.logger)
		if err != nil {
			return nil, err
		}
		d.units[id] = u
	}
	return d, nil
}

// Catalog returns the catalog the driver was built with.
func (d *Driver) Catalog() *catalog.Catalog { return d.catalog }

// Start creates a conversation and saves its first checkpoint. An
// empty id gets a fresh one.
func (d *Driver) Start(ctx context.Context, id string, fields map[string]string) (*conversation.State, error) {
	if id == "" {
		id = conversation.NewID()
	}
	unlock := d.lock(id)
	defer unlock()

	if _, err := d.store.Load(ctx, id); err == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrConversationExists)
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}

	merged := maps.Clone(d.defaults)
	if merged == nil {
		merged = make(map[string]string, len(fields))
	}
	maps.Copy(merged, fields)

	st := conversation.New(id, merged)
	if _, err := d.store.Save(ctx, st, checkpoint.TriggerStart); err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", id, err)
	}
	d.logger.Info("conversation started", "conversation", id, "context_fields", len(st.Context))
	return st, nil
}

// State returns the newest saved state of a conversation.
func (d *Driver) State(ctx context.Context, id string) (*conversation.State, error) {
	return d.store.Load(ctx, id)
}

// Checkpoints lists a conversation's checkpoint trail, newest first.
func (d *Driver) Checkpoints(ctx context.Context, id string, limit int) ([]*checkpoint.Checkpoint, error) {
	return d.store.List(ctx, id, limit)
}

// Send delivers one human message. While an action awaits approval the
// message is read as a verdict: a short yes or no approves or rejects,
// anything else rejects the action and is passed on as feedback.
func (d *Driver) Send(ctx context.Context, id, text string) (*TurnResult, error) {
	unlock := d.lock(id)
	defer unlock()

	st, err := d.State(ctx, id)
	if err != nil {
		return nil, err
	}
	if st.Pending != nil {
		return d.resolve(ctx, st, gate.ParseVerdict(text))
	}

	mark := st.LastSeq()
	res := &TurnResult{ConversationID: id}
	st.Append(conversation.HumanEntry(text))
	d.drive(ctx, st, res)
	return d.finish(ctx, st, mark, res)
}

// Verdict applies an explicit verdict to the pending action. With
// nothing pending it fails with [*gate.NoPendingActionError] and
// nothing is saved.
func (d *Driver) Verdict(ctx context.Context, id string, v gate.Verdict) (*TurnResult, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid verdict %q", v.Kind)
	}
	unlock := d.lock(id)
	defer unlock()

	st, err := d.State(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.resolve(ctx, st, v)
}

func (d *Driver) resolve(ctx context.Context, st *conversation.State, v gate.Verdict) (*TurnResult, error) {
	if st.Pending == nil {
		return nil, &gate.NoPendingActionError{ConversationID: st.ID}
	}

	mark := st.LastSeq()
	res := &TurnResult{ConversationID: st.ID}
	owner := st.Pending.SpecialistID

	resolution, err := d.gate.Resolve(ctx, st, v)
	if err != nil {
		return nil, err
	}
	res.Resolution = resolution
	d.notifier.Notify(ctx, notify.Event{
		Type:           notify.ApprovalResolved,
		ConversationID: st.ID,
		At:             time.Now().UTC(),
		Unit:           owner,
		ProposalID:     resolution.Proposal.ID,
		Action:         resolution.Proposal.Action,
		Verdict:        string(v.Kind),
		Status:         string(resolution.Proposal.Status),
	})

	if v.Kind == gate.Approve {
		if u := d.units[st.Active()]; u != nil {
			if turn := u.Continue(ctx, st); turn.Signal == specialist.SignalSuspended {
				d.suspended(ctx, st)
				return d.finish(ctx, st, mark, res)
			}
		}
	}

	// The owning unit always reasons again, whether to report the
	// result or to act on the human's objection.
	d.drive(ctx, st, res)
	return d.finish(ctx, st, mark, res)
}

// drive runs units until one replies, an action suspends, reasoning
// fails or the step budget is spent.
func (d *Driver) drive(ctx context.Context, st *conversation.State, res *TurnResult) {
	for step := 0; ; step++ {
		if step >= d.maxSteps {
			d.logger.Warn("step budget exhausted", "conversation", st.ID, "steps", step, "active", st.Active())
			st.Append(conversation.NoticeEntry(st.Active(),
				fmt.Sprintf("Stopped after %d reasoning steps without a reply. Send another message to continue.", step)))
			res.Exhausted = true
			return
		}

		active := st.Active()
		if active == "" {
			dec, err := d.router.Step(ctx, st)
			if err != nil {
				d.fail(st, active, err, res)
				return
			}
			switch dec.Kind {
			case router.Reply:
				return
			case router.Delegate:
				d.push(ctx, st, dec.Target, dec.CallID, dec.Request)
			}
			continue
		}

		u, ok := d.units[active]
		if !ok {
			// A checkpoint from an older catalog can name a unit that
			// no longer exists.
			d.pop(ctx, st, "", fmt.Sprintf("%s is no longer available", active))
			continue
		}

		turn, err := u.Step(ctx, st)
		if err != nil {
			d.fail(st, active, err, res)
			return
		}
		switch turn.Signal {
		case specialist.SignalReply:
			return
		case specialist.SignalSuspended:
			d.suspended(ctx, st)
			return
		case specialist.SignalEscalate:
			d.pop(ctx, st, turn.CallID, turn.Reason)
		case specialist.SignalDelegate:
			d.push(ctx, st, turn.Target, turn.CallID, turn.Request)
		}
	}
}

func (d *Driver) fail(st *conversation.State, unit string, err error, res *TurnResult) {
	d.logger.Error("reasoning failed", "conversation", st.ID, "unit", unitLabel(unit), "error", err)
	st.Append(conversation.NoticeEntry(unit, "Reasoning failed: "+err.Error()))
	res.Failure = err.Error()
}

func (d *Driver) suspended(ctx context.Context, st *conversation.State) {
	p := st.Pending
	d.notifier.Notify(ctx, notify.Event{
		Type:           notify.ApprovalRequired,
		ConversationID: st.ID,
		At:             time.Now().UTC(),
		Unit:           p.SpecialistID,
		ProposalID:     p.ID,
		Action:         p.Action,
		Summary:        gate.Summary(*p),
	})
}

// recordApproval saves the approved but not yet executed proposal, so
// a verdict repeated after a lost save finds it claimed.
func (d *Driver) recordApproval(ctx context.Context, st *conversation.State) error {
	_, err := d.store.Save(ctx, st, checkpoint.TriggerApprove)
	return err
}

// finish saves the checkpoint that ends the call and fills in res. The
// save outlives a cancelled caller because actions may already have
// run.
func (d *Driver) finish(ctx context.Context, st *conversation.State, mark int, res *TurnResult) (*TurnResult, error) {
	trigger := checkpoint.TriggerTurn
	if st.Pending != nil {
		trigger = checkpoint.TriggerSuspend
	}
	if _, err := d.store.Save(context.WithoutCancel(ctx), st, trigger); err != nil {
		return nil, fmt.Errorf("save conversation %s: %w", st.ID, err)
	}

	res.Entries = st.Since(mark)
	res.Active = st.Active()
	if st.Pending != nil {
		p := st.Pending.Clone()
		res.Pending = &p
		res.Summary = gate.Summary(p)
	}
	d.logger.Debug("turn finished",
		"conversation", st.ID,
		"trigger", trigger,
		"entries", len(res.Entries),
		"active", unitLabel(res.Active),
	)
	return res, nil
}

// lock serialises calls on one conversation and returns the unlock.
// An entry lives only while some call holds or waits for it.
func (d *Driver) lock(id string) func() {
	d.mu.Lock()
	l, ok := d.locks[id]
	if !ok {
		l = &convLock{}
		d.locks[id] = l
	}
	l.refs++
	d.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, id)
		}
		d.mu.Unlock()
	}
}

func unitLabel(unit string) string {
	if unit == "" {
		return "primary"
	}
	return unit
}
