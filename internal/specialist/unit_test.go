package specialist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/reasoning"
)

type recorder struct {
	mu    sync.Mutex
	calls []action.Call
}

func (r *recorder) Invoke(_ context.Context, c action.Call) action.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return action.Result{OK: true, Output: c.Action + " ok"}
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.calls {
		out = append(out, c.Action)
	}
	return out
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]catalog.Specialist{
		{
			ID:               "wip",
			Name:             "WIP Specialist",
			SafeActions:      []string{"get_balance", "get_allowance"},
			SensitiveActions: []string{"deposit", "transfer"},
			Handoffs:         []string{"royalty"},
		},
		{ID: "royalty", Name: "Royalty Specialist", SafeActions: []string{"get_claimable"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return cat
}

func newUnit(t *testing.T, r reasoning.Reasoner) (*Unit, *recorder) {
	t.Helper()
	cat := testCatalog(t)
	rec := &recorder{}
	u, err := New("wip", cat, r, gate.New(cat, rec, nil), rec, nil)
	if err != nil {
		t.Fatal(err)
	}
	return u, rec
}

func TestNew_UnknownSpecialist(t *testing.T) {
	cat := testCatalog(t)
	if _, err := New("nope", cat, nil, nil, nil, nil); err == nil {
		t.Error("expected error")
	}
}

func TestEnter(t *testing.T) {
	u, _ := newUnit(t, nil)
	st := conversation.New("c1", nil)

	if err := u.Enter(st, "call-1", "wrap 5 IP"); err != nil {
		t.Fatal(err)
	}
	e := st.History[0]
	if e.Kind != conversation.KindAnnouncement || e.CallID != "call-1" || e.Unit != "wip" {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.Content, "WIP Specialist") || !strings.Contains(e.Content, "Request: wrap 5 IP") {
		t.Errorf("announcement = %q", e.Content)
	}
}

func TestStep_Reply(t *testing.T) {
	u, rec := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Reply("Balance is 3 WIP."))))
	st := conversation.New("c1", nil)

	turn, err := u.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalReply {
		t.Errorf("signal = %s", turn.Signal)
	}
	if len(st.History) != 1 || st.History[0].Kind != conversation.KindAssistant {
		t.Errorf("history = %+v", st.History)
	}
	if len(rec.calls) != 0 {
		t.Errorf("unexpected invocations: %v", rec.actions())
	}
}

func TestStep_SensitiveSuspendsBatch(t *testing.T) {
	u, rec := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Propose(
		reasoning.Call("get_balance", nil),
		reasoning.Call("deposit", map[string]any{"amount": "5"}),
		reasoning.Call("get_allowance", nil),
		reasoning.Call("transfer", nil),
	))))
	st := conversation.New("c1", nil)

	turn, err := u.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalSuspended {
		t.Fatalf("signal = %s", turn.Signal)
	}
	if got := rec.actions(); len(got) != 1 || got[0] != "get_balance" {
		t.Errorf("invoked %v, want only get_balance", got)
	}
	if st.Pending == nil || st.Pending.Action != "deposit" || st.Pending.Classification != catalog.Sensitive {
		t.Fatalf("pending = %+v", st.Pending)
	}
	if len(st.Deferred) != 2 || st.Deferred[0].Action != "get_allowance" || st.Deferred[1].Action != "transfer" {
		t.Errorf("deferred = %+v", st.Deferred)
	}

	calls := st.History[0]
	if calls.Kind != conversation.KindCalls || len(calls.Calls) != 4 {
		t.Fatalf("calls entry = %+v", calls)
	}
	if calls.Calls[1].ID != st.Pending.ID {
		t.Errorf("pending ID %s does not match call %s", st.Pending.ID, calls.Calls[1].ID)
	}
	if len(st.History) != 2 || st.History[1].CallID != calls.Calls[0].ID {
		t.Errorf("history = %+v", st.History)
	}
}

func TestContinue_DispatchesDeferred(t *testing.T) {
	u, rec := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Propose(
		reasoning.Call("deposit", nil),
		reasoning.Call("get_allowance", nil),
		reasoning.Call("transfer", nil),
	))))
	st := conversation.New("c1", nil)
	ctx := context.Background()

	if _, err := u.Step(ctx, st); err != nil {
		t.Fatal(err)
	}
	if _, err := u.gate.Resolve(ctx, st, gate.Verdict{Kind: gate.Approve}); err != nil {
		t.Fatal(err)
	}

	turn := u.Continue(ctx, st)
	if turn.Signal != SignalSuspended {
		t.Fatalf("signal = %s", turn.Signal)
	}
	if got := rec.actions(); len(got) != 2 || got[0] != "deposit" || got[1] != "get_allowance" {
		t.Errorf("invoked %v", got)
	}
	if st.Pending == nil || st.Pending.Action != "transfer" || len(st.Deferred) != 0 {
		t.Errorf("pending = %+v, deferred = %+v", st.Pending, st.Deferred)
	}

	st.Pending = nil
	if turn := u.Continue(ctx, st); turn.Signal != SignalContinue {
		t.Errorf("empty continue signal = %s", turn.Signal)
	}
}

func TestStep_UnknownActionNeverInvoked(t *testing.T) {
	u, rec := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Propose(
		reasoning.Call("get_claimable", nil),
		reasoning.Call("get_balance", nil),
	))))
	st := conversation.New("c1", nil)

	turn, err := u.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalContinue {
		t.Errorf("signal = %s", turn.Signal)
	}
	if got := rec.actions(); len(got) != 1 || got[0] != "get_balance" {
		t.Errorf("invoked %v", got)
	}
	failed := st.History[1]
	if failed.Status != conversation.StatusFailed || failed.Action != "get_claimable" ||
		!strings.Contains(failed.Content, "not declared") {
		t.Errorf("failed entry = %+v", failed)
	}
}

func TestStep_GateBusy(t *testing.T) {
	u, rec := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Propose(reasoning.Call("transfer", nil)))))
	st := conversation.New("c1", nil)
	st.Pending = &conversation.Proposal{ID: "p0", SpecialistID: "wip", Action: "deposit", Classification: catalog.Sensitive}

	turn, err := u.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalContinue || st.Pending.ID != "p0" {
		t.Errorf("signal = %s, pending = %+v", turn.Signal, st.Pending)
	}
	if last := st.History[len(st.History)-1]; last.Status != conversation.StatusFailed || last.Action != "transfer" {
		t.Errorf("last entry = %+v", last)
	}
	if len(rec.calls) != 0 {
		t.Errorf("unexpected invocations: %v", rec.actions())
	}
}

func TestStep_Escalate(t *testing.T) {
	u, _ := newUnit(t, reasoning.NewScript(reasoning.For("wip", reasoning.Escalate("user wants royalties"))))
	st := conversation.New("c1", nil)

	turn, err := u.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalEscalate || turn.Reason != "user wants royalties" {
		t.Errorf("turn = %+v", turn)
	}
	e := st.History[0]
	if e.Kind != conversation.KindCalls || e.Calls[0].Name != reasoning.EscalateTool || e.Calls[0].ID != turn.CallID {
		t.Errorf("entry = %+v", e)
	}
}

func TestStep_Delegate(t *testing.T) {
	u, _ := newUnit(t, reasoning.NewScript(
		reasoning.For("wip", reasoning.Delegate("royalty", "claim revenue")),
		reasoning.For("wip", reasoning.Delegate("dispute", "raise one")),
	))
	st := conversation.New("c1", nil)
	ctx := context.Background()

	turn, err := u.Step(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalDelegate || turn.Target != "royalty" || turn.Request != "claim revenue" {
		t.Errorf("turn = %+v", turn)
	}

	turn, err = u.Step(ctx, st)
	if err != nil {
		t.Fatal(err)
	}
	if turn.Signal != SignalContinue {
		t.Errorf("undeclared handoff signal = %s", turn.Signal)
	}
	last := st.History[len(st.History)-1]
	if last.Status != conversation.StatusFailed || last.Action != "to_dispute" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestStep_ReasoningErrorLeavesState(t *testing.T) {
	boom := errors.New("model overloaded")
	u, _ := newUnit(t, reasoning.NewScript(reasoning.Fail("wip", boom)))
	st := conversation.New("c1", nil)

	if _, err := u.Step(context.Background(), st); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if len(st.History) != 0 {
		t.Errorf("history = %+v", st.History)
	}
}

func TestInput(t *testing.T) {
	script := reasoning.NewScript(reasoning.For("wip", reasoning.Reply("ok")))
	u, _ := newUnit(t, script)
	st := conversation.New("c1", map[string]string{"wallet_address": "0xabc"})
	st.Append(conversation.HumanEntry("hi"))

	if _, err := u.Step(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	in := script.Inputs()[0]
	if in.Conversation != "c1" || in.Unit != "wip" || len(in.Actions) != 4 || len(in.History) != 1 {
		t.Errorf("input = %+v", in)
	}
	if len(in.Targets) != 1 || in.Targets[0].Name != "Royalty Specialist" {
		t.Errorf("targets = %+v", in.Targets)
	}
	if in.Context["wallet_address"] != "0xabc" {
		t.Errorf("context = %v", in.Context)
	}
}
