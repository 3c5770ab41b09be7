package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/goleak"

	"github.com/nugget/concierge/internal/action"
	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/checkpoint"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/gate"
	"github.com/nugget/concierge/internal/notify"
	"github.com/nugget/concierge/internal/reasoning"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []action.Call
	results map[string]action.Result
	during  func(action.Call)
}

func (f *fakeInvoker) Invoke(_ context.Context, c action.Call) action.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.during != nil {
		f.during(c)
	}
	if r, ok := f.results[c.Action]; ok {
		return r
	}
	return action.Result{OK: true, Output: c.Action + " done"}
}

func (f *fakeInvoker) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Action)
	}
	return out
}

type harness struct {
	driver *Driver
	script *reasoning.Script
	inv    *fakeInvoker
	store  *checkpoint.MemoryStore
	events *notify.Recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		script: reasoning.NewScript(),
		inv:    &fakeInvoker{results: map[string]action.Result{}},
		store:  checkpoint.NewMemoryStore(),
		events: &notify.Recorder{},
	}
	h.build(t, h.store, opts...)
	return h
}

// newSQLHarness persists to a SQLite checkpoint store instead of memory.
func newSQLHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := checkpoint.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	h := &harness{
		script: reasoning.NewScript(),
		inv:    &fakeInvoker{results: map[string]action.Result{}},
		events: &notify.Recorder{},
	}
	h.build(t, store, opts...)
	return h
}

func (h *harness) build(t *testing.T, store checkpoint.Store, opts ...Option) {
	t.Helper()
	opts = append([]Option{
		WithNotifier(h.events),
		WithDefaultContext(map[string]string{"wallet_address": "0xabc"}),
	}, opts...)
	d, err := New(catalog.Builtin(), h.script, h.inv, store, opts...)
	if err != nil {
		t.Fatal(err)
	}
	h.driver = d
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	st, err := h.driver.Start(context.Background(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return st.ID
}

func (h *harness) send(t *testing.T, id, text string) *TurnResult {
	t.Helper()
	res, err := h.driver.Send(context.Background(), id, text)
	if err != nil {
		t.Fatalf("Send(%q): %v", text, err)
	}
	return res
}

func (h *harness) state(t *testing.T, id string) *conversation.State {
	t.Helper()
	st, err := h.driver.State(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func kinds(entries []conversation.Entry) []conversation.Kind {
	out := make([]conversation.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func executedResults(st *conversation.State) int {
	n := 0
	for _, e := range st.History {
		if e.Kind == conversation.KindResult && e.Status == conversation.StatusExecuted {
			n++
		}
	}
	return n
}

// The router hands a balance question to its specialist, the safe
// action runs without asking, and the specialist replies.
func TestScenarioA_SafeActionNeedsNoVerdict(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("ipaccount", "check the WIP balance")),
		reasoning.For("ipaccount", reasoning.Propose(reasoning.Call("get_erc20_token_balance", map[string]any{"address": "0xabc"}))),
		reasoning.For("ipaccount", reasoning.Reply("You hold 12 WIP.")),
	)

	res := h.send(t, id, "what's my balance")

	if res.Pending != nil || res.Failure != "" {
		t.Fatalf("result = %+v", res)
	}
	if res.Reply() != "You hold 12 WIP." || res.Active != "ipaccount" {
		t.Errorf("reply = %q, active = %q", res.Reply(), res.Active)
	}
	want := []conversation.Kind{
		conversation.KindHuman,
		conversation.KindCalls,
		conversation.KindAnnouncement,
		conversation.KindCalls,
		conversation.KindResult,
		conversation.KindAssistant,
	}
	if got := kinds(res.Entries); !equalKinds(got, want) {
		t.Errorf("entries = %v, want %v", got, want)
	}
	if got := h.inv.invoked(); len(got) != 1 || got[0] != "get_erc20_token_balance" {
		t.Errorf("invoked %v", got)
	}
	for _, e := range h.events.Events() {
		if e.Type == notify.ApprovalRequired {
			t.Error("safe action asked for approval")
		}
	}
	if h.script.Remaining() != 0 {
		t.Errorf("%d script steps unused", h.script.Remaining())
	}
}

func suspendRegister(t *testing.T, h *harness, id string) *TurnResult {
	t.Helper()
	h.script.Push(
		reasoning.For("", reasoning.Delegate("ipasset", "register my artwork")),
		reasoning.For("ipasset", reasoning.Propose(reasoning.Call("register", map[string]any{"name": "Sunrise", "token_id": 7}))),
	)
	res := h.send(t, id, "register my artwork as an IP asset")
	if res.Pending == nil || res.Pending.Action != "register" {
		t.Fatalf("expected register to be pending, got %+v", res)
	}
	return res
}

// A rejected sensitive action is never executed and the unit keeps
// the conversation.
func TestScenarioB_RejectNeverExecutes(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	res := suspendRegister(t, h, id)

	if !strings.Contains(res.Summary, "ipasset wants to run register") || !strings.Contains(res.Summary, "name: Sunrise") {
		t.Errorf("summary = %q", res.Summary)
	}
	if len(h.inv.invoked()) != 0 {
		t.Fatalf("invoked before verdict: %v", h.inv.invoked())
	}

	h.script.Push(reasoning.For("ipasset", reasoning.Reply("Understood, nothing was registered.")))
	res = h.send(t, id, "reject")

	if len(h.inv.invoked()) != 0 {
		t.Errorf("rejected action invoked: %v", h.inv.invoked())
	}
	if res.Resolution == nil || res.Resolution.Executed || res.Resolution.Proposal.Status != conversation.StatusRejected {
		t.Errorf("resolution = %+v", res.Resolution)
	}

	st := h.state(t, id)
	if st.Pending != nil {
		t.Errorf("pending = %+v", st.Pending)
	}
	if st.Active() != "ipasset" {
		t.Errorf("active = %q, want ipasset", st.Active())
	}
	if executedResults(st) != 0 {
		t.Error("history shows an execution result")
	}
	if got := h.events.Types(); len(got) < 2 || got[len(got)-1] != notify.ApprovalResolved {
		t.Errorf("events = %v", got)
	}
}

// Free-text feedback closes the proposal without executing it, lands in
// the history as a human message, and the unit proposes again.
func TestScenarioC_FeedbackRedirects(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	first := suspendRegister(t, h, id)

	h.script.Push(reasoning.For("ipasset", reasoning.Propose(reasoning.Call("register", map[string]any{"name": "X", "token_id": 7}))))
	res := h.send(t, id, "use name X instead")

	if len(h.inv.invoked()) != 0 {
		t.Fatalf("invoked on feedback: %v", h.inv.invoked())
	}
	if res.Resolution.Verdict.Kind != gate.Feedback || res.Resolution.Proposal.Status != conversation.StatusModified {
		t.Errorf("resolution = %+v", res.Resolution)
	}
	if res.Pending == nil || res.Pending.Arguments["name"] != "X" || res.Pending.ID == first.Pending.ID {
		t.Fatalf("revised pending = %+v", res.Pending)
	}

	var sawFeedback, sawModified bool
	for _, e := range res.Entries {
		if e.Kind == conversation.KindHuman && e.Content == "use name X instead" {
			sawFeedback = true
		}
		if e.Kind == conversation.KindResult && e.CallID == first.Pending.ID && e.Status == conversation.StatusModified {
			sawModified = true
		}
	}
	if !sawFeedback || !sawModified {
		t.Errorf("entries = %+v", res.Entries)
	}

	// The revised proposal from the second reasoning call is the one
	// approved and executed.
	h.script.Push(reasoning.For("ipasset", reasoning.Reply("Registered as X.")))
	res, err := h.driver.Verdict(context.Background(), id, gate.Verdict{Kind: gate.Approve})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Resolution.Executed || res.Reply() != "Registered as X." {
		t.Errorf("result = %+v", res)
	}
	if len(h.inv.calls) != 1 || h.inv.calls[0].Arguments["name"] != "X" {
		t.Errorf("calls = %+v", h.inv.calls)
	}
}

// An escalation pops exactly one frame and the router answers with the
// reason already in history.
func TestScenarioD_EscalationReturnsToRouter(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("wip", "wrap some IP")),
		reasoning.For("wip", reasoning.Escalate("out of scope")),
		reasoning.For("", reasoning.Reply("Wrapping is handled elsewhere. Anything else?")),
	)

	res := h.send(t, id, "what's the weather")

	st := h.state(t, id)
	if st.Depth() != 0 || st.Pending != nil {
		t.Errorf("stack = %v, pending = %+v", st.DialogStack, st.Pending)
	}

	var esc *conversation.Entry
	for i := range res.Entries {
		if res.Entries[i].Kind == conversation.KindEscalation {
			esc = &res.Entries[i]
		}
	}
	if esc == nil {
		t.Fatalf("no escalation entry in %v", kinds(res.Entries))
	}
	if !strings.Contains(esc.Content, "Resuming dialog with the host assistant") || !strings.Contains(esc.Content, "out of scope") {
		t.Errorf("escalation = %q", esc.Content)
	}
	if esc.Unit != "wip" || esc.CallID == "" {
		t.Errorf("escalation entry = %+v", esc)
	}

	inputs := h.script.Inputs()
	last := inputs[len(inputs)-1]
	if !last.Primary() || last.History[len(last.History)-1].Kind != conversation.KindEscalation {
		t.Errorf("router did not see the escalation last: %+v", last)
	}
	if res.Reply() != "Wrapping is handled elsewhere. Anything else?" || res.Active != "" {
		t.Errorf("reply = %q, active = %q", res.Reply(), res.Active)
	}
	if got := h.events.Types(); len(got) != 2 || got[0] != notify.Delegated || got[1] != notify.Escalated {
		t.Errorf("events = %v", got)
	}
}

func TestEscalation_PopsOneFrameOfNested(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("ipasset", "register with terms")),
		reasoning.For("ipasset", reasoning.Delegate("license", "pick commercial terms")),
		reasoning.For("license", reasoning.Escalate("terms chosen")),
		reasoning.For("ipasset", reasoning.Reply("Terms noted, ready to register.")),
	)

	res := h.send(t, id, "register with commercial terms")

	if res.Active != "ipasset" {
		t.Errorf("active = %q, want ipasset", res.Active)
	}
	st := h.state(t, id)
	if len(st.DialogStack) != 1 || st.DialogStack[0] != "ipasset" {
		t.Errorf("stack = %v", st.DialogStack)
	}
	for _, e := range res.Entries {
		if e.Kind == conversation.KindEscalation && !strings.Contains(e.Content, "the IP Asset Specialist") {
			t.Errorf("escalation names the wrong owner: %q", e.Content)
		}
	}
}

func TestApproval_DispatchesDeferred(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("ipasset", "upload and describe")),
		reasoning.For("ipasset", reasoning.Propose(
			reasoning.Call("upload_image_to_ipfs", map[string]any{"image": "a.png"}),
			reasoning.Call("create_ip_metadata", map[string]any{"title": "A"}),
		)),
	)
	res := h.send(t, id, "upload a.png and create metadata")
	if res.Pending.Action != "upload_image_to_ipfs" {
		t.Fatalf("pending = %+v", res.Pending)
	}
	if st := h.state(t, id); len(st.Deferred) != 1 {
		t.Fatalf("deferred = %+v", st.Deferred)
	}

	res = h.send(t, id, "yes")
	if res.Pending == nil || res.Pending.Action != "create_ip_metadata" {
		t.Fatalf("second pending = %+v", res.Pending)
	}
	if got := h.inv.invoked(); len(got) != 1 || got[0] != "upload_image_to_ipfs" {
		t.Errorf("invoked %v", got)
	}

	h.script.Push(reasoning.For("ipasset", reasoning.Reply("Both done.")))
	res = h.send(t, id, "approve")
	if res.Pending != nil || res.Reply() != "Both done." {
		t.Errorf("result = %+v", res)
	}

	want := []notify.EventType{notify.Delegated, notify.ApprovalRequired, notify.ApprovalResolved, notify.ApprovalRequired, notify.ApprovalResolved}
	got := h.events.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRejection_DropsDeferred(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("wip", "wrap and send")),
		reasoning.For("wip", reasoning.Propose(
			reasoning.Call("deposit_wip", map[string]any{"amount": "5"}),
			reasoning.Call("transfer_wip", map[string]any{"to": "0xbeef"}),
		)),
	)
	h.send(t, id, "wrap 5 IP and send it to 0xbeef")

	h.script.Push(reasoning.For("wip", reasoning.Reply("Nothing was sent.")))
	res := h.send(t, id, "no")

	if len(h.inv.invoked()) != 0 {
		t.Errorf("invoked %v", h.inv.invoked())
	}
	if len(res.Resolution.Dropped) != 1 || res.Resolution.Dropped[0].Action != "transfer_wip" {
		t.Errorf("dropped = %+v", res.Resolution.Dropped)
	}
	if res.Resolution.Verdict.Text != "no" {
		t.Errorf("verdict = %+v, want the typed word kept", res.Resolution.Verdict)
	}
	denial := res.Entries[0]
	if denial.Action != "deposit_wip" || !strings.Contains(denial.Content, "Reasoning: 'no'") {
		t.Errorf("denial = %+v", denial)
	}
	for _, e := range res.Entries {
		if e.Kind == conversation.KindHuman {
			t.Errorf("rejection added a human entry: %+v", e)
		}
	}
	st := h.state(t, id)
	if st.Pending != nil || len(st.Deferred) != 0 {
		t.Errorf("pending = %+v, deferred = %+v", st.Pending, st.Deferred)
	}
}

func TestApproval_AppliesContextUpdates(t *testing.T) {
	h := newHarness(t)
	h.inv.results["create_spg_nft_collection"] = action.Result{
		OK:     true,
		Output: `{"spg_nft_contract":"0xnft"}`,
		Data:   map[string]any{"spg_nft_contract": "0xnft"},
	}
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("nftclient", "make a collection")),
		reasoning.For("nftclient", reasoning.Propose(reasoning.Call("create_spg_nft_collection", map[string]any{"name": "Art"}))),
	)
	h.send(t, id, "create an NFT collection called Art")

	h.script.Push(reasoning.For("nftclient", reasoning.Reply("Collection created.")))
	h.send(t, id, "y")

	st := h.state(t, id)
	if st.Context["spg_nft_contract"] != "0xnft" {
		t.Errorf("context = %v", st.Context)
	}
	if st.Context["wallet_address"] != "0xabc" {
		t.Errorf("default context lost: %v", st.Context)
	}
}

func TestVerdict_NothingPending(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)

	before, _ := h.store.List(context.Background(), id, 0)
	_, err := h.driver.Verdict(context.Background(), id, gate.Verdict{Kind: gate.Approve})

	var none *gate.NoPendingActionError
	if !errors.As(err, &none) || none.ConversationID != id {
		t.Fatalf("err = %v, want NoPendingActionError", err)
	}
	after, _ := h.store.List(context.Background(), id, 0)
	if len(after) != len(before) {
		t.Errorf("checkpoints went from %d to %d", len(before), len(after))
	}

	if _, err := h.driver.Verdict(context.Background(), id, gate.Verdict{Kind: "maybe"}); err == nil {
		t.Error("expected invalid verdict error")
	}
}

// A caller that goes away while an approved transfer runs still gets
// the outcome saved, and approving again cannot repeat the transfer.
func TestApproval_CancelledCallerRunsActionOnce(t *testing.T) {
	h := newSQLHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("wip", "send WIP")),
		reasoning.For("wip", reasoning.Propose(reasoning.Call("transfer_wip", map[string]any{"to": "0xbeef", "amount": "5"}))),
	)
	h.send(t, id, "send 5 WIP to 0xbeef")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.inv.during = func(action.Call) { cancel() }

	res, err := h.driver.Verdict(ctx, id, gate.Verdict{Kind: gate.Approve})
	if err != nil {
		t.Fatalf("Verdict: %v", err)
	}
	if !res.Resolution.Executed || res.Pending != nil {
		t.Errorf("result = %+v", res)
	}

	st := h.state(t, id)
	if st.Pending != nil || executedResults(st) != 1 {
		t.Fatalf("saved pending = %+v, executed results = %d", st.Pending, executedResults(st))
	}

	_, err = h.driver.Verdict(context.Background(), id, gate.Verdict{Kind: gate.Approve})
	var none *gate.NoPendingActionError
	if !errors.As(err, &none) {
		t.Errorf("second approval = %v, want NoPendingActionError", err)
	}
	if got := h.inv.invoked(); len(got) != 1 || got[0] != "transfer_wip" {
		t.Errorf("invoked %v, want transfer_wip once", got)
	}

	trail, err := h.driver.Checkpoints(context.Background(), id, 0)
	if err != nil {
		t.Fatal(err)
	}
	var triggers []checkpoint.Trigger
	for _, cp := range trail {
		triggers = append(triggers, cp.Trigger)
	}
	want := []checkpoint.Trigger{checkpoint.TriggerTurn, checkpoint.TriggerApprove, checkpoint.TriggerSuspend, checkpoint.TriggerStart}
	if len(triggers) != len(want) {
		t.Fatalf("triggers = %v, want %v", triggers, want)
	}
	for i := range want {
		if triggers[i] != want[i] {
			t.Errorf("trigger %d = %s, want %s", i, triggers[i], want[i])
		}
	}
}

// The newest checkpoint shows an approval whose outcome was never
// saved. The next verdict closes it out instead of running it again.
func TestApproval_InterruptedIsNotRepeated(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("wip", "wrap and send")),
		reasoning.For("wip", reasoning.Propose(
			reasoning.Call("deposit_wip", map[string]any{"amount": "5"}),
			reasoning.Call("transfer_wip", map[string]any{"to": "0xbeef"}),
		)),
	)
	h.send(t, id, "wrap 5 IP and send it to 0xbeef")

	st := h.state(t, id)
	st.Pending.Status = conversation.StatusApproved
	if _, err := h.store.Save(context.Background(), st, checkpoint.TriggerApprove); err != nil {
		t.Fatal(err)
	}

	h.script.Push(reasoning.For("wip", reasoning.Reply("Let me check whether the deposit went through.")))
	res := h.send(t, id, "yes")

	if got := h.inv.invoked(); len(got) != 0 {
		t.Errorf("invoked %v", got)
	}
	if res.Resolution == nil || res.Resolution.Executed || res.Resolution.Proposal.Status != conversation.StatusFailed {
		t.Fatalf("resolution = %+v", res.Resolution)
	}
	var closed bool
	for _, e := range res.Entries {
		if e.Kind == conversation.KindResult && e.Action == "deposit_wip" && e.Content == gate.InterruptedText {
			closed = true
		}
	}
	if !closed {
		t.Errorf("no interrupted result in %+v", res.Entries)
	}
	st = h.state(t, id)
	if st.Pending != nil || len(st.Deferred) != 0 {
		t.Errorf("pending = %+v, deferred = %+v", st.Pending, st.Deferred)
	}
}

func TestBudgetExhaustion(t *testing.T) {
	h := newHarness(t, WithLimits(3, 0))
	id := h.start(t)
	for range 3 {
		h.script.Push(reasoning.For("", reasoning.Delegate("travel", "book")))
	}

	res := h.send(t, id, "book me a flight")

	if !res.Exhausted {
		t.Fatal("expected exhausted budget")
	}
	last := res.Entries[len(res.Entries)-1]
	if last.Kind != conversation.KindNotice || !strings.Contains(last.Content, "3 reasoning steps") {
		t.Errorf("last entry = %+v", last)
	}
}

func TestReasoningFailure_IsResumable(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("license", "fee")),
		reasoning.Fail("license", errors.New("provider unavailable")),
	)

	res := h.send(t, id, "what is the minting fee for license 3")
	if !strings.Contains(res.Failure, "provider unavailable") {
		t.Fatalf("failure = %q", res.Failure)
	}
	if last := res.Entries[len(res.Entries)-1]; last.Kind != conversation.KindNotice {
		t.Errorf("last entry = %+v", last)
	}
	if res.Active != "license" {
		t.Errorf("active = %q", res.Active)
	}

	h.script.Push(reasoning.For("license", reasoning.Reply("The fee is 1 WIP.")))
	res = h.send(t, id, "try again")
	if res.Reply() != "The fee is 1 WIP." || res.Failure != "" {
		t.Errorf("retry result = %+v", res)
	}
}

func TestDepthLimit(t *testing.T) {
	h := newHarness(t, WithLimits(0, 1))
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Delegate("ipasset", "register")),
		reasoning.For("ipasset", reasoning.Delegate("license", "terms")),
		reasoning.For("ipasset", reasoning.Reply("I'll pick default terms.")),
	)

	res := h.send(t, id, "register with terms")

	st := h.state(t, id)
	if len(st.DialogStack) != 1 {
		t.Errorf("stack = %v", st.DialogStack)
	}
	var refused bool
	for _, e := range res.Entries {
		if e.Kind == conversation.KindResult && e.Action == "to_license" && e.Status == conversation.StatusFailed {
			refused = true
		}
	}
	if !refused {
		t.Errorf("no refused delegation in %+v", res.Entries)
	}
}

func TestCheckpointPerCall(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.For("", reasoning.Reply("Hi!")),
		reasoning.For("", reasoning.Reply("Bye!")),
	)
	h.send(t, id, "hello")
	h.send(t, id, "goodbye")

	trail, err := h.driver.Checkpoints(context.Background(), id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 3 {
		t.Fatalf("got %d checkpoints, want 3", len(trail))
	}
	if trail[2].Trigger != checkpoint.TriggerStart || trail[0].Trigger != checkpoint.TriggerTurn || trail[0].EntryCount != 4 {
		t.Errorf("trail = %+v %+v", trail[0], trail[2])
	}
}

func TestStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.driver.Start(ctx, "conv-1", map[string]string{"wallet_address": "0xdef", "chain": "aeneid"})
	if err != nil {
		t.Fatal(err)
	}
	if st.Context["wallet_address"] != "0xdef" || st.Context["chain"] != "aeneid" {
		t.Errorf("context = %v", st.Context)
	}
	if _, err := h.driver.Start(ctx, "conv-1", nil); !errors.Is(err, ErrConversationExists) {
		t.Errorf("err = %v, want ErrConversationExists", err)
	}
	if _, err := h.driver.Send(ctx, "missing", "hi"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSend_SerialisesConversation(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(
		reasoning.Step{Any: true, Outcome: reasoning.Reply("one")},
		reasoning.Step{Any: true, Outcome: reasoning.Reply("two")},
	)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, text := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.driver.Send(context.Background(), id, text)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	st := h.state(t, id)
	if len(st.History) != 4 {
		t.Fatalf("history has %d entries, want 4", len(st.History))
	}
	if st.History[0].Kind != conversation.KindHuman || st.History[1].Kind != conversation.KindAssistant ||
		st.History[2].Kind != conversation.KindHuman || st.History[3].Kind != conversation.KindAssistant {
		t.Errorf("interleaved history: %v", kinds(st.History))
	}
}

func TestLocks_ReleasedAfterCalls(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	h.script.Push(reasoning.Step{Any: true, Outcome: reasoning.Reply("hi")})
	h.send(t, id, "hello")

	ctx := context.Background()
	for _, missing := range []string{"missing-1", "missing-2"} {
		if _, err := h.driver.Send(ctx, missing, "hi"); !errors.Is(err, checkpoint.ErrNotFound) {
			t.Errorf("Send(%s) = %v", missing, err)
		}
		if _, err := h.driver.Verdict(ctx, missing, gate.Verdict{Kind: gate.Approve}); !errors.Is(err, checkpoint.ErrNotFound) {
			t.Errorf("Verdict(%s) = %v", missing, err)
		}
	}
	if _, err := h.driver.Verdict(ctx, id, gate.Verdict{Kind: gate.Approve}); err == nil {
		t.Error("expected NoPendingActionError")
	}

	h.driver.mu.Lock()
	n := len(h.driver.locks)
	h.driver.mu.Unlock()
	if n != 0 {
		t.Errorf("%d conversation locks left behind", n)
	}
}

func equalKinds(a, b []conversation.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
