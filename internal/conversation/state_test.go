package conversation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/concierge/internal/catalog"
)

func TestAppend_Sequence(t *testing.T) {
	st := New("c1", nil)
	st.Append(HumanEntry("hello"))
	st.Append(AssistantEntry("", "hi"))
	e := st.Append(NoticeEntry("", "oops"))

	if e.Seq != 3 {
		t.Errorf("Seq = %d, want 3", e.Seq)
	}
	for i, got := range st.History {
		if got.Seq != i+1 {
			t.Errorf("History[%d].Seq = %d", i, got.Seq)
		}
	}
	if got := st.Since(1); len(got) != 2 || got[0].Content != "hi" {
		t.Errorf("Since(1) = %+v", got)
	}
	if got := st.Since(3); got != nil {
		t.Errorf("Since(3) = %+v, want nil", got)
	}
}

func TestPushPop(t *testing.T) {
	st := New("c1", nil)

	if got := st.Pop(); got != "" {
		t.Errorf("Pop on empty = %q", got)
	}
	if st.Active() != "" {
		t.Errorf("Active = %q", st.Active())
	}

	if err := st.Push("ipasset"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := st.Push("ipasset"); !errors.Is(err, ErrSelfReentry) {
		t.Errorf("Push self = %v, want ErrSelfReentry", err)
	}
	if err := st.Push("license"); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if st.Active() != "license" || st.Depth() != 2 {
		t.Errorf("Active = %q, Depth = %d", st.Active(), st.Depth())
	}

	if got := st.Pop(); got != "license" {
		t.Errorf("Pop = %q, want license", got)
	}
	if st.Active() != "ipasset" {
		t.Errorf("Active = %q, want ipasset", st.Active())
	}
}

func TestContext(t *testing.T) {
	fields := map[string]string{"wallet_address": "0xabc", "empty": ""}
	st := New("c1", fields)

	if _, ok := st.Context["empty"]; ok {
		t.Error("empty value stored")
	}
	fields["wallet_address"] = "0xdef"
	if st.Context["wallet_address"] != "0xabc" {
		t.Errorf("wallet_address = %q, caller's map leaked into the state", st.Context["wallet_address"])
	}

	st.UpdateContext(map[string]string{"wallet_address": "0xdef", "spg_nft_contract": "0xnft"})
	if st.Context["wallet_address"] != "0xdef" || st.Context["spg_nft_contract"] != "0xnft" {
		t.Errorf("context = %v after UpdateContext", st.Context)
	}
	st.UpdateContext(nil)
	if len(st.Context) != 2 {
		t.Errorf("context = %v after empty update", st.Context)
	}
}

func sampleState() *State {
	st := New("conv-1", map[string]string{"wallet_address": "0xeC2E"})
	st.Append(HumanEntry("register my image"))
	st.Append(CallsEntry("", "", []Call{{ID: "call-1", Name: "to_ipasset", Arguments: map[string]any{"request": "register"}}}))
	_ = st.Push("ipasset")
	st.Append(Entry{Kind: KindAnnouncement, Unit: "ipasset", CallID: "call-1", Content: "now the IP Asset Specialist"})
	st.Append(CallsEntry("ipasset", "", []Call{{
		ID:        "p-1",
		Name:      "register",
		Arguments: map[string]any{"token_id": 42.0, "tags": []any{"a", "b"}, "meta": map[string]any{"k": "v"}},
	}}))
	st.Pending = &Proposal{
		ID:             "p-1",
		SpecialistID:   "ipasset",
		Action:         "register",
		Arguments:      map[string]any{"token_id": 42.0},
		Classification: catalog.Sensitive,
		Status:         StatusProposed,
	}
	st.Deferred = []Proposal{{
		ID:             "p-2",
		SpecialistID:   "ipasset",
		Action:         "attach_license_terms",
		Classification: catalog.Sensitive,
		Status:         StatusProposed,
	}}
	return st
}

func TestState_JSONRoundTrip(t *testing.T) {
	st := sampleState()

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got State
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if diff := cmp.Diff(st, &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestClone_Independent(t *testing.T) {
	st := sampleState()
	c := st.Clone()

	if diff := cmp.Diff(st, c); diff != "" {
		t.Fatalf("clone differs (-want +got):\n%s", diff)
	}

	c.History[3].Calls[0].Arguments["meta"].(map[string]any)["k"] = "changed"
	c.Pending.Arguments["token_id"] = 7.0
	c.DialogStack[0] = "wip"
	c.Context["wallet_address"] = "0x0"
	c.Deferred[0].Action = "register"

	if st.History[3].Calls[0].Arguments["meta"].(map[string]any)["k"] != "v" {
		t.Error("nested argument shared with clone")
	}
	if st.Pending.Arguments["token_id"] != 42.0 {
		t.Error("pending arguments shared with clone")
	}
	if st.DialogStack[0] != "ipasset" || st.Context["wallet_address"] != "0xeC2E" {
		t.Error("stack or context shared with clone")
	}
	if st.Deferred[0].Action != "attach_license_terms" {
		t.Error("deferred shared with clone")
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusExecuted, StatusFailed, StatusRejected, StatusModified} {
		if !s.Terminal() {
			t.Errorf("%s not terminal", s)
		}
	}
	for _, s := range []Status{StatusProposed, StatusApproved} {
		if s.Terminal() {
			t.Errorf("%s terminal", s)
		}
	}
}
