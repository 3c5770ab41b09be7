package router

import (
	"context"
	"errors"
	"testing"

	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/reasoning"
)

func newRouter(t *testing.T, steps ...reasoning.Step) (*Router, *reasoning.Script) {
	t.Helper()
	cat, err := catalog.New([]catalog.Specialist{
		{ID: "license", Name: "License Specialist", Description: "License terms.", SafeActions: []string{"get_license_terms"}},
		{ID: "wip", Name: "WIP Specialist", SensitiveActions: []string{"deposit"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	script := reasoning.NewScript(steps...)
	return New(cat, script, nil), script
}

func TestStep_Reply(t *testing.T) {
	r, _ := newRouter(t, reasoning.For("", reasoning.Reply("Hello! How can I help?")))
	st := conversation.New("c1", nil)

	d, err := r.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Reply {
		t.Errorf("kind = %s", d.Kind)
	}
	if e := st.History[0]; e.Kind != conversation.KindAssistant || e.Unit != "" {
		t.Errorf("entry = %+v", e)
	}
}

func TestStep_Delegate(t *testing.T) {
	r, script := newRouter(t, reasoning.For("", reasoning.Delegate("license", "terms for 5")))
	st := conversation.New("c1", map[string]string{"wallet_address": "0xabc"})

	d, err := r.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Delegate || d.Target != "license" || d.Request != "terms for 5" {
		t.Errorf("decision = %+v", d)
	}
	e := st.History[0]
	if e.Kind != conversation.KindCalls || e.Calls[0].ID != d.CallID || e.Calls[0].Name != "to_license" {
		t.Errorf("entry = %+v", e)
	}

	in := script.Inputs()[0]
	if !in.Primary() || len(in.Targets) != 2 || in.Targets[0].Description != "License terms." {
		t.Errorf("input = %+v", in)
	}
	if in.Prompt != reasoning.PrimaryPrompt {
		t.Error("primary prompt not passed")
	}
}

func TestStep_UnknownTargetRetries(t *testing.T) {
	r, _ := newRouter(t, reasoning.For("", reasoning.Delegate("travel", "book a flight")))
	st := conversation.New("c1", nil)

	d, err := r.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Retry {
		t.Errorf("kind = %s", d.Kind)
	}
	if len(st.History) != 2 {
		t.Fatalf("history = %+v", st.History)
	}
	res := st.History[1]
	if res.Status != conversation.StatusFailed || res.CallID != st.History[0].Calls[0].ID {
		t.Errorf("result = %+v", res)
	}
}

func TestStep_ActionsRefused(t *testing.T) {
	r, _ := newRouter(t, reasoning.For("", reasoning.Propose(
		reasoning.Call("get_license_terms", nil),
		reasoning.Call("deposit", nil),
	)))
	st := conversation.New("c1", nil)

	d, err := r.Step(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Retry {
		t.Errorf("kind = %s", d.Kind)
	}
	if len(st.History) != 3 || st.History[1].Status != conversation.StatusFailed || st.History[2].Status != conversation.StatusFailed {
		t.Errorf("history = %+v", st.History)
	}
}

func TestStep_Error(t *testing.T) {
	boom := errors.New("timeout")
	r, _ := newRouter(t, reasoning.Fail("", boom))
	st := conversation.New("c1", nil)

	if _, err := r.Step(context.Background(), st); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if len(st.History) != 0 {
		t.Errorf("history = %+v", st.History)
	}
}

func TestWithOptions(t *testing.T) {
	cat, err := catalog.New([]catalog.Specialist{{ID: "wip", SafeActions: []string{"a"}}})
	if err != nil {
		t.Fatal(err)
	}
	script := reasoning.NewScript(reasoning.For("", reasoning.Reply("ok")))
	r := New(cat, script, nil, WithPrompt("route {{.Time}}"), WithModel("claude-haiku"))
	if _, err := r.Step(context.Background(), conversation.New("c1", nil)); err != nil {
		t.Fatal(err)
	}
	in := script.Inputs()[0]
	if in.Prompt != "route {{.Time}}" || in.Model != "claude-haiku" {
		t.Errorf("input = %+v", in)
	}
}
