package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/llm"
	"github.com/nugget/concierge/internal/mcp"
)

type fakeChat struct {
	replies  []llm.Message
	err      error
	requests [][]llm.Message
	tools    [][]llm.Tool
	models   []string
}

func (f *fakeChat) Chat(_ context.Context, model string, msgs []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	f.requests = append(f.requests, append([]llm.Message(nil), msgs...))
	f.tools = append(f.tools, tools)
	f.models = append(f.models, model)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.replies) == 0 {
		return &llm.Response{Model: model, InputTokens: 10}, nil
	}
	m := f.replies[0]
	f.replies = f.replies[1:]
	return &llm.Response{Model: model, Message: m, InputTokens: 10, OutputTokens: 2}, nil
}

func (f *fakeChat) Ping(context.Context) error { return nil }

type fakeSchemas map[string]mcp.Tool

func (f fakeSchemas) Tools(context.Context, string) (map[string]mcp.Tool, error) { return f, nil }

func fixedNow() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func TestRenderPrompt(t *testing.T) {
	got, err := RenderPrompt(PrimaryPrompt, map[string]string{"wallet_address": "0xabc"}, fixedNow())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "wallet address: 0xabc") || !strings.Contains(got, "2026") {
		t.Errorf("rendered prompt = %q", got)
	}

	got, err = RenderPrompt(PrimaryPrompt, nil, fixedNow())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "wallet address: Not provided") {
		t.Errorf("missing wallet not defaulted: %q", got)
	}

	if _, err := RenderPrompt("{{.Context", nil, fixedNow()); err == nil {
		t.Error("expected parse error")
	}
}

func TestMessages(t *testing.T) {
	history := []conversation.Entry{
		conversation.HumanEntry("wrap 5 IP"),
		conversation.CallsEntry("", "", []conversation.Call{{ID: "c1", Name: "to_wip", Arguments: map[string]any{"request": "wrap"}}}),
		{Kind: conversation.KindAnnouncement, Unit: "wip", CallID: "c1", Content: "now WIP"},
		conversation.NoticeEntry("wip", "budget"),
		conversation.ResultEntry("wip", "c2", "deposit", conversation.StatusExecuted, "ok"),
		conversation.AssistantEntry("wip", "done"),
	}
	got := Messages(history)
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "wrap 5 IP"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "to_wip", Arguments: map[string]any{"request": "wrap"}}}},
		{Role: llm.RoleTool, Content: "now WIP", ToolCallID: "c1"},
		{Role: llm.RoleTool, Content: "ok", ToolCallID: "c2", ToolName: "deposit"},
		{Role: llm.RoleAssistant, Content: "done"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Messages mismatch (-want +got):\n%s", diff)
	}
}

func TestLLM_Tools(t *testing.T) {
	chat := &fakeChat{replies: []llm.Message{{Content: "hello"}}}
	schemas := fakeSchemas{"get_license_terms": {
		Name:        "get_license_terms",
		Description: "Fetch license terms.",
		InputSchema: map[string]any{"type": "object"},
	}}
	r := NewLLM(chat, "default-model", schemas, nil)

	_, err := r.Reason(context.Background(), Input{
		Unit:    "license",
		Prompt:  "You are the license specialist.",
		Actions: []string{"get_license_terms", "mint_license_tokens"},
		Targets: []Target{{ID: "royalty", Name: "Royalty Specialist"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, tool := range chat.tools[0] {
		names = append(names, tool.Name)
	}
	want := []string{"get_license_terms", "mint_license_tokens", EscalateTool, "to_royalty"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tools mismatch (-want +got):\n%s", diff)
	}
	if chat.tools[0][0].Description != "Fetch license terms." || chat.tools[0][0].Parameters == nil {
		t.Errorf("schema not bound: %+v", chat.tools[0][0])
	}
	if chat.models[0] != "default-model" {
		t.Errorf("model = %q", chat.models[0])
	}
	if chat.requests[0][0].Role != llm.RoleSystem {
		t.Errorf("first message = %+v", chat.requests[0][0])
	}
}

func TestLLM_PrimaryHasNoEscalation(t *testing.T) {
	chat := &fakeChat{replies: []llm.Message{{Content: "hi"}}}
	r := NewLLM(chat, "m", nil, nil)
	if _, err := r.Reason(context.Background(), Input{Targets: []Target{{ID: "wip"}}}); err != nil {
		t.Fatal(err)
	}
	if len(chat.tools[0]) != 1 || chat.tools[0][0].Name != "to_wip" {
		t.Errorf("primary tools = %+v", chat.tools[0])
	}
	if !strings.Contains(chat.requests[0][0].Content, "Story Protocol") {
		t.Errorf("primary prompt not used: %q", chat.requests[0][0].Content)
	}
}

func TestLLM_RePromptsOnEmpty(t *testing.T) {
	chat := &fakeChat{replies: []llm.Message{{}, {Content: "  "}, {Content: "The fee is 1 WIP."}}}
	r := NewLLM(chat, "m", nil, nil)

	out, err := r.Reason(context.Background(), Input{Unit: "license"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != KindReply || out.Text != "The fee is 1 WIP." {
		t.Errorf("outcome = %+v", out)
	}
	last := chat.requests[2]
	if last[len(last)-1].Content != RePrompt || last[len(last)-2].Content != RePrompt {
		t.Errorf("re-prompts missing: %+v", last)
	}
}

func TestLLM_ObserveUsage(t *testing.T) {
	chat := &fakeChat{replies: []llm.Message{{}, {Content: "done"}}}
	r := NewLLM(chat, "m", nil, nil)
	var got []Usage
	r.ObserveUsage(UsageFunc(func(_ context.Context, u Usage) {
		got = append(got, u)
	}))

	if _, err := r.Reason(context.Background(), Input{Conversation: "c1", Unit: "royalty"}); err != nil {
		t.Fatal(err)
	}
	want := Usage{Conversation: "c1", Unit: "royalty", Model: "m", InputTokens: 10, OutputTokens: 2}
	if len(got) != 2 || got[0] != want || got[1] != want {
		t.Errorf("usage = %+v, want twice %+v", got, want)
	}
}

func TestLLM_GivesUpOnEmpty(t *testing.T) {
	r := NewLLM(&fakeChat{}, "m", nil, nil)
	_, err := r.Reason(context.Background(), Input{Unit: "wip"})
	if !errors.Is(err, ErrEmptyReply) {
		t.Errorf("err = %v, want ErrEmptyReply", err)
	}
}

func TestLLM_ClientError(t *testing.T) {
	boom := errors.New("connection refused")
	r := NewLLM(&fakeChat{err: boom}, "m", nil, nil)
	if _, err := r.Reason(context.Background(), Input{}); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestDecode(t *testing.T) {
	in := Input{Unit: "ipasset", Actions: []string{"register", "mint_and_register_ip_with_terms"}}

	tests := []struct {
		name string
		msg  llm.Message
		want *Outcome
	}{
		{
			name: "reply",
			msg:  llm.Message{Content: "Done."},
			want: Reply("Done."),
		},
		{
			name: "proposals keep order",
			msg: llm.Message{Content: "Registering.", ToolCalls: []llm.ToolCall{
				{Name: "register", Arguments: map[string]any{"token_id": 1.0}},
				{Name: "mint_and_register_ip_with_terms"},
			}},
			want: &Outcome{Kind: KindPropose, Text: "Registering.", Calls: []ProposedCall{
				{Action: "register", Arguments: map[string]any{"token_id": 1.0}},
				{Action: "mint_and_register_ip_with_terms"},
			}},
		},
		{
			name: "escalation wins",
			msg: llm.Message{ToolCalls: []llm.ToolCall{
				{Name: "register"},
				{Name: EscalateTool, Arguments: map[string]any{"cancel": false, "reason": "needs royalty help"}},
			}},
			want: &Outcome{Kind: KindEscalate, Reason: "needs royalty help"},
		},
		{
			name: "delegation",
			msg: llm.Message{ToolCalls: []llm.ToolCall{
				{Name: "to_license", Arguments: map[string]any{"request": "attach terms"}},
			}},
			want: Delegate("license", "attach terms"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, decode(tt.msg, in)); diff != "" {
				t.Errorf("decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScript(t *testing.T) {
	ctx := context.Background()
	s := NewScript(
		For("", Delegate("wip", "wrap")),
		For("wip", Reply("done")),
		Fail("wip", errors.New("rate limited")),
	)

	out, err := s.Reason(ctx, Input{})
	if err != nil || out.Kind != KindDelegate {
		t.Fatalf("step 1 = %+v, %v", out, err)
	}
	if _, err := s.Reason(ctx, Input{Unit: "royalty"}); err == nil {
		t.Error("expected unit mismatch error")
	}
	if _, err := s.Reason(ctx, Input{Unit: "wip"}); err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("step 3 err = %v", err)
	}
	if _, err := s.Reason(ctx, Input{}); !errors.Is(err, ErrScriptExhausted) {
		t.Errorf("err = %v, want ErrScriptExhausted", err)
	}
	if got := len(s.Inputs()); got != 4 {
		t.Errorf("recorded %d inputs, want 4", got)
	}
}
