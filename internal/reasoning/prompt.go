package reasoning

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/nugget/concierge/internal/conversation"
	"github.com/nugget/concierge/internal/llm"
)

// PrimaryPrompt is the system prompt of the primary router.
const PrimaryPrompt = "You are a helpful customer support assistant for Story Protocol. " +
	"Use the provided tools to search for information and assist the user's queries. " +
	"When the request belongs to a specialist, transfer it with the matching tool. " +
	"When searching, be persistent. Expand your query bounds if the first search returns no results. " +
	"If a search comes up empty, expand your search before giving up." +
	"\n\nCurrent user wallet address: {{or .Context.wallet_address \"Not provided\"}}\n" +
	"\nCurrent time: {{.Time}}."

// RePrompt is sent when the model answers with neither text nor calls.
const RePrompt = "Respond with a real output."

// PromptData is the template input for system prompts.
type PromptData struct {
	Context map[string]string
	Time    string
}

// RenderPrompt renders a system prompt template against the
// conversation context. Missing context fields render empty.
func RenderPrompt(text string, context map[string]string, now time.Time) (string, error) {
	tmpl, err := template.New("prompt").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse prompt: %w", err)
	}
	if context == nil {
		context = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, PromptData{Context: context, Time: now.Format(time.RFC1123)}); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

// Messages converts the shared history to chat messages. Every unit
// sees the whole history; calls become assistant tool calls and the
// entries answering them become tool messages.
func Messages(history []conversation.Entry) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, e := range history {
		switch e.Kind {
		case conversation.KindHuman:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: e.Content})

		case conversation.KindAssistant:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: e.Content})

		case conversation.KindCalls:
			m := llm.Message{Role: llm.RoleAssistant, Content: e.Content}
			for _, c := range e.Calls {
				m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
			}
			out = append(out, m)

		case conversation.KindResult, conversation.KindAnnouncement, conversation.KindEscalation:
			if e.CallID == "" {
				out = append(out, llm.Message{Role: llm.RoleUser, Content: e.Content})
				continue
			}
			out = append(out, llm.Message{
				Role:       llm.RoleTool,
				Content:    e.Content,
				ToolCallID: e.CallID,
				ToolName:   e.Action,
			})

		case conversation.KindNotice:
			// Operator-facing only.
		}
	}
	return out
}

func escalateTool() llm.Tool {
	return llm.Tool{
		Name: EscalateTool,
		Description: "A tool to mark the current task as completed and/or to escalate control of the dialog to the main assistant, " +
			"who can re-route the dialog based on the user's needs.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cancel": map[string]any{"type": "boolean", "description": "True when the task is done or abandoned."},
				"reason": map[string]any{"type": "string", "description": "Why control is handed back."},
			},
		},
	}
}

func delegateTool(t Target) llm.Tool {
	name := t.Name
	if name == "" {
		name = t.ID
	}
	return llm.Tool{
		Name:        DelegateTool(t.ID),
		Description: fmt.Sprintf("Transfer work to the %s. %s", name, t.Description),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"request": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Any necessary followup questions the %s should clarify before proceeding.", name),
				},
			},
			"required": []string{"request"},
		},
	}
}
