package conversation

import (
	"maps"
	"slices"
	"time"
)

// Kind identifies the type of a history entry.
type Kind string

const (
	KindHuman        Kind = "human"
	KindAssistant    Kind = "assistant"
	KindCalls        Kind = "calls"
	KindResult       Kind = "result"
	KindAnnouncement Kind = "announcement"
	KindEscalation   Kind = "escalation"
	KindNotice       Kind = "notice"
)

// Entry is one item in the conversation history. Entries are appended
// and never edited.
type Entry struct {
	Seq  int       `json:"seq"`
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	// Unit is the specialist that produced the entry, "" for the
	// primary router or the human.
	Unit string `json:"unit,omitempty"`

	Content string `json:"content,omitempty"`

	// Calls is set on KindCalls entries.
	Calls []Call `json:"calls,omitempty"`

	// CallID links result, announcement and escalation entries to the
	// call they answer.
	CallID string `json:"call_id,omitempty"`

	// Action and Status are set on KindResult entries.
	Action string `json:"action,omitempty"`
	Status Status `json:"status,omitempty"`
}

// Call is a single call made by a unit: an action, a delegation or an
// escalation.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (e Entry) clone() Entry {
	c := e
	if e.Calls != nil {
		c.Calls = make([]Call, len(e.Calls))
		for i, call := range e.Calls {
			call.Arguments = cloneArgs(call.Arguments)
			c.Calls[i] = call
		}
	}
	return c
}

// HumanEntry returns a human message entry.
func HumanEntry(text string) Entry {
	return Entry{Kind: KindHuman, Content: text}
}

// AssistantEntry returns a plain reply from a unit.
func AssistantEntry(unit, text string) Entry {
	return Entry{Kind: KindAssistant, Unit: unit, Content: text}
}

// CallsEntry returns an entry recording a batch of calls made by a unit
// along with any text the unit produced alongside them.
func CallsEntry(unit, text string, calls []Call) Entry {
	return Entry{Kind: KindCalls, Unit: unit, Content: text, Calls: calls}
}

// ResultEntry returns the result of one call.
func ResultEntry(unit, callID, action string, status Status, content string) Entry {
	return Entry{Kind: KindResult, Unit: unit, CallID: callID, Action: action, Status: status, Content: content}
}

// AnnouncementEntry returns the entry announcement of a unit that
// became active in answer to the delegation call callID.
func AnnouncementEntry(unit, callID, text string) Entry {
	return Entry{Kind: KindAnnouncement, Unit: unit, CallID: callID, Content: text}
}

// EscalationEntry returns the entry that answers the escalation call
// callID made by unit.
func EscalationEntry(unit, callID, text string) Entry {
	return Entry{Kind: KindEscalation, Unit: unit, CallID: callID, Content: text}
}

// NoticeEntry returns a system notice, such as a reasoning failure.
func NoticeEntry(unit, text string) Entry {
	return Entry{Kind: KindNotice, Unit: unit, Content: text}
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}
