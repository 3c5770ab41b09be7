package gate

import "strings"

// VerdictKind is the human's decision on a pending action.
type VerdictKind string

const (
	Approve  VerdictKind = "approve"
	Reject   VerdictKind = "reject"
	Feedback VerdictKind = "feedback"
)

// Verdict is a decision plus optional text. For Reject the text is the
// reason; for Feedback it is the redirection the unit should act on.
type Verdict struct {
	Kind VerdictKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

// ParseVerdict interprets a human message sent while an action is
// pending. Short affirmatives approve, short negatives reject, and
// anything else is feedback. A rejection keeps the typed word so the
// denial quotes it.
func ParseVerdict(text string) Verdict {
	text = strings.TrimSpace(text)
	switch strings.ToLower(text) {
	case "y", "yes", "approve", "approved", "ok", "okay":
		return Verdict{Kind: Approve}
	case "n", "no", "reject", "deny", "cancel":
		return Verdict{Kind: Reject, Text: text}
	}
	return Verdict{Kind: Feedback, Text: text}
}

// Valid reports whether the kind is known.
func (v Verdict) Valid() bool {
	switch v.Kind {
	case Approve, Reject, Feedback:
		return true
	}
	return false
}
