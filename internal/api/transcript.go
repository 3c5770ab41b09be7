package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
)

// Transcript renders a conversation's history as markdown, one block
// per entry.
func Transcript(st *conversation.State, cat *catalog.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Conversation %s\n\n", st.ID)

	for _, e := range st.History {
		speaker := unitName(cat, e.Unit)
		switch e.Kind {
		case conversation.KindHuman:
			fmt.Fprintf(&b, "**You:** %s\n\n", e.Content)
		case conversation.KindAssistant:
			fmt.Fprintf(&b, "**%s:** %s\n\n", speaker, e.Content)
		case conversation.KindCalls:
			if e.Content != "" {
				fmt.Fprintf(&b, "**%s:** %s\n\n", speaker, e.Content)
			}
			for _, c := range e.Calls {
				fmt.Fprintf(&b, "*%s calls* `%s`", speaker, c.Name)
				if len(c.Arguments) > 0 {
					args, _ := json.Marshal(c.Arguments)
					fmt.Fprintf(&b, " `%s`", args)
				}
				b.WriteString("\n\n")
			}
		case conversation.KindResult:
			fmt.Fprintf(&b, "> `%s` %s: %s\n\n", e.Action, e.Status, quote(e.Content))
		case conversation.KindAnnouncement, conversation.KindEscalation, conversation.KindNotice:
			fmt.Fprintf(&b, "*%s*\n\n", strings.TrimSpace(e.Content))
		}
	}

	if p := st.Pending; p != nil {
		args, _ := json.Marshal(p.Arguments)
		fmt.Fprintf(&b, "---\n\n**Awaiting approval:** `%s` `%s` from %s\n", p.Action, args, unitName(cat, p.SpecialistID))
	}
	return b.String()
}

// quote keeps multi-line results inside the blockquote.
func quote(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n> ")
}

func unitName(cat *catalog.Catalog, id string) string {
	if id == "" {
		return "Assistant"
	}
	if s, ok := cat.Specialist(id); ok {
		return s.Name
	}
	return id
}

// TranscriptHTML converts the markdown transcript to a standalone page.
func TranscriptHTML(st *conversation.State, cat *catalog.Catalog) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(Transcript(st, cat)), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>`, html.EscapeString(st.ID), buf.String()), nil
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	st, err := s.convs.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cat := s.convs.Catalog()

	switch format := r.URL.Query().Get("format"); format {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(Transcript(st, cat)))
	case "html":
		page, err := TranscriptHTML(st, cat)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}
