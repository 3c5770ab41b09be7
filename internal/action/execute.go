package action

import (
	"context"
	"fmt"

	"github.com/nugget/concierge/internal/catalog"
	"github.com/nugget/concierge/internal/conversation"
)

// Execute performs a proposal, records its result in the history and
// applies any context updates its specialist declares for the action.
// The proposal's status is set to executed or failed. The appended
// entry is returned.
func Execute(ctx context.Context, inv Invoker, cat *catalog.Catalog, st *conversation.State, p *conversation.Proposal) conversation.Entry {
	def, _ := cat.Specialist(p.SpecialistID)

	res := inv.Invoke(WithConversationID(ctx, st.ID), Call{
		ID:         p.ID,
		Specialist: p.SpecialistID,
		Server:     def.Server,
		Action:     p.Action,
		Arguments:  p.Arguments,
	})

	if !res.OK {
		p.Status = conversation.StatusFailed
		return st.Append(conversation.ResultEntry(p.SpecialistID, p.ID, p.Action, conversation.StatusFailed, FailureText(res.Output)))
	}

	p.Status = conversation.StatusExecuted
	if fields := contextUpdates(def, p.Action, res.Data); len(fields) > 0 {
		st.UpdateContext(fields)
	}
	return st.Append(conversation.ResultEntry(p.SpecialistID, p.ID, p.Action, conversation.StatusExecuted, res.Output))
}

// FailureText is the history text for a failed action.
func FailureText(detail string) string {
	if detail == "" {
		detail = "unknown error"
	}
	return fmt.Sprintf("Error: %s\nPlease fix your mistakes.", detail)
}

func contextUpdates(def catalog.Specialist, action string, data map[string]any) map[string]string {
	mapping := def.ContextUpdates[action]
	if len(mapping) == 0 || data == nil {
		return nil
	}
	out := make(map[string]string, len(mapping))
	for field, key := range mapping {
		v, ok := data[key]
		if !ok || v == nil {
			continue
		}
		out[field] = fmt.Sprint(v)
	}
	return out
}
