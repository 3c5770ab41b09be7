package action

import "context"

type contextKey string

const conversationIDKey contextKey = "conversation_id"

// WithConversationID tags ctx with the conversation an action belongs to.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationID returns the conversation ID carried by ctx, or "".
func ConversationID(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}
