package tools

import "context"

type contextKey string

const invokerKey contextKey = "strix_invoker_agent_id"

// WithInvoker stores the invoking agent's identifier on the context so
// handlers that coordinate agents (spawn, messaging) know who is calling.
func WithInvoker(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, invokerKey, agentID)
}

// InvokerFrom extracts the invoking agent's identifier from the context.
// Returns the empty string when no invoker was recorded.
func InvokerFrom(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(invokerKey).(string); ok {
		return id
	}
	return ""
}
