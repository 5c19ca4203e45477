// Package audit provides audit event construction and the default sink for
// encryption operations.
package audit

import "context"

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

// KeyActor carries the identity performing an operation, when known.
const KeyActor ContextKey = "actor"

// WithActor attaches an actor identity to the context; it is copied onto
// every audit event emitted beneath it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, KeyActor, actor)
}

// ActorFromContext extracts the actor identity, or "" when absent.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(KeyActor).(string); ok {
		return v
	}
	return ""
}
