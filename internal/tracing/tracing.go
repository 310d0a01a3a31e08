// Package tracing carries the correlation id of a logical action through
// context.Context and across the broker as a message header.
package tracing

import (
	"context"

	"github.com/google/uuid"
)

// HeaderName is the header carrying the correlation id on HTTP requests and broker messages.
const HeaderName = "X-Trace-Id"

type contextKey struct{}

// messageNamespace scopes ids derived from message ids.
var messageNamespace = uuid.MustParse("8d6f3b8e-4c1a-4f7e-9a52-2b0d6c9e7f14")

// NewID returns a fresh random correlation id.
func NewID() string {
	return uuid.NewString()
}

// FromMessageID derives a correlation id from a message id. The same message id
// always yields the same correlation id.
func FromMessageID(messageID string) string {
	return uuid.NewSHA1(messageNamespace, []byte(messageID)).String()
}

// Resolve returns raw if it is a well-formed UUID, otherwise a fresh id.
// The boolean reports whether raw was reused.
func Resolve(raw string) (string, bool) {
	if raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			return id.String(), true
		}
	}
	return NewID(), false
}

// WithCorrelationID stores the correlation id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// CorrelationID returns the correlation id stored in ctx, or "" if none is set.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Ensure returns ctx unchanged if it already carries a correlation id,
// otherwise a child context with a freshly minted one.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithCorrelationID(ctx, id), id
}
