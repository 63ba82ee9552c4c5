// Package requestctx provides request-scoped values (e.g. the caller identity)
// set by middleware.
package requestctx

import (
	"context"

	"github.com/AmitNaikRepository/AI-Access-Guard/internal/auth"
)

type contextKey struct{}

var identityKey = &contextKey{}

// SetIdentity stores the verified caller identity in the context.
func SetIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Identity returns the caller identity from context. ok is false when no
// identity was set (unauthenticated request).
func Identity(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}
