// Package identity carries tenant identity through request contexts. The
// gateway's auth middleware attaches the resolved tenant before execution;
// the tracking hook reads it back when the operation completes. A request
// without an identity is simply not tracked.
package identity

import (
	"context"

	"github.com/ViljarVoidula/graphql-gateway/internal/domain"
)

type contextKey struct{}

// WithIdentity returns a context carrying the tenant identity for a request.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ContextResolver resolves tenant identity from request context values.
type ContextResolver struct{}

// Resolve returns the identity attached to ctx, or false when the request
// is anonymous and must not be tracked.
func (ContextResolver) Resolve(ctx context.Context) (domain.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(domain.Identity)
	if !ok || id.ServiceID == "" {
		return domain.Identity{}, false
	}
	return id, true
}
