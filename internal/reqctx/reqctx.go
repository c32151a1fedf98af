// Package reqctx carries per-request identity through every entrypoint
// instead of relying on package-level globals for tenant or correlation
// state: a Request holds the tenant, a correlation id and an optional
// cancellation signal, and rides on context.Context.
package reqctx

import (
	"context"

	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
	"github.com/google/uuid"
)

type contextKey struct{}

// Request is the per-call identity and correlation bundle threaded through
// context.Context. It is never read from a global or a singleton.
type Request struct {
	Tenant        tenant.ID
	CorrelationID string
	// Cancel is an optional in-process cancellation signal: closing it asks
	// whatever is consuming this Request to stop at its next opportunity.
	// It complements, rather than replaces, the store-level pause/cancel
	// flag the orchestrator consults between tasks (the authoritative
	// signal, since a pause/cancel call can arrive on a different worker
	// process than the one executing the job); a nil channel (the default)
	// simply never fires.
	Cancel <-chan struct{}
}

// WithRequest attaches r to ctx.
func WithRequest(ctx context.Context, r Request) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext extracts the Request previously attached with WithRequest.
// ok is false if none was attached.
func FromContext(ctx context.Context) (Request, bool) {
	r, ok := ctx.Value(contextKey{}).(Request)
	return r, ok
}

// New builds a Request for tenantID with a fresh correlation id.
func New(tenantID tenant.ID) Request {
	return Request{Tenant: tenantID, CorrelationID: uuid.NewString()}
}

// MustFromContext panics if ctx was not built with WithRequest, treating a
// missing Request as a programming error rather than a recoverable
// condition. No package in this repository calls it; the store and
// orchestrator take the Request as an explicit argument.
func MustFromContext(ctx context.Context) Request {
	r, ok := FromContext(ctx)
	if !ok {
		panic("reqctx: no Request attached to context")
	}
	return r
}
