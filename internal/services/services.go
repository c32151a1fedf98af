// Package services defines the Marketplace Services contract (C6): the
// per-marketplace business logic that Action Handlers call. Concrete
// implementations are marketplace-specific and out of core scope per
// spec.md §4.4/§4.6 ("Out of core scope except for their interface"); this
// package supplies the interface plus one example of each family so the
// Action Registry (internal/action) has something concrete to register
// against.
package services

import (
	"context"

	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
)

// Result is the shape every service method returns, mirroring spec.md
// §4.4's `{success, result, error}`.
type Result struct {
	Success bool
	Result  map[string]any
	Err     error
}

// Direct is satisfied by marketplaces whose service methods perform their
// own HTTPS calls (marketplace.FamilyDirect).
type Direct interface {
	Publish(ctx context.Context, rc reqctx.Request, productID string, input map[string]any) Result
	Update(ctx context.Context, rc reqctx.Request, productID string, input map[string]any) Result
	Delete(ctx context.Context, rc reqctx.Request, productID string) Result
	SyncListings(ctx context.Context, rc reqctx.Request, input map[string]any) Result
	SyncOrders(ctx context.Context, rc reqctx.Request, input map[string]any) Result
}

// Bridged is satisfied by marketplaces whose service methods construct
// plugin-bridge requests instead of calling out directly
// (marketplace.FamilyBridged). It's given the bridge client so its methods
// can issue Request/await Response.
type Bridged interface {
	Publish(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string, input map[string]any) Result
	Update(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string, input map[string]any) Result
	Delete(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string) Result
	SyncListings(ctx context.Context, rc reqctx.Request, br *bridge.Client, input map[string]any) Result
	SyncOrders(ctx context.Context, rc reqctx.Request, br *bridge.Client, input map[string]any) Result
}
