package services

import (
	"context"
	"fmt"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

func productID(job store.Job) string {
	if job.ProductID != nil {
		return *job.ProductID
	}
	return ""
}

func dispatchDirect(ctx context.Context, svc Direct, rc reqctx.Request, job store.Job) Result {
	switch action.Code(job.ActionCode) {
	case action.Publish:
		return svc.Publish(ctx, rc, productID(job), job.InputData)
	case action.Update:
		return svc.Update(ctx, rc, productID(job), job.InputData)
	case action.Delete:
		return svc.Delete(ctx, rc, productID(job))
	case action.SyncListings:
		return svc.SyncListings(ctx, rc, job.InputData)
	case action.SyncOrders:
		return svc.SyncOrders(ctx, rc, job.InputData)
	default:
		return Result{Err: orcherr.New(orcherr.KindInvalidInput, fmt.Sprintf("unsupported action code %q", job.ActionCode))}
	}
}

func dispatchBridged(ctx context.Context, svc Bridged, rc reqctx.Request, br *bridge.Client, job store.Job) Result {
	switch action.Code(job.ActionCode) {
	case action.Publish:
		return svc.Publish(ctx, rc, br, productID(job), job.InputData)
	case action.Update:
		return svc.Update(ctx, rc, br, productID(job), job.InputData)
	case action.Delete:
		return svc.Delete(ctx, rc, br, productID(job))
	case action.SyncListings:
		return svc.SyncListings(ctx, rc, br, job.InputData)
	case action.SyncOrders:
		return svc.SyncOrders(ctx, rc, br, job.InputData)
	default:
		return Result{Err: orcherr.New(orcherr.KindInvalidInput, fmt.Sprintf("unsupported action code %q", job.ActionCode))}
	}
}

// DirectHandler adapts a Direct service into an action.Handler: a single
// Step named after the job's action code that dispatches to the matching
// service method. Most marketplace jobs need nothing more elaborate; a
// marketplace whose action genuinely needs multiple ordered steps can
// still implement action.Handler directly instead of going through this
// adapter.
type DirectHandler struct {
	svc Direct
	rc  reqctx.Request
}

// NewDirectHandlerConstructor binds svc into an action.HandlerConstructor
// for Registry.Register.
func NewDirectHandlerConstructor(svc Direct) action.HandlerConstructor {
	return func(ctx context.Context, rc reqctx.Request, job store.Job) (action.Handler, error) {
		return &DirectHandler{svc: svc, rc: rc}, nil
	}
}

func (h *DirectHandler) Steps(job store.Job) []action.Step {
	return []action.Step{{
		Name: job.ActionCode,
		Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			res := dispatchDirect(ctx, h.svc, h.rc, job)
			return action.StepResult{Success: res.Success, Result: res.Result, Err: res.Err}
		},
	}}
}

// BridgedHandler is DirectHandler's counterpart for marketplaces reached
// through the plugin bridge.
type BridgedHandler struct {
	svc    Bridged
	rc     reqctx.Request
	bridge *bridge.Client
}

func NewBridgedHandlerConstructor(svc Bridged, br *bridge.Client) action.HandlerConstructor {
	return func(ctx context.Context, rc reqctx.Request, job store.Job) (action.Handler, error) {
		return &BridgedHandler{svc: svc, rc: rc, bridge: br}, nil
	}
}

func (h *BridgedHandler) Steps(job store.Job) []action.Step {
	return []action.Step{{
		Name: job.ActionCode,
		Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			res := dispatchBridged(ctx, h.svc, h.rc, h.bridge, job)
			return action.StepResult{Success: res.Success, Result: res.Result, Err: res.Err}
		},
	}}
}
