package services

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
)

// ExtensionService is the Bridged family's reference implementation: every
// method builds a bridge.Request and blocks on the browser extension's
// response via bridge.Client.Call, instead of calling out over HTTPS
// itself. Used by marketplaces that block server-side automation
// (marketplace.M1).
type ExtensionService struct {
	PathPrefix string
}

func NewExtensionService(pathPrefix string) *ExtensionService {
	return &ExtensionService{PathPrefix: pathPrefix}
}

func (s *ExtensionService) call(ctx context.Context, rc reqctx.Request, br *bridge.Client, method bridge.Method, path string, body map[string]any) Result {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Result{Err: orcherr.Wrap(orcherr.KindInvalidInput, "marshal bridge request body", err)}
		}
		payload = b
	}

	resp, err := br.Call(ctx, rc, bridge.Request{
		Tenant: rc.Tenant.String(),
		Method: method,
		Path:   s.PathPrefix + path,
		Body:   payload,
	})
	if err != nil {
		return Result{Err: err}
	}
	if !resp.Success {
		if resp.SessionLost {
			return Result{Err: orcherr.New(orcherr.KindSessionLost, resp.Error)}
		}
		if resp.Status == http.StatusTooManyRequests {
			return Result{Err: orcherr.New(orcherr.KindRateLimited, resp.Error)}
		}
		return Result{Err: orcherr.New(orcherr.KindUpstreamFailure, resp.Error)}
	}
	return Result{Success: true, Result: resp.Data}
}

func (s *ExtensionService) Publish(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string, input map[string]any) Result {
	return s.call(ctx, rc, br, bridge.MethodPost, "/products/"+productID, input)
}

func (s *ExtensionService) Update(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string, input map[string]any) Result {
	return s.call(ctx, rc, br, bridge.MethodPut, "/products/"+productID, input)
}

func (s *ExtensionService) Delete(ctx context.Context, rc reqctx.Request, br *bridge.Client, productID string) Result {
	return s.call(ctx, rc, br, bridge.MethodDelete, "/products/"+productID, nil)
}

func (s *ExtensionService) SyncListings(ctx context.Context, rc reqctx.Request, br *bridge.Client, input map[string]any) Result {
	return s.call(ctx, rc, br, bridge.MethodPost, "/listings/sync", input)
}

func (s *ExtensionService) SyncOrders(ctx context.Context, rc reqctx.Request, br *bridge.Client, input map[string]any) Result {
	return s.call(ctx, rc, br, bridge.MethodPost, "/orders/sync", input)
}

var _ Bridged = (*ExtensionService)(nil)
