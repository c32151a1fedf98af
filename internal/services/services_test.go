package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/services"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

func TestHTTPServicePublishSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/p1", r.URL.Path)
		assert.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "p1"})
	}))
	defer srv.Close()

	svc := services.NewHTTPService(srv.URL, nil)
	rc := reqctx.New(tenant.ID("acme"))

	res := svc.Publish(context.Background(), rc, "p1", map[string]any{"title": "widget"})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "p1", res.Result["id"])
}

func TestHTTPServiceClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	svc := services.NewHTTPService(srv.URL, nil)
	rc := reqctx.New(tenant.ID("acme"))

	res := svc.Update(context.Background(), rc, "p1", nil)

	require.Error(t, res.Err)
	kind, ok := orcherr.KindOf(res.Err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindRateLimited, kind)
}

func TestHTTPServiceClassifiesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := services.NewHTTPService(srv.URL, nil)
	rc := reqctx.New(tenant.ID("acme"))

	res := svc.Delete(context.Background(), rc, "p1")

	kind, ok := orcherr.KindOf(res.Err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindUpstreamFailure, kind)
}

type stubTransport struct{}

func (stubTransport) Send(ctx context.Context, tenantID string, req bridge.Request) (bool, error) {
	return false, nil
}

func TestExtensionServiceRoutesThroughBridge(t *testing.T) {
	br := bridge.NewClient(stubTransport{}, 10)
	rc := reqctx.New(tenant.ID("acme"))

	go func() {
		reqs := br.Poll(context.Background(), rc.Tenant.String(), 0)
		for len(reqs) == 0 {
			reqs = br.Poll(context.Background(), rc.Tenant.String(), 0)
		}
		br.Report(bridge.Response{RequestID: reqs[0].RequestID, Success: true, Status: 200, Data: map[string]any{"id": "p1"}})
	}()

	svc := services.NewExtensionService("/m1")
	res := svc.Publish(context.Background(), rc, br, "p1", map[string]any{"title": "widget"})

	require.NoError(t, res.Err)
	assert.True(t, res.Success)
}

func TestDirectHandlerDispatchesOnActionCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/listings/sync", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"synced": true})
	}))
	defer srv.Close()

	svc := services.NewHTTPService(srv.URL, nil)
	ctor := services.NewDirectHandlerConstructor(svc)
	rc := reqctx.New(tenant.ID("acme"))
	job := store.Job{ActionCode: string(action.SyncListings)}

	h, err := ctor(context.Background(), rc, job)
	require.NoError(t, err)

	steps := h.Steps(job)
	require.Len(t, steps, 1)
	result := steps[0].Run(context.Background(), job, store.Task{})
	require.NoError(t, result.Err)
	assert.True(t, result.Success)
}
