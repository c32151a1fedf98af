package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

func TestCallFallsBackToLongPollWithoutTransport(t *testing.T) {
	c := bridge.NewClient(nil, 10)
	rc := reqctx.New(tenant.ID("acme"))

	done := make(chan bridge.Response, 1)
	go func() {
		resp, err := c.Call(context.Background(), rc, bridge.Request{Method: bridge.MethodPost, Path: "/products/1"})
		assert.NoError(t, err)
		done <- resp
	}()

	var reqs []bridge.Request
	require.Eventually(t, func() bool {
		reqs = c.Poll(context.Background(), rc.Tenant.String(), 10*time.Millisecond)
		return len(reqs) == 1
	}, time.Second, 5*time.Millisecond)

	c.Report(bridge.Response{RequestID: reqs[0].RequestID, Success: true, Status: 200})

	select {
	case resp := <-done:
		assert.True(t, resp.Success)
	case <-time.After(time.Second):
		t.Fatal("Call never returned after Report")
	}
}

func TestCallTimesOutWhenNoResponseArrives(t *testing.T) {
	c := bridge.NewClient(nil, 10)
	rc := reqctx.New(tenant.ID("acme"))

	_, err := c.Call(context.Background(), rc, bridge.Request{Method: bridge.MethodGet, Path: "/x", TimeoutS: 1})

	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindTimeout, kind)
}

func TestCallRejectsWhenQueueFull(t *testing.T) {
	c := bridge.NewClient(nil, 1)
	rc := reqctx.New(tenant.ID("acme"))

	go func() {
		_, _ = c.Call(context.Background(), rc, bridge.Request{Method: bridge.MethodGet, Path: "/first", TimeoutS: 2})
	}()
	time.Sleep(20 * time.Millisecond) // let the first Call land in the queue before the second

	_, err := c.Call(context.Background(), rc, bridge.Request{Method: bridge.MethodGet, Path: "/second", TimeoutS: 2})

	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindChannelSaturated, kind)
}

func TestSessionLostFailsInFlightRequests(t *testing.T) {
	c := bridge.NewClient(nil, 10)
	rc := reqctx.New(tenant.ID("acme"))

	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), rc, bridge.Request{Method: bridge.MethodGet, Path: "/x", TimeoutS: 5})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the request register as pending before the session drops

	c.SessionLost(rc.Tenant.String())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Call never returned after SessionLost")
	}
}
