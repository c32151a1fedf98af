// Package bridge implements the Plugin Bridge (C7): it turns an
// orchestrator-side intent into a request served by a browser extension
// holding the user's marketplace session, and correlates the extension's
// eventual response back to the waiting caller. Grounded on the teacher's
// collaborative-session.SessionManager mutex-guarded registry pattern,
// generalized from "session participants" to "pending bridge requests."
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
)

// Method is the HTTP verb a bridge request asks the extension to issue.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

// DefaultTimeout is the request-level deadline when none is supplied.
const DefaultTimeout = 60 * time.Second

// LongPollTimeout bounds how long plugin_poll holds a connection open
// before returning empty.
const LongPollTimeout = 30 * time.Second

// Request is what the bridge asks the extension to perform on the
// orchestrator's behalf.
type Request struct {
	RequestID   string
	Tenant      string
	Method      Method
	Path        string
	Headers     map[string]string
	Body        []byte
	TimeoutS    int
	Description string
}

// Response is what the extension reports back, either over the push
// socket or via plugin_report.
type Response struct {
	RequestID   string
	Success     bool
	Status      int
	Headers     map[string]string
	Data        map[string]any
	Error       string
	SessionLost bool
}

type pending struct {
	req      Request
	deadline time.Time
	done     chan Response
}

// Transport delivers a Request to the extension once a live push socket
// exists for the tenant. Implementations live outside this package (see
// internal/bridge/wstransport.go); Client works without one, falling back
// entirely to long-poll.
type Transport interface {
	Send(ctx context.Context, tenantID string, req Request) (bool, error)
}

// Client is the backend bridge: correlation registry, outbound queues for
// long-poll, and connection-state tracking per tenant.
type Client struct {
	mu          sync.Mutex
	pendingByID map[string]*pending
	queue       map[string][]Request // tenant -> queued for long-poll delivery
	connected   map[string]bool
	queueCap    int
	transport   Transport
}

func NewClient(transport Transport, queueCap int) *Client {
	if queueCap <= 0 {
		queueCap = 100
	}
	return &Client{
		pendingByID: make(map[string]*pending),
		queue:       make(map[string][]Request),
		connected:   make(map[string]bool),
		queueCap:    queueCap,
		transport:   transport,
	}
}

// Call issues req on behalf of rc.Tenant and blocks until a Response
// arrives, the deadline passes, or ctx is cancelled. It is the only entry
// point Bridged marketplace services use; push vs long-poll delivery is
// invisible to the caller.
func (c *Client) Call(ctx context.Context, rc reqctx.Request, req Request) (Response, error) {
	tenantID := rc.Tenant.String()
	req.Tenant = tenantID

	c.mu.Lock()
	if connected, known := c.connected[tenantID]; known && !connected {
		c.mu.Unlock()
		return Response{}, orcherr.New(orcherr.KindSessionLost, "no active plugin session for tenant")
	}
	c.mu.Unlock()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.TimeoutS <= 0 {
		req.TimeoutS = int(DefaultTimeout.Seconds())
	}
	deadline := time.Now().Add(time.Duration(req.TimeoutS) * time.Second)

	p := &pending{req: req, deadline: deadline, done: make(chan Response, 1)}

	c.mu.Lock()
	if len(c.queue[tenantID]) >= c.queueCap {
		c.mu.Unlock()
		return Response{}, orcherr.New(orcherr.KindChannelSaturated, "plugin bridge queue full for tenant")
	}
	c.pendingByID[req.RequestID] = p
	delivered := false
	c.mu.Unlock()

	if c.transport != nil {
		sent, err := c.transport.Send(ctx, tenantID, req)
		if err == nil && sent {
			delivered = true
		}
	}
	if !delivered {
		c.mu.Lock()
		c.queue[tenantID] = append(c.queue[tenantID], req)
		c.mu.Unlock()
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case resp := <-p.done:
		if resp.SessionLost {
			return resp, orcherr.New(orcherr.KindSessionLost, "plugin session lost")
		}
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pendingByID, req.RequestID)
		c.mu.Unlock()
		return Response{}, orcherr.New(orcherr.KindTimeout, "plugin bridge request timed out")
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingByID, req.RequestID)
		c.mu.Unlock()
		return Response{}, orcherr.Wrap(orcherr.KindCancelled, "plugin bridge request cancelled", ctx.Err())
	}
}

// Transport returns the push Transport this Client was constructed with,
// or nil if it only supports long-poll delivery.
func (c *Client) Transport() Transport {
	return c.transport
}

// SetTransport attaches the push Transport after construction, needed
// because WSTransport itself holds a reference back to its Client (the
// two can't be built in one step).
func (c *Client) SetTransport(t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
}

// Report completes the pending request matching resp.RequestID, called
// from plugin_report (push acknowledgement or long-poll result POST). It
// is a no-op if the request already timed out and was removed.
func (c *Client) Report(resp Response) {
	c.mu.Lock()
	p, ok := c.pendingByID[resp.RequestID]
	if ok {
		delete(c.pendingByID, resp.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.done <- resp
}

// Poll implements plugin_poll's long-poll entry point: it drains and
// returns any requests queued for tenant, blocking up to timeout if the
// queue is empty.
func (c *Client) Poll(ctx context.Context, tenantID string, timeout time.Duration) []Request {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		q := c.queue[tenantID]
		if len(q) > 0 {
			c.queue[tenantID] = nil
			c.mu.Unlock()
			return q
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Reattach re-delivers every still-pending request for tenantID onto its
// long-poll queue, called when a push socket reconnects for that tenant
// after a drop (spec.md §4.6 re-delivery).
func (c *Client) Reattach(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[tenantID] = true
	for _, p := range c.pendingByID {
		if p.req.Tenant == tenantID {
			c.queue[tenantID] = append(c.queue[tenantID], p.req)
		}
	}
}

// SessionLost marks tenantID's session as disconnected and fails every
// in-flight request for it with SessionLost; those jobs go straight to
// failed without consuming a retry (spec.md §4.6).
func (c *Client) SessionLost(tenantID string) {
	c.mu.Lock()
	c.connected[tenantID] = false
	var toFail []*pending
	for id, p := range c.pendingByID {
		if p.req.Tenant == tenantID {
			toFail = append(toFail, p)
			delete(c.pendingByID, id)
		}
	}
	delete(c.queue, tenantID)
	c.mu.Unlock()

	for _, p := range toFail {
		p.done <- Response{RequestID: p.req.RequestID, Success: false, Error: "session lost", SessionLost: true}
	}
}

// SweepExpired removes pending requests whose deadline has passed and
// completes each with an unsuccessful "deadline exceeded" Response. Called
// periodically by the dispatcher's janitor.
func (c *Client) SweepExpired(now time.Time) {
	c.mu.Lock()
	var expired []*pending
	for id, p := range c.pendingByID {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(c.pendingByID, id)
		}
	}
	c.mu.Unlock()
	for _, p := range expired {
		p.done <- Response{RequestID: p.req.RequestID, Success: false, Error: "deadline exceeded"}
	}
}
