package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSTransport is the push-mode Transport: one websocket connection per
// tenant, upgraded from an HTTP handler the extension connects to. The
// teacher's own Transport interface (collaborative-session) never ships a
// concrete implementation, so this one is written fresh against
// gorilla/websocket, the only websocket dependency present anywhere in
// the retrieved pack.
type WSTransport struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	conns    map[string]*websocket.Conn
	client   *Client
}

func NewWSTransport(client *Client) *WSTransport {
	return &WSTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*websocket.Conn),
		client: client,
	}
}

// Handle upgrades the connection and registers it for tenantID, then reads
// Response frames until the socket closes, at which point the tenant has
// no push transport and falls back to long-poll.
func (t *WSTransport) Handle(w http.ResponseWriter, r *http.Request, tenantID string) error {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conns[tenantID] = conn
	t.mu.Unlock()
	t.client.Reattach(tenantID)

	defer func() {
		t.mu.Lock()
		if t.conns[tenantID] == conn {
			delete(t.conns, tenantID)
		}
		t.mu.Unlock()
		conn.Close()
	}()

	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			t.client.SessionLost(tenantID)
			return nil
		}
		t.client.Report(resp)
	}
}

// Send implements Transport: it writes req as a JSON frame on tenantID's
// live socket, if one exists.
func (t *WSTransport) Send(ctx context.Context, tenantID string, req Request) (bool, error) {
	t.mu.RLock()
	conn, ok := t.conns[tenantID]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return false, err
	}
	return true, nil
}

// SessionLost notifies the client that tenantID's session ended and drops
// the socket if one is still registered.
func (t *WSTransport) SessionLost(tenantID string) {
	t.mu.Lock()
	if conn, ok := t.conns[tenantID]; ok {
		conn.Close()
		delete(t.conns, tenantID)
	}
	t.mu.Unlock()
	t.client.SessionLost(tenantID)
}
