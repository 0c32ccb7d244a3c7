// Package ws adapts a gorilla/websocket connection to the
// session.Channel interface and drives the JSON-RPC 2.0 read loop
// described in spec.md §6, grounded on the proxy package's
// handleWebSocketTelemetry/WSMessage plumbing.
package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func newSessionID() string {
	return uuid.New().String()
}

// conn wraps a *websocket.Conn with a write mutex; gorilla's Conn
// permits at most one concurrent writer, but an Engine can emit
// notifications from its own goroutine while the read loop's
// response write is in flight.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

// Send implements session.Channel.
func (c *conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// Close implements session.Channel.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.Close()
}

// writePing sends a control-frame ping, serialized against Send via
// the same write mutex since gorilla permits only one writer at a time.
func (c *conn) writePing(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

func (c *conn) readRequest(v any) error {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
