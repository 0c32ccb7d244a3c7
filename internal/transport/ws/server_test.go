package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/resource"
	"github.com/standardbeagle/ccexecd/internal/rpc"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/internal/timing"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

func newTestServer(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	eventBus := events.NewEventBus()
	sessions := session.NewManager(10, time.Hour, eventBus)
	processes := process.NewManager(eventBus)
	est := estimator.New(timing.NullStore{}, resource.NewMonitor(), 0)
	hookRunner := hooks.NewRunner(hooks.Config{})

	srv := NewServer(sessions, processes, est, hookRunner, eventBus, nil, nil, session.StreamConfig{})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return ts, conn
}

func TestConnectedNotificationSentOnUpgrade(t *testing.T) {
	_, conn := newTestServer(t)

	var n rpc.Notification
	require.NoError(t, conn.ReadJSON(&n))
	assert.Equal(t, "connected", n.Method)
}

func TestExecuteReturnsStartedResponse(t *testing.T) {
	_, conn := newTestServer(t)

	var welcome rpc.Notification
	require.NoError(t, conn.ReadJSON(&welcome))

	req := rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  "execute",
		Params:  json.RawMessage(`{"command":"echo hello","timeout":5}`),
	}
	require.NoError(t, conn.WriteJSON(req))

	var resp rpc.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "started", result["status"])
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, conn := newTestServer(t)

	var welcome rpc.Notification
	require.NoError(t, conn.ReadJSON(&welcome))

	req := rpc.Request{JSONRPC: rpc.Version, ID: json.RawMessage(`2`), Method: "bogus"}
	require.NoError(t, conn.WriteJSON(req))

	var resp rpc.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrMethodNotFound, resp.Error.Code)
}

func TestSetKeepaliveOverridesDefaults(t *testing.T) {
	srv := NewServer(nil, nil, nil, nil, nil, nil, nil, session.StreamConfig{})
	assert.Equal(t, defaultPingInterval, srv.pingInterval)
	assert.Equal(t, defaultPingTimeout, srv.pingTimeout)

	srv.SetKeepalive(5*time.Second, 2*time.Second)
	assert.Equal(t, 5*time.Second, srv.pingInterval)
	assert.Equal(t, 2*time.Second, srv.pingTimeout)

	srv.SetKeepalive(0, 0)
	assert.Equal(t, 5*time.Second, srv.pingInterval)
	assert.Equal(t, 2*time.Second, srv.pingTimeout)
}

func TestKeepalivePingReachesClient(t *testing.T) {
	eventBus := events.NewEventBus()
	sessions := session.NewManager(10, time.Hour, eventBus)
	processes := process.NewManager(eventBus)
	est := estimator.New(timing.NullStore{}, resource.NewMonitor(), 0)
	hookRunner := hooks.NewRunner(hooks.Config{})

	srv := NewServer(sessions, processes, est, hookRunner, eventBus, nil, nil, session.StreamConfig{})
	srv.SetKeepalive(50*time.Millisecond, time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})

	var welcome rpc.Notification
	require.NoError(t, conn.ReadJSON(&welcome))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, _ = conn.ReadMessage()

	select {
	case <-pinged:
	default:
		t.Fatal("expected a ping control frame within the keepalive interval")
	}
}

func TestHookStatusReturnsResult(t *testing.T) {
	_, conn := newTestServer(t)

	var welcome rpc.Notification
	require.NoError(t, conn.ReadJSON(&welcome))

	req := rpc.Request{JSONRPC: rpc.Version, ID: json.RawMessage(`3`), Method: "hook_status"}
	require.NoError(t, conn.WriteJSON(req))

	var resp rpc.Response
	require.NoError(t, conn.ReadJSON(&resp))
	require.Nil(t, resp.Error)
	_, ok := resp.Result.(map[string]any)
	require.True(t, ok)
}
