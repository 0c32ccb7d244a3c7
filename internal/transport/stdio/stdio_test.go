package stdio

import (
	"bufio"
	"encoding/json"
	"io"
	"testing"
	"time"

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

// testClient pipes a Server.Serve call against an in-process reader/
// writer pair, mirroring internal/transport/ws/server_test.go's
// newTestServer but without an httptest listener.
type testClient struct {
	enc  *json.Encoder
	dec  *bufio.Scanner
	done chan error
	w    io.WriteCloser
}

func newTestClient(t *testing.T) *testClient {
	t.Helper()

	eventBus := events.NewEventBus()
	sessions := session.NewManager(10, time.Hour, eventBus)
	processes := process.NewManager(eventBus)
	est := estimator.New(timing.NullStore{}, resource.NewMonitor(), 0)
	hookRunner := hooks.NewRunner(hooks.Config{})

	srv := NewServer(sessions, processes, est, hookRunner, eventBus, nil, nil, session.StreamConfig{})

	clientReadR, serverWriteW := io.Pipe()
	serverReadR, clientWriteW := io.Pipe()

	done := make(chan error, 1)
	go func() { done <- srv.Serve(serverReadR, serverWriteW) }()
	t.Cleanup(func() { clientWriteW.Close() })

	return &testClient{
		enc:  json.NewEncoder(clientWriteW),
		dec:  bufio.NewScanner(clientReadR),
		done: done,
		w:    clientWriteW,
	}
}

func (c *testClient) send(req rpc.Request) error {
	return c.enc.Encode(req)
}

func (c *testClient) closeWrite() {
	c.w.Close()
}

func (c *testClient) readResponse(t *testing.T) rpc.Response {
	t.Helper()
	require.True(t, c.dec.Scan())
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(c.dec.Bytes(), &resp))
	return resp
}

func (c *testClient) readNotification(t *testing.T) rpc.Notification {
	t.Helper()
	require.True(t, c.dec.Scan())
	var n rpc.Notification
	require.NoError(t, json.Unmarshal(c.dec.Bytes(), &n))
	return n
}

func TestServeSendsConnectedNotification(t *testing.T) {
	c := newTestClient(t)

	n := c.readNotification(t)
	assert.Equal(t, "connected", n.Method)
}

func TestServeExecuteReturnsStartedResponse(t *testing.T) {
	c := newTestClient(t)
	_ = c.readNotification(t)

	req := rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(`1`),
		Method:  "execute",
		Params:  json.RawMessage(`{"command":"echo hello","timeout":5}`),
	}
	require.NoError(t, c.send(req))

	resp := c.readResponse(t)
	require.Nil(t, resp.Error)

	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "started", result["status"])
}

func TestServeUnknownMethodReturnsMethodNotFound(t *testing.T) {
	c := newTestClient(t)
	_ = c.readNotification(t)

	req := rpc.Request{JSONRPC: rpc.Version, ID: json.RawMessage(`2`), Method: "bogus"}
	require.NoError(t, c.send(req))

	resp := c.readResponse(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.ErrMethodNotFound, resp.Error.Code)
}

func TestServeHookStatusReturnsResult(t *testing.T) {
	c := newTestClient(t)
	_ = c.readNotification(t)

	req := rpc.Request{JSONRPC: rpc.Version, ID: json.RawMessage(`3`), Method: "hook_status"}
	require.NoError(t, c.send(req))

	resp := c.readResponse(t)
	require.Nil(t, resp.Error)
	_, ok := resp.Result.(map[string]any)
	require.True(t, ok)
}

func TestServeReturnsNilOnClientDisconnect(t *testing.T) {
	c := newTestClient(t)
	_ = c.readNotification(t)

	// Closing the client's write end makes the server's ReadRequest see
	// EOF, which Serve treats as a normal shutdown rather than an error.
	c.closeWrite()

	select {
	case err := <-c.done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected Serve to return after the client closed its write end")
	}
}
