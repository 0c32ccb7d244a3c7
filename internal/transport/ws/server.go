package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/rpc"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

// executeParams/controlParams mirror the wire shapes spec.md §6
// documents for the execute and control methods.
type executeParams struct {
	Command        string `json:"command"`
	TimeoutSeconds *int   `json:"timeout,omitempty"`
}

type controlParams struct {
	Type string `json:"type"`
}

// defaultPingInterval/defaultPingTimeout are used when a Server is
// built without explicit SetKeepalive overrides.
const (
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 10 * time.Second
)

// Server upgrades HTTP connections to WebSocket and binds each one to
// a session.Engine, dispatching decoded JSON-RPC requests to it.
// Grounded on the proxy package's handleWebSocketTelemetry connection
// lifecycle (upgrade, register, welcome message, read loop, unregister).
type Server struct {
	upgrader websocket.Upgrader

	sessions   *session.Manager
	processes  *process.Manager
	estimator  *estimator.Estimator
	hookRunner *hooks.Runner
	eventBus   *events.EventBus

	allowedPrefixes []string
	hooksConfigured []string
	streamCfg       session.StreamConfig

	pingInterval time.Duration
	pingTimeout  time.Duration
}

// NewServer wires a Server from already-constructed components; all
// of cmd/ccexecd's dependency graph is assembled once at startup and
// handed in here.
func NewServer(sessions *session.Manager, processes *process.Manager, est *estimator.Estimator, hookRunner *hooks.Runner, eventBus *events.EventBus, allowedPrefixes, hooksConfigured []string, streamCfg session.StreamConfig) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions:        sessions,
		processes:       processes,
		estimator:       est,
		hookRunner:      hookRunner,
		eventBus:        eventBus,
		allowedPrefixes: allowedPrefixes,
		hooksConfigured: hooksConfigured,
		streamCfg:       streamCfg,
		pingInterval:    defaultPingInterval,
		pingTimeout:     defaultPingTimeout,
	}
}

// SetKeepalive overrides the ping interval and pong-wait timeout used
// to detect dead connections; zero values leave the defaults in place.
func (s *Server) SetKeepalive(interval, timeout time.Duration) {
	if interval > 0 {
		s.pingInterval = interval
	}
	if timeout > 0 {
		s.pingTimeout = timeout
	}
}

// HandleWS upgrades the request and runs the connection's read loop
// until the client disconnects or a read error occurs.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}
	defer wsConn.Close()

	c := newConn(wsConn)
	sessionID := newSessionID()

	_, ok := s.sessions.Create(sessionID, c)
	if !ok {
		_ = c.Send(rpc.NewErrorResponse(nil, rpc.ErrSessionLimitExceeded, "session limit exceeded", nil))
		return
	}

	stopKeepalive := s.startKeepalive(c)
	defer stopKeepalive()

	engine := session.NewEngine(sessionID, c, s.processes, s.estimator, s.hookRunner, s.eventBus, s.allowedPrefixes, s.hooksConfigured, s.streamCfg)
	s.sessions.Update(sessionID, func(sess *session.Session) { sess.Engine = engine })

	_ = c.Send(rpc.NewNotification("connected", map[string]any{
		"session_id":  sessionID,
		"server_time": time.Now().UnixMilli(),
	}))

	defer func() {
		if removed, ok := s.sessions.Remove(sessionID); ok && removed.Engine != nil {
			removed.Engine.Shutdown()
		}
	}()

	for {
		var req rpc.Request
		if err := c.readRequest(&req); err != nil {
			if !isNormalClose(err) {
				log.Printf("ws: session %s read error: %v", sessionID, err)
			}
			return
		}
		s.dispatch(sessionID, engine, req)
	}
}

func (s *Server) dispatch(sessionID string, engine *session.Engine, req rpc.Request) {
	ctx := context.Background()

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return
	}
	ch := sess.Channel

	switch req.Method {
	case "execute":
		var params executeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(ch, req.ID, nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "malformed execute params"})
			return
		}
		result, rpcErr := engine.Execute(ctx, params.Command, params.TimeoutSeconds)
		s.reply(ch, req.ID, result, rpcErr)

	case "control":
		var params controlParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(ch, req.ID, nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "malformed control params"})
			return
		}
		result, rpcErr := engine.Control(params.Type)
		s.reply(ch, req.ID, result, rpcErr)

	case "hook_status":
		s.reply(ch, req.ID, engine.HookStatus(), nil)

	default:
		if req.IsNotification() {
			return
		}
		s.reply(ch, req.ID, nil, &rpc.Error{Code: rpc.ErrMethodNotFound, Message: "unknown method: " + req.Method})
	}
}

func (s *Server) reply(ch session.Channel, id json.RawMessage, result any, rpcErr *rpc.Error) {
	if len(id) == 0 {
		return
	}
	var resp rpc.Response
	if rpcErr != nil {
		resp = rpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		resp = rpc.NewResponse(id, result)
	}
	if err := ch.Send(resp); err != nil {
		log.Printf("ws: failed to send response for %q: %v", id, err)
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// startKeepalive arms the read deadline/pong handler and launches a
// goroutine that pings on s.pingInterval, so a half-open TCP
// connection (client gone but no FIN received) is detected within
// pingInterval+pingTimeout instead of blocking the read loop forever.
func (s *Server) startKeepalive(c *conn) func() {
	c.ws.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(s.pingInterval + s.pingTimeout))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.writePing(s.pingTimeout); err != nil {
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
