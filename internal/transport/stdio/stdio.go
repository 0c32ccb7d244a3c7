// Package stdio runs the JSON-RPC 2.0 execute/control/hook_status
// protocol over a single newline-delimited io.Reader/io.Writer pair
// instead of a WebSocket, for callers that pipe a single session
// through the daemon's stdin/stdout (scripting, CI, local testing)
// rather than dialing the HTTP front door.
package stdio

import (
	"context"
	"encoding/json"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/rpc"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

func newSessionID() string {
	return uuid.New().String()
}

type executeParams struct {
	Command        string `json:"command"`
	TimeoutSeconds *int   `json:"timeout,omitempty"`
}

type controlParams struct {
	Type string `json:"type"`
}

// channel adapts an *rpc.Codec to session.Channel. Send takes no lock:
// the Engine's notifications and the read loop's responses (which
// reply writes straight to the codec) each go out as one Write call on
// the underlying writer, and nothing here orders one against another.
type channel struct {
	codec *rpc.Codec
}

func (c *channel) Send(v any) error { return c.codec.WriteMessage(v) }
func (c *channel) Close() error     { return nil }

// Server runs one session's worth of JSON-RPC traffic over r/w until
// EOF or a read error, grounded on internal/transport/ws.Server's
// upgrade-free single-connection dispatch loop.
type Server struct {
	sessions   *session.Manager
	processes  *process.Manager
	estimator  *estimator.Estimator
	hookRunner *hooks.Runner
	eventBus   *events.EventBus

	allowedPrefixes []string
	hooksConfigured []string
	streamCfg       session.StreamConfig
}

// NewServer wires a Server from the same dependency graph the
// WebSocket and MCP front doors share.
func NewServer(sessions *session.Manager, processes *process.Manager, est *estimator.Estimator, hookRunner *hooks.Runner, eventBus *events.EventBus, allowedPrefixes, hooksConfigured []string, streamCfg session.StreamConfig) *Server {
	return &Server{
		sessions:        sessions,
		processes:       processes,
		estimator:       est,
		hookRunner:      hookRunner,
		eventBus:        eventBus,
		allowedPrefixes: allowedPrefixes,
		hooksConfigured: hooksConfigured,
		streamCfg:       streamCfg,
	}
}

// Serve binds one session to r/w and dispatches requests until r is
// exhausted or returns an error.
func (s *Server) Serve(r io.Reader, w io.Writer) error {
	codec := rpc.NewCodec(r, w)
	ch := &channel{codec: codec}

	sessionID := newSessionID()
	if _, ok := s.sessions.Create(sessionID, ch); !ok {
		return codec.WriteMessage(rpc.NewErrorResponse(nil, rpc.ErrSessionLimitExceeded, "session limit exceeded", nil))
	}
	defer func() {
		if removed, ok := s.sessions.Remove(sessionID); ok && removed.Engine != nil {
			removed.Engine.Shutdown()
		}
	}()

	engine := session.NewEngine(sessionID, ch, s.processes, s.estimator, s.hookRunner, s.eventBus, s.allowedPrefixes, s.hooksConfigured, s.streamCfg)
	s.sessions.Update(sessionID, func(sess *session.Session) { sess.Engine = engine })

	if err := codec.WriteMessage(rpc.NewNotification("connected", map[string]any{"session_id": sessionID})); err != nil {
		return err
	}

	for {
		req, err := codec.ReadRequest()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		s.dispatch(codec, engine, req)
	}
}

func (s *Server) dispatch(codec *rpc.Codec, engine *session.Engine, req rpc.Request) {
	switch req.Method {
	case "execute":
		var params executeParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(codec, req.ID, nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "malformed execute params"})
			return
		}
		result, rpcErr := engine.Execute(context.Background(), params.Command, params.TimeoutSeconds)
		s.reply(codec, req.ID, result, rpcErr)

	case "control":
		var params controlParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.reply(codec, req.ID, nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "malformed control params"})
			return
		}
		result, rpcErr := engine.Control(params.Type)
		s.reply(codec, req.ID, result, rpcErr)

	case "hook_status":
		s.reply(codec, req.ID, engine.HookStatus(), nil)

	default:
		if req.IsNotification() {
			return
		}
		s.reply(codec, req.ID, nil, &rpc.Error{Code: rpc.ErrMethodNotFound, Message: "unknown method: " + req.Method})
	}
}

func (s *Server) reply(codec *rpc.Codec, id json.RawMessage, result any, rpcErr *rpc.Error) {
	if len(id) == 0 {
		return
	}
	var resp rpc.Response
	if rpcErr != nil {
		resp = rpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		resp = rpc.NewResponse(id, result)
	}
	if err := codec.WriteMessage(resp); err != nil {
		log.Printf("stdio: failed to send response for %q: %v", id, err)
	}
}
