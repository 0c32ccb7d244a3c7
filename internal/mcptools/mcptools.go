// Package mcptools exposes execute/control/hook_status as MCP tools on
// top of the same session.Manager and session.Engine the WebSocket
// transport uses, grounded on brummer's internal/mcp/hub_tools.go
// registration and result-shaping style.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

// Registrar wires MCP tools against a shared session.Manager; unlike
// the WebSocket transport, the execute tool call blocks until the
// command finishes (or the caller's context expires) and returns the
// accumulated output as its result, matching the MCP call/response
// model rather than the WebSocket's fire-and-forget notifications.
// control and hook_status return as soon as the engine answers.
type Registrar struct {
	sessions   *session.Manager
	processes  *process.Manager
	estimator  *estimator.Estimator
	hookRunner *hooks.Runner
	eventBus   *events.EventBus

	allowedPrefixes []string
	hooksConfigured []string
	streamCfg       session.StreamConfig

	pollInterval time.Duration
}

// NewRegistrar builds a Registrar sharing the same dependency graph as
// the WebSocket transport.
func NewRegistrar(sessions *session.Manager, processes *process.Manager, est *estimator.Estimator, hookRunner *hooks.Runner, eventBus *events.EventBus, allowedPrefixes, hooksConfigured []string, streamCfg session.StreamConfig) *Registrar {
	return &Registrar{
		sessions:        sessions,
		processes:       processes,
		estimator:       est,
		hookRunner:      hookRunner,
		eventBus:        eventBus,
		allowedPrefixes: allowedPrefixes,
		hooksConfigured: hooksConfigured,
		streamCfg:       streamCfg,
		pollInterval:    50 * time.Millisecond,
	}
}

// Register adds the execute, control, and hook_status tools to srv.
func (r *Registrar) Register(srv *server.MCPServer) {
	r.registerExecute(srv)
	r.registerControl(srv)
	r.registerHookStatus(srv)
}

func (r *Registrar) registerExecute(srv *server.MCPServer) {
	tool := mcplib.NewTool("execute",
		mcplib.WithDescription("Run a shell command in a supervised session and wait for it to finish, returning its captured output"),
		mcplib.WithString("session_id",
			mcplib.Description("Session to bind the command to; a new session is created if omitted"),
		),
		mcplib.WithString("command",
			mcplib.Required(),
			mcplib.Description("The shell command to execute"),
		),
		mcplib.WithNumber("timeout",
			mcplib.Description("Hard timeout in seconds; defaults to the estimator's plan"),
		),
	)

	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		command, err := request.RequireString("command")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		sessionID := request.GetString("session_id", "")
		eng, sessionID, buf, err := r.resolveSession(sessionID)
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		var timeoutSeconds *int
		if ts := request.GetInt("timeout", 0); ts > 0 {
			timeoutSeconds = &ts
		}

		if _, rpcErr := eng.Execute(ctx, command, timeoutSeconds); rpcErr != nil {
			return mcplib.NewToolResultError(rpcErr.Message), nil
		}

		r.waitForIdle(ctx, eng)

		result := map[string]any{
			"session_id": sessionID,
			"events":     buf.snapshot(),
		}
		return textResult(result)
	})
}

func (r *Registrar) registerControl(srv *server.MCPServer) {
	tool := mcplib.NewTool("control",
		mcplib.WithDescription("Send PAUSE, RESUME, or CANCEL to the process bound to a session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session whose bound process should be signaled"),
		),
		mcplib.WithString("type",
			mcplib.Required(),
			mcplib.Description("One of PAUSE, RESUME, CANCEL"),
		),
	)

	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		sessionID, err := request.RequireString("session_id")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}
		controlType, err := request.RequireString("type")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		sess, ok := r.sessions.Get(sessionID)
		if !ok || sess.Engine == nil {
			return mcplib.NewToolResultError(fmt.Sprintf("unknown session %q", sessionID)), nil
		}

		result, rpcErr := sess.Engine.Control(controlType)
		if rpcErr != nil {
			return mcplib.NewToolResultError(rpcErr.Message), nil
		}
		return textResult(result)
	})
}

func (r *Registrar) registerHookStatus(srv *server.MCPServer) {
	tool := mcplib.NewTool("hook_status",
		mcplib.WithDescription("Report configured pre/post hooks and recent execution history for a session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session to report on"),
		),
	)

	srv.AddTool(tool, func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		sessionID, err := request.RequireString("session_id")
		if err != nil {
			return mcplib.NewToolResultError(err.Error()), nil
		}

		sess, ok := r.sessions.Get(sessionID)
		if !ok || sess.Engine == nil {
			return mcplib.NewToolResultError(fmt.Sprintf("unknown session %q", sessionID)), nil
		}

		return textResult(sess.Engine.HookStatus())
	})
}

// resolveSession looks up an existing session by id, or creates a new
// one (with a generated id and a buffering Channel) when sessionID is
// empty or unknown.
func (r *Registrar) resolveSession(sessionID string) (*session.Engine, string, *bufferChannel, error) {
	if sessionID != "" {
		if sess, ok := r.sessions.Get(sessionID); ok && sess.Engine != nil {
			buf, ok := sess.Channel.(*bufferChannel)
			if !ok {
				return nil, "", nil, fmt.Errorf("session %q is bound to a different transport", sessionID)
			}
			return sess.Engine, sessionID, buf, nil
		}
	}

	id := sessionID
	if id == "" {
		id = newSessionID()
	}

	buf := newBufferChannel()
	sess, ok := r.sessions.Create(id, buf)
	if !ok {
		return nil, "", nil, fmt.Errorf("session limit exceeded")
	}

	eng := session.NewEngine(id, buf, r.processes, r.estimator, r.hookRunner, r.eventBus, r.allowedPrefixes, r.hooksConfigured, r.streamCfg)
	r.sessions.Update(id, func(s *session.Session) { s.Engine = eng })

	return eng, id, buf, nil
}

// waitForIdle blocks until the engine returns to StateIdle (the
// execution finished and post-hooks ran) or ctx is done.
func (r *Registrar) waitForIdle(ctx context.Context, eng *session.Engine) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if s := eng.State(); s == session.StateIdle || s == session.StateClosed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func textResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
