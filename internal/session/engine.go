package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/rpc"
	"github.com/standardbeagle/ccexecd/internal/stream"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

// State is one node of the per-session execution state machine
// (spec.md §4.8).
type State string

const (
	StateIdle        State = "idle"
	StatePreHook     State = "pre_hook"
	StateRunning     State = "running"
	StatePaused      State = "paused"
	StateTerminating State = "terminating"
	StatePostHook    State = "post_hook"
	StateClosed      State = "closed"
)

var allowedTransitions = map[State]map[State]bool{
	StateIdle:        {StatePreHook: true},
	StatePreHook:     {StateRunning: true},
	StateRunning:     {StatePaused: true, StateTerminating: true},
	StatePaused:      {StateRunning: true, StateTerminating: true},
	StateTerminating: {StatePostHook: true},
	StatePostHook:    {StateIdle: true},
	StateClosed:      {},
}

// StreamConfig carries the Stream Multiplexer knobs from the daemon's
// configuration surface (spec.md §6) down into each session's
// per-execution Multiplexer. Zero values leave the package defaults
// (stream.SoftLineLimit etc.) in place.
type StreamConfig struct {
	BufferSize      int
	HardCeiling     int
	ClientChunkSize int

	// Timeout/TimeoutEnabled mirror ENABLE_STREAM_TIMEOUT/STREAM_TIMEOUT:
	// when enabled and the client didn't request an explicit execute
	// timeout, Timeout overrides the estimator's computed timeout and a
	// deadline hit is reported as stream_timeout rather than a generic
	// execution timeout.
	Timeout        time.Duration
	TimeoutEnabled bool
}

// executionSummary backs the hook_status operation's recent_executions field.
type executionSummary struct {
	Command  string
	Duration time.Duration
	Success  bool
}

const maxRecentExecutions = 20

// hookStat backs hook_status's per-hook statistics, grounded on
// hook_integration.py's get_metrics (invocations/failures/last
// duration tracked per configured hook).
type hookStat struct {
	Invocations  int
	Failures     int
	LastDuration time.Duration
}

// Engine is the per-connection state machine: it parses execute and
// control requests, binds a process to the session, and orchestrates
// hooks, timeouts, streaming, and teardown. Grounded on
// websocket_handler.py's execute/control dispatch and notification
// wiring.
type Engine struct {
	mu    sync.Mutex
	state State

	sessionID string
	channel   Channel

	processes  *process.Manager
	estimator  *estimator.Estimator
	hookRunner *hooks.Runner
	eventBus   *events.EventBus

	allowedPrefixes []string
	streamCfg       StreamConfig

	currentProcess  *process.Process
	recent          []executionSummary
	hooksEnabled    bool
	hooksConfigured []string
	hookStats       map[string]*hookStat
}

// NewEngine builds an Engine for one session. allowedPrefixes, when
// non-empty, restricts execute to commands whose first field matches
// one of the listed prefixes; an empty list allows everything.
func NewEngine(sessionID string, ch Channel, processes *process.Manager, est *estimator.Estimator, hookRunner *hooks.Runner, eventBus *events.EventBus, allowedPrefixes []string, hooksConfigured []string, streamCfg StreamConfig) *Engine {
	return &Engine{
		state:           StateIdle,
		sessionID:       sessionID,
		channel:         ch,
		processes:       processes,
		estimator:       est,
		hookRunner:      hookRunner,
		eventBus:        eventBus,
		allowedPrefixes: allowedPrefixes,
		streamCfg:       streamCfg,
		hooksEnabled:    hookRunner != nil,
		hooksConfigured: hooksConfigured,
		hookStats:       make(map[string]*hookStat),
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transitionLocked(to)
}

func (e *Engine) transitionLocked(to State) error {
	if to == StateTerminating && e.state != StateClosed {
		e.state = to
		return nil
	}
	allowed, ok := allowedTransitions[e.state]
	if !ok || !allowed[to] {
		return fmt.Errorf("session: invalid transition %s -> %s", e.state, to)
	}
	e.state = to
	return nil
}

func (e *Engine) isAllowed(command string) bool {
	if len(e.allowedPrefixes) == 0 {
		return true
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	for _, prefix := range e.allowedPrefixes {
		if strings.HasPrefix(fields[0], prefix) {
			return true
		}
	}
	return false
}

// Execute validates and starts a command, per spec.md §4.8. On
// success it returns {status: started, pid, pgid} and launches
// streaming in the background; the caller's outbound Channel receives
// subsequent process.* notifications.
func (e *Engine) Execute(ctx context.Context, command string, timeoutSeconds *int) (map[string]any, *rpc.Error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "a process is already running on this session"}
	}
	if strings.TrimSpace(command) == "" {
		e.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "command must not be empty"}
	}
	if !e.isAllowed(command) {
		e.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrCommandNotAllowed, Message: "command not allowed by policy"}
	}
	if err := e.transitionLocked(StatePreHook); err != nil {
		e.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrInternalError, Message: err.Error()}
	}
	e.mu.Unlock()

	execID := uuid.New().String()

	if e.hookRunner != nil {
		results := e.hookRunner.RunPre(ctx, hooks.Context{
			"command":      command,
			"session_id":   e.sessionID,
			"execution_id": execID,
		})
		e.recordHookStats(results)
		e.notifyHookWarnings(results)
	}

	if err := e.transition(StateRunning); err != nil {
		e.transition(StateIdle)
		return nil, &rpc.Error{Code: rpc.ErrInternalError, Message: err.Error()}
	}

	estimate := e.estimator.Plan(execID, command)
	timeout := time.Duration(estimate.MaxSeconds * float64(time.Second))
	usingStreamTimeout := false
	if e.streamCfg.TimeoutEnabled && e.streamCfg.Timeout > 0 {
		timeout = e.streamCfg.Timeout
		usingStreamTimeout = true
	}
	if timeoutSeconds != nil && *timeoutSeconds > 0 {
		timeout = time.Duration(*timeoutSeconds) * time.Second
		usingStreamTimeout = false
	}

	proc, err := e.processes.Spawn(context.Background(), execID, command, "", nil)
	if err != nil {
		e.notify("process.failed", map[string]any{"error": err.Error()})
		e.transition(StateTerminating)
		e.runPostHookAndClose(command, 0, false)
		return nil, &rpc.Error{Code: rpc.ErrInternalError, Message: fmt.Sprintf("failed to start process: %v", err)}
	}

	e.mu.Lock()
	e.currentProcess = proc
	e.mu.Unlock()

	pid := 0
	if proc.Cmd != nil && proc.Cmd.Process != nil {
		pid = proc.Cmd.Process.Pid
	}

	e.notify("process.started", map[string]any{"pid": pid, "pgid": proc.PGID})

	if e.eventBus != nil {
		e.eventBus.Publish(events.Event{Type: events.ProcessStarted, SessionID: e.sessionID, ProcessID: proc.ID})
	}

	go e.runExecution(proc, command, execID, timeout, usingStreamTimeout)

	return map[string]any{"status": "started", "pid": pid, "pgid": proc.PGID}, nil
}

// runExecution streams output, waits for completion, and drives the
// Terminating/PostHook/Idle tail of the state machine.
func (e *Engine) runExecution(proc *process.Process, command, execID string, timeout time.Duration, usingStreamTimeout bool) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	mux := stream.NewMultiplexer()
	if e.streamCfg.BufferSize > 0 {
		mux.SoftLineLimit = e.streamCfg.BufferSize
	}
	if e.streamCfg.HardCeiling > 0 {
		mux.HardLineLimit = e.streamCfg.HardCeiling
	}
	if e.streamCfg.ClientChunkSize > 0 {
		mux.ClientChunkSize = e.streamCfg.ClientChunkSize
	}
	result := mux.Run(ctx, proc.Stdout, proc.Stderr, func(c stream.Chunk) {
		e.notify("process.output", map[string]any{
			"type":         string(c.Stream),
			"data":         c.Data,
			"truncated":    c.Truncated,
			"chunk_index":  c.ChunkIndex,
			"total_chunks": c.TotalChunks,
		})
	})

	if result.EarlyCompletion != nil {
		e.notify("task.early_completion", map[string]any{
			"marker":       result.EarlyCompletion.Marker,
			"file_path":    result.EarlyCompletion.FilePath,
			"output_line":  result.EarlyCompletion.OutputLine,
			"elapsed_time": time.Since(start).Seconds(),
		})
	}
	for _, tl := range result.TokenLimitEvents {
		e.notify("error.token_limit_exceeded", map[string]any{
			"limit":       tl.Limit,
			"error_text":  tl.ErrorText,
			"recoverable": tl.Recoverable,
		})
		if e.eventBus != nil {
			e.eventBus.Publish(events.Event{Type: events.TokenLimitExceeded, SessionID: e.sessionID, ProcessID: proc.ID})
		}
	}
	for _, rl := range result.RateLimitEvents {
		e.notify("error.rate_limit_exceeded", map[string]any{
			"error_type":      rl.ErrorType,
			"message":         rl.Message,
			"error_text":      rl.ErrorText,
			"reset_timestamp": rl.ResetTimestamp,
			"retry_after":     rl.RetryAfter,
			"recoverable":     rl.Recoverable,
		})
		if e.eventBus != nil {
			e.eventBus.Publish(events.Event{Type: events.RateLimitExceeded, SessionID: e.sessionID, ProcessID: proc.ID})
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		if usingStreamTimeout {
			e.notify("process.error", map[string]any{
				"error":      "stream timed out with no completion",
				"error_code": rpc.ErrStreamTimeout,
			})
		} else {
			e.notify("process.error", map[string]any{"error": "execution timed out"})
		}
	}

	exitCode, termErr := e.processes.Terminate(proc, 5*time.Second)

	e.transition(StateTerminating)

	duration := time.Since(start)
	success := termErr == nil && exitCode != nil && *exitCode == 0

	if termErr != nil {
		e.notify("process.failed", map[string]any{"error": termErr.Error()})
	} else {
		e.notify("process.completed", map[string]any{
			"exit_code": exitCode,
			"duration":  duration.Seconds(),
		})
	}

	e.estimator.Record(command, duration, success)

	e.mu.Lock()
	e.currentProcess = nil
	e.recent = append(e.recent, executionSummary{Command: command, Duration: duration, Success: success})
	if len(e.recent) > maxRecentExecutions {
		e.recent = e.recent[len(e.recent)-maxRecentExecutions:]
	}
	e.mu.Unlock()

	if e.eventBus != nil {
		e.eventBus.Publish(events.Event{Type: events.ProcessExited, SessionID: e.sessionID, ProcessID: proc.ID})
	}

	e.runPostHookAndClose(command, duration, success)
}

func (e *Engine) runPostHookAndClose(command string, duration time.Duration, success bool) {
	if e.hookRunner != nil {
		results := e.hookRunner.RunPost(context.Background(), hooks.Context{
			"command":  command,
			"duration": duration.String(),
			"success":  success,
		})
		e.recordHookStats(results)
		e.notifyHookWarnings(results)
	}

	if err := e.transition(StatePostHook); err != nil {
		log.Printf("session %s: %v", e.sessionID, err)
	}
	if err := e.transition(StateIdle); err != nil {
		log.Printf("session %s: %v", e.sessionID, err)
	}
}

// Control dispatches a PAUSE/RESUME/CANCEL request to the bound
// process group.
func (e *Engine) Control(kind string) (map[string]any, *rpc.Error) {
	e.mu.Lock()
	proc := e.currentProcess
	e.mu.Unlock()

	if proc == nil {
		return nil, &rpc.Error{Code: rpc.ErrProcessNotFound, Message: "no process is bound to this session"}
	}

	sig := process.Signal(kind)
	if err := e.processes.Signal(proc.PGID, sig); err != nil {
		if err == process.ErrProcessNotFound {
			return nil, &rpc.Error{Code: rpc.ErrProcessNotFound, Message: "process group no longer exists"}
		}
		return nil, &rpc.Error{Code: rpc.ErrInternalError, Message: err.Error()}
	}

	var status string
	var to State
	switch sig {
	case process.SignalPause:
		status, to = "paused", StatePaused
	case process.SignalResume:
		status, to = "resumed", StateRunning
	case process.SignalCancel:
		status, to = "canceled", StateTerminating
	default:
		return nil, &rpc.Error{Code: rpc.ErrInvalidParams, Message: "unknown control type"}
	}

	if err := e.transition(to); err != nil {
		log.Printf("session %s: %v", e.sessionID, err)
	}
	e.notify(fmt.Sprintf("process.%s", status), map[string]any{"pgid": proc.PGID})

	return map[string]any{"status": status}, nil
}

// recordHookStats folds a batch of hook results into the per-hook
// invocation/failure/last-duration counters hook_status reports.
func (e *Engine) recordHookStats(results []hooks.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		s := e.hookStats[r.HookName]
		if s == nil {
			s = &hookStat{}
			e.hookStats[r.HookName] = s
		}
		s.Invocations++
		if !r.Success {
			s.Failures++
		}
		s.LastDuration = r.Duration
	}
}

// HookStatus reports enabled hooks, per-hook statistics, and recent
// execution history.
func (e *Engine) HookStatus() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	executions := make([]map[string]any, 0, len(e.recent))
	successCount := 0
	for _, r := range e.recent {
		executions = append(executions, map[string]any{
			"command":  r.Command,
			"duration": r.Duration.Seconds(),
			"success":  r.Success,
		})
		if r.Success {
			successCount++
		}
	}

	perHook := make(map[string]any, len(e.hookStats))
	for name, s := range e.hookStats {
		perHook[name] = map[string]any{
			"invocations":   s.Invocations,
			"failures":      s.Failures,
			"last_duration": s.LastDuration.Seconds(),
		}
	}

	return map[string]any{
		"enabled":           e.hooksEnabled,
		"hooks_configured":  e.hooksConfigured,
		"recent_executions": executions,
		"per_hook":          perHook,
		"statistics": map[string]any{
			"total":   len(e.recent),
			"success": successCount,
		},
	}
}

// Shutdown terminates any bound process and closes the session's
// channel, used by idle cleanup and explicit disconnect.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	proc := e.currentProcess
	e.mu.Unlock()

	if proc != nil {
		_, _ = e.processes.Terminate(proc, 5*time.Second)
	}

	e.transition(StateTerminating)
	e.mu.Lock()
	e.state = StateClosed
	e.mu.Unlock()

	if e.channel != nil {
		_ = e.channel.Close()
	}
}

func (e *Engine) notify(method string, params map[string]any) {
	if e.channel == nil {
		return
	}
	if err := e.channel.Send(rpc.NewNotification(method, params)); err != nil {
		log.Printf("session %s: failed to send %s: %v", e.sessionID, method, err)
	}
}

func (e *Engine) notifyHookWarnings(results []hooks.Result) {
	for _, r := range results {
		if r.Success {
			continue
		}
		e.notify("hook.warning", map[string]any{
			"hook_type": r.HookName,
			"error":     r.Error,
			"stderr":    r.Stderr,
			"severity":  "warning",
		})
		if e.eventBus != nil {
			e.eventBus.Publish(events.Event{Type: events.HookWarning, SessionID: e.sessionID})
		}
	}
}
