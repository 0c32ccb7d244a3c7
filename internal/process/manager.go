// Package process owns the subprocess lifecycle: spawning a command in
// its own process group, signaling PAUSE/RESUME/CANCEL at the group
// level, and graceful-then-forced termination.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/standardbeagle/ccexecd/pkg/events"
)

// Signal is a control action applied to a process group.
type Signal string

const (
	SignalPause  Signal = "PAUSE"
	SignalResume Signal = "RESUME"
	SignalCancel Signal = "CANCEL"
)

// cliToolsNeedingUnbuffering are wrapped with a "stdbuf -o0 -e0" prefix
// when the wrapper is available, so line-buffering CLIs don't stall the
// stream multiplexer under a non-interactive pipe.
var cliToolsNeedingUnbuffering = []string{"claude", "python", "node", "npm", "npx"}

// envVarsToStrip are removed from the child's environment because they
// change auth semantics the caller did not ask for (Claude Max uses
// browser auth, not the API key, when driven through this executor).
var envVarsToStrip = []string{"ANTHROPIC_API_KEY"}

// Process is a tracked subprocess. Status/EndTime/ExitCode are read
// through atomic snapshots (ProcessState) so hot paths like status
// polling never contend with the streaming goroutines for a mutex.
type Process struct {
	ID        string
	Command   string
	Args      []string
	Dir       string
	Cmd       *exec.Cmd
	PGID      int
	Status    ProcessStatus
	StartTime time.Time
	EndTime   *time.Time
	ExitCode  *int
	Stdout    io.ReadCloser
	Stderr    io.ReadCloser
	cancel    context.CancelFunc
	mu        sync.RWMutex

	atomicState unsafe.Pointer // *ProcessState
}

func (p *Process) GetStatus() ProcessStatus {
	if statePtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState)); statePtr != nil {
		return statePtr.Status
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Status
}

func (p *Process) GetStartTime() time.Time {
	if statePtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState)); statePtr != nil {
		return statePtr.StartTime
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.StartTime
}

func (p *Process) GetEndTime() *time.Time {
	if statePtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState)); statePtr != nil {
		return statePtr.EndTime
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.EndTime
}

func (p *Process) GetExitCode() *int {
	if statePtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState)); statePtr != nil {
		return statePtr.ExitCode
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ExitCode
}

// GetSnapshot returns a consistent read of every frequently-accessed
// field in one pass, instead of several individually-locked getters.
func (p *Process) GetSnapshot() ProcessSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProcessSnapshot{
		ID:        p.ID,
		Command:   p.Command,
		PGID:      p.PGID,
		Status:    p.Status,
		StartTime: p.StartTime,
		EndTime:   p.EndTime,
		ExitCode:  p.ExitCode,
	}
}

func (p *Process) SetStatus(status ProcessStatus) {
	p.UpdateStateAtomic(func(state ProcessState) ProcessState {
		return state.CopyWithStatus(status)
	})
}

// GetStateAtomic is the primary lock-free read path.
func (p *Process) GetStateAtomic() ProcessState {
	statePtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState))
	if statePtr == nil {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return ProcessState{
			ID:        p.ID,
			Command:   p.Command,
			Args:      p.Args,
			Dir:       p.Dir,
			Status:    p.Status,
			StartTime: p.StartTime,
			EndTime:   p.EndTime,
			ExitCode:  p.ExitCode,
		}
	}
	return *statePtr
}

// UpdateStateAtomic performs a compare-and-swap state transition.
func (p *Process) UpdateStateAtomic(updater func(ProcessState) ProcessState) {
	for {
		currentPtr := (*ProcessState)(atomic.LoadPointer(&p.atomicState))
		var current ProcessState
		if currentPtr == nil {
			p.mu.RLock()
			current = ProcessState{
				ID:        p.ID,
				Command:   p.Command,
				Args:      p.Args,
				Dir:       p.Dir,
				Status:    p.Status,
				StartTime: p.StartTime,
				EndTime:   p.EndTime,
				ExitCode:  p.ExitCode,
			}
			p.mu.RUnlock()
		} else {
			current = *currentPtr
		}

		newState := updater(current)
		newStatePtr := &newState

		if atomic.CompareAndSwapPointer(
			&p.atomicState,
			unsafe.Pointer(currentPtr),
			unsafe.Pointer(newStatePtr),
		) {
			p.updateMutexFields(newState)
			break
		}
	}
}

func (p *Process) updateMutexFields(state ProcessState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Status = state.Status
	p.EndTime = state.EndTime
	p.ExitCode = state.ExitCode
}

type ProcessStatus string

const (
	StatusPending ProcessStatus = "pending"
	StatusRunning ProcessStatus = "running"
	StatusStopped ProcessStatus = "stopped"
	StatusFailed  ProcessStatus = "failed"
	StatusSuccess ProcessStatus = "success"
)

// ProcessSnapshot is an atomic, point-in-time copy of a Process's
// frequently-read fields.
type ProcessSnapshot struct {
	ID        string
	Command   string
	PGID      int
	Status    ProcessStatus
	StartTime time.Time
	EndTime   *time.Time
	ExitCode  *int
}

func (ps ProcessSnapshot) String() string {
	return fmt.Sprintf("Process{ID: %s, Command: %s, Status: %s}", ps.ID, ps.Command, ps.Status)
}

func (ps ProcessSnapshot) IsRunning() bool {
	return ps.Status == StatusRunning
}

func (ps ProcessSnapshot) IsFinished() bool {
	return ps.Status == StatusSuccess || ps.Status == StatusFailed || ps.Status == StatusStopped
}

func (ps ProcessSnapshot) Duration() time.Duration {
	if ps.EndTime != nil {
		return ps.EndTime.Sub(ps.StartTime)
	}
	return time.Since(ps.StartTime)
}

// ErrProcessNotFound is returned by Signal/Terminate when the target
// group no longer exists — reported to the caller, never panicked.
var ErrProcessNotFound = errors.New("process group not found")

// ErrUnsupportedOnPlatform is returned by PAUSE/RESUME on platforms
// that cannot suspend a process group without cgo (Windows).
var ErrUnsupportedOnPlatform = errors.New("signal unsupported on this platform")

// Manager owns every live Process for the daemon's lifetime, keyed by
// execution id.
type Manager struct {
	processes sync.Map // map[string]*Process
	eventBus  *events.EventBus
}

func NewManager(eventBus *events.EventBus) *Manager {
	return &Manager{eventBus: eventBus}
}

// Spawn launches command in a new process group with stdin closed,
// the given env (or the daemon's own environment when env is nil) with
// only envVarsToStrip removed, and (where recognized) an unbuffered
// stdio wrapper; the environment is not otherwise reduced. The returned Process exposes Stdout/Stderr pipes for
// the Stream Multiplexer to drain; callers must read both to EOF.
func (m *Manager) Spawn(ctx context.Context, id string, command string, cwd string, env []string) (*Process, error) {
	argv := wrapForUnbufferedOutput(command)

	execCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdin = nil // closed source: no interactive input

	cmd.Env = stripEnv(env, envVarsToStrip)

	setupProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	p := &Process{
		ID:        id,
		Command:   command,
		Args:      argv,
		Dir:       cwd,
		Cmd:       cmd,
		Status:    StatusPending,
		StartTime: time.Now(),
		Stdout:    stdout,
		Stderr:    stderr,
		cancel:    cancel,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start command %v: %w", argv, err)
	}

	pgid, err := processGroupID(cmd.Process.Pid)
	if err != nil {
		pgid = cmd.Process.Pid
	}
	p.PGID = pgid
	p.SetStatus(StatusRunning)

	m.processes.Store(id, p)

	m.eventBus.Publish(events.Event{
		Type:      events.ProcessStarted,
		ProcessID: id,
		Data: map[string]interface{}{
			"command": command,
			"pid":     cmd.Process.Pid,
			"pgid":    pgid,
		},
	})

	go m.wait(p)

	return p, nil
}

// wait blocks until the child exits and records the final state. It
// does not drain stdout/stderr — that is the Stream Multiplexer's job.
func (m *Manager) wait(p *Process) {
	err := p.Cmd.Wait()

	exitCode := 0
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	p.UpdateStateAtomic(func(s ProcessState) ProcessState {
		return s.CopyWithExit(exitCode).CopyWithStatus(status)
	})

	m.eventBus.Publish(events.Event{
		Type:      events.ProcessExited,
		ProcessID: p.ID,
		Data: map[string]interface{}{
			"status":   status,
			"exitCode": exitCode,
		},
	})
}

// Signal maps PAUSE/RESUME/CANCEL onto SIGSTOP/SIGCONT/SIGTERM sent to
// the negative process group id. Returns ErrProcessNotFound if the
// group no longer exists, never panics.
func (m *Manager) Signal(pgid int, kind Signal) error {
	return signalProcessGroup(pgid, kind)
}

// Terminate sends CANCEL to the group, waits a fixed ≥2s grace period,
// force-kills if still alive, then waits up to a final bound for exit.
// Idempotent: calling it on an already-exited process just returns the
// recorded exit code.
func (m *Manager) Terminate(p *Process, timeout time.Duration) (*int, error) {
	if code := p.GetExitCode(); code != nil {
		return code, nil
	}

	if p.cancel != nil {
		defer p.cancel()
	}

	if err := signalProcessGroup(p.PGID, SignalCancel); err != nil && err != ErrProcessNotFound {
		return nil, err
	}

	grace := 2 * time.Second
	if done := waitForExit(p, grace); done {
		return p.GetExitCode(), nil
	}

	killProcessTree(p.Cmd.Process.Pid)

	final := timeout
	if final < 5*time.Second {
		final = 5 * time.Second
	}
	if waitForExit(p, final) {
		return p.GetExitCode(), nil
	}

	return nil, fmt.Errorf("process %s could not be terminated within %s", p.ID, final)
}

func waitForExit(p *Process, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if p.GetExitCode() != nil {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return p.GetExitCode() != nil
}

// Alive reports whether the process has not yet recorded an exit code.
func (m *Manager) Alive(p *Process) bool {
	return p.GetExitCode() == nil
}

func (m *Manager) GetProcess(id string) (*Process, bool) {
	v, ok := m.processes.Load(id)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Process)
	return p, ok
}

func (m *Manager) GetAllProcesses() []*Process {
	var procs []*Process
	m.processes.Range(func(_, v interface{}) bool {
		if p, ok := v.(*Process); ok {
			procs = append(procs, p)
		}
		return true
	})
	return procs
}

// Remove drops a finished process from the tracking map.
func (m *Manager) Remove(id string) {
	m.processes.Delete(id)
}

// CleanupFinishedProcesses removes every process that has reached a
// terminal status, preventing unbounded accumulation in long-lived
// daemons.
func (m *Manager) CleanupFinishedProcesses() {
	m.processes.Range(func(key, value interface{}) bool {
		if p, ok := value.(*Process); ok {
			if p.GetStateAtomic().IsFinished() {
				m.processes.Delete(key)
			}
		}
		return true
	})
}

// wrapForUnbufferedOutput prefixes known line-buffering CLI tools with
// "stdbuf -o0 -e0" when the wrapper is on PATH. The command itself is
// always handed to "/bin/sh -c", so shell syntax in it (builtins,
// pipes, redirections) is interpreted.
func wrapForUnbufferedOutput(command string) []string {
	trimmed := strings.TrimSpace(command)
	argv := []string{"/bin/sh", "-c", trimmed}

	if _, err := exec.LookPath("stdbuf"); err != nil {
		return argv
	}

	for _, tool := range cliToolsNeedingUnbuffering {
		if strings.HasPrefix(trimmed, tool) {
			return []string{"/bin/sh", "-c", fmt.Sprintf("stdbuf -o0 -e0 %s", trimmed)}
		}
	}

	return argv
}

// stripEnv returns a copy of base with every key in drop removed, used
// to keep the spawned process's auth semantics from silently diverging
// from what the caller intended.
func stripEnv(base []string, drop []string) []string {
	if base == nil {
		base = os.Environ()
	}
	out := make([]string, 0, len(base))
	for _, kv := range base {
		skip := false
		for _, d := range drop {
			if strings.HasPrefix(kv, d+"=") {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, kv)
		}
	}
	out = append(out, "PYTHONUNBUFFERED=1", "NODE_NO_READLINE=1")
	return out
}
