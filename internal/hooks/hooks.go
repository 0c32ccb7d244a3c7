// Package hooks implements the Hook Runner: declarative pre/post
// execution commands, loaded from a TOML file and hot-reloaded, run
// without a shell, with per-hook timeouts and env-injected context.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
)

const logTruncateLength = 10000

// Context carries values the Session Engine wants visible to a hook
// invocation. Strings are passed as-is, fmt.Stringer values as their
// String() text, and all other values are JSON-encoded, mirroring the
// original JSON-encode-non-primitive-values behavior.
type Context map[string]any

// Result is what a single hook invocation reports back. Hooks never
// abort execution; a non-nil Error surfaces as a client warning.
type Result struct {
	HookName string
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
	Error    string
	Duration time.Duration
}

// Spec is one configured hook as loaded from TOML.
type Spec struct {
	Command string        `toml:"command"`
	Timeout time.Duration `toml:"-"`
	// TimeoutSeconds is the TOML-facing field; Timeout is derived from it.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Config is the on-disk hook configuration file shape.
type Config struct {
	DefaultTimeoutSeconds int               `toml:"default_timeout_seconds"`
	Env                   map[string]string `toml:"env"`
	Pre                   []Spec            `toml:"pre"`
	Post                  []Spec            `toml:"post"`
}

// Runner executes configured hooks and supports hot-reloading its
// configuration file.
type Runner struct {
	mu             sync.RWMutex
	cfg            Config
	defaultTimeout time.Duration
}

// NewRunner builds a Runner from an already-loaded Config.
func NewRunner(cfg Config) *Runner {
	r := &Runner{cfg: cfg}
	r.defaultTimeout = 60 * time.Second
	if cfg.DefaultTimeoutSeconds > 0 {
		r.defaultTimeout = time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
	}
	for i := range r.cfg.Pre {
		r.cfg.Pre[i].Timeout = resolveTimeout(r.cfg.Pre[i], r.defaultTimeout)
	}
	for i := range r.cfg.Post {
		r.cfg.Post[i].Timeout = resolveTimeout(r.cfg.Post[i], r.defaultTimeout)
	}
	return r
}

func resolveTimeout(s Spec, fallback time.Duration) time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Replace swaps the active configuration atomically, used by the
// fsnotify-driven hot-reload path.
func (r *Runner) Replace(cfg Config) {
	replacement := NewRunner(cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = replacement.cfg
	r.defaultTimeout = replacement.defaultTimeout
}

// RunPre executes every configured pre-execution hook in sequence and
// returns their results. A hook failure is never fatal to the caller.
func (r *Runner) RunPre(ctx context.Context, hookCtx Context) []Result {
	r.mu.RLock()
	specs := append([]Spec(nil), r.cfg.Pre...)
	env := r.cfg.Env
	r.mu.RUnlock()
	return r.runAll(ctx, "pre", specs, env, hookCtx)
}

// RunPost executes every configured post-execution hook in sequence.
func (r *Runner) RunPost(ctx context.Context, hookCtx Context) []Result {
	r.mu.RLock()
	specs := append([]Spec(nil), r.cfg.Post...)
	env := r.cfg.Env
	r.mu.RUnlock()
	return r.runAll(ctx, "post", specs, env, hookCtx)
}

func (r *Runner) runAll(ctx context.Context, kind string, specs []Spec, configEnv map[string]string, hookCtx Context) []Result {
	results := make([]Result, 0, len(specs))
	for i, spec := range specs {
		name := fmt.Sprintf("%s[%d]", kind, i)
		results = append(results, runOne(ctx, name, spec, configEnv, hookCtx))
	}
	return results
}

// runOne launches a single hook command without a shell, grounded on
// hook_integration.py's _execute_single_hook: shlex-split args,
// shutil.which-style resolution, per-hook timeout with
// terminate-then-kill escalation on expiry.
func runOne(ctx context.Context, name string, spec Spec, configEnv map[string]string, hookCtx Context) Result {
	start := time.Now()

	if strings.TrimSpace(spec.Command) == "" {
		return Result{HookName: name, Success: true}
	}

	args, err := shlex.Split(spec.Command)
	if err != nil || len(args) == 0 {
		return Result{HookName: name, Error: fmt.Sprintf("invalid hook command: %v", err), Success: false, Duration: time.Since(start)}
	}

	resolved, err := exec.LookPath(args[0])
	if err != nil {
		log.Printf("hooks: %s executable not found: %s", name, args[0])
		return Result{HookName: name, Error: fmt.Sprintf("executable not found: %s", args[0]), Success: false, Duration: time.Since(start)}
	}
	args[0] = resolved

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	// On expiry send SIGTERM first; Wait force-kills after the grace.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 500 * time.Millisecond
	cmd.Env = buildEnv(configEnv, hookCtx)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Printf("hooks: executing %s: %s", name, truncate(spec.Command, 50))

	startErr := cmd.Start()
	if startErr != nil {
		return Result{HookName: name, Error: startErr.Error(), Success: false, Duration: time.Since(start)}
	}

	waitErr := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		log.Printf("hooks: %s timed out after %s", name, timeout)
		killHookProcess(cmd)
		return Result{HookName: name, Error: "timeout", Success: false, Duration: time.Since(start)}
	}

	exitCode := 0
	success := true
	if waitErr != nil {
		success = false
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{HookName: name, Error: waitErr.Error(), Success: false, Duration: time.Since(start)}
		}
	}

	if !success {
		log.Printf("hooks: %s failed with exit code %d", name, exitCode)
		log.Printf("hooks: %s stderr (%d bytes): %s", name, stderr.Len(), truncate(stderr.String(), logTruncateLength))
	}

	return Result{
		HookName: name,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Success:  success,
		Duration: time.Since(start),
	}
}

// killHookProcess sends a termination signal and force-kills shortly
// after if the process is still alive, mirroring the Python
// terminate()-then-sleep-then-kill() fallback.
func killHookProcess(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(500 * time.Millisecond)
	_ = cmd.Process.Kill()
}

// buildEnv injects context values as CCEXECD_<KEY> environment
// variables, JSON-encoding non-primitive values.
func buildEnv(configEnv map[string]string, hookCtx Context) []string {
	env := os.Environ()
	for k, v := range configEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range hookCtx {
		key := "CCEXECD_" + strings.ToUpper(k)
		env = append(env, fmt.Sprintf("%s=%s", key, stringifyContextValue(v)))
	}
	return env
}

func stringifyContextValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
