package process

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/standardbeagle/ccexecd/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(r io.Reader) <-chan string {
	out := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(r)
		out <- string(data)
	}()
	return out
}

func TestSpawnAndExit(t *testing.T) {
	tempDir := t.TempDir()
	eventBus := events.NewEventBus()

	var received []events.Event
	var mu sync.Mutex
	eventBus.Subscribe(events.ProcessStarted, func(e events.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	eventBus.Subscribe(events.ProcessExited, func(e events.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})

	mgr := NewManager(eventBus)

	p, err := mgr.Spawn(context.Background(), "exec-1", "echo hello world", tempDir, nil)
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Equal(t, StatusRunning, p.GetStatus())
	assert.Greater(t, p.PGID, 0)

	stdout := drain(p.Stdout)
	drain(p.Stderr)

	select {
	case out := <-stdout:
		assert.Contains(t, out, "hello world")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stdout")
	}

	require.Eventually(t, func() bool {
		return p.GetExitCode() != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, *p.GetExitCode())
	assert.Equal(t, StatusSuccess, p.GetStatus())

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, len(received), 2)
}

func TestSpawnNonZeroExit(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	p, err := mgr.Spawn(context.Background(), "exec-fail", "exit 3", tempDir, nil)
	require.NoError(t, err)

	drain(p.Stdout)
	drain(p.Stderr)

	require.Eventually(t, func() bool {
		return p.GetExitCode() != nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, *p.GetExitCode())
	assert.Equal(t, StatusFailed, p.GetStatus())
}

func TestSignalCancelTerminatesGroup(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	p, err := mgr.Spawn(context.Background(), "exec-sleep", "sleep 30", tempDir, nil)
	require.NoError(t, err)
	drain(p.Stdout)
	drain(p.Stderr)

	require.NoError(t, mgr.Signal(p.PGID, SignalCancel))

	require.Eventually(t, func() bool {
		return p.GetExitCode() != nil
	}, 3*time.Second, 20*time.Millisecond)

	assert.NotEqual(t, StatusRunning, p.GetStatus())
}

func TestSignalPauseResume(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	p, err := mgr.Spawn(context.Background(), "exec-pause", "sleep 2", tempDir, nil)
	require.NoError(t, err)
	drain(p.Stdout)
	drain(p.Stderr)

	if err := mgr.Signal(p.PGID, SignalPause); err == ErrUnsupportedOnPlatform {
		t.Skip("PAUSE unsupported on this platform")
	} else {
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Signal(p.PGID, SignalResume))
	require.NoError(t, mgr.Signal(p.PGID, SignalCancel))

	require.Eventually(t, func() bool {
		return p.GetExitCode() != nil
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSignalUnknownGroupReportsNotFound(t *testing.T) {
	mgr := NewManager(events.NewEventBus())
	err := mgr.Signal(999999, SignalCancel)
	if err != nil {
		assert.Equal(t, ErrProcessNotFound, err)
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	p, err := mgr.Spawn(context.Background(), "exec-term", "sleep 30", tempDir, nil)
	require.NoError(t, err)
	drain(p.Stdout)
	drain(p.Stderr)

	code, err := mgr.Terminate(p, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, code)

	code2, err := mgr.Terminate(p, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, *code, *code2)
}

func TestGetAllProcessesAndCleanup(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	p1, err := mgr.Spawn(context.Background(), "exec-a", "echo a", tempDir, nil)
	require.NoError(t, err)
	drain(p1.Stdout)
	drain(p1.Stderr)

	p2, err := mgr.Spawn(context.Background(), "exec-b", "echo b", tempDir, nil)
	require.NoError(t, err)
	drain(p2.Stdout)
	drain(p2.Stderr)

	all := mgr.GetAllProcesses()
	assert.Len(t, all, 2)

	require.Eventually(t, func() bool {
		return p1.GetExitCode() != nil && p2.GetExitCode() != nil
	}, 2*time.Second, 10*time.Millisecond)

	mgr.CleanupFinishedProcesses()
	assert.Empty(t, mgr.GetAllProcesses())
}

func TestStripEnvRemovesAPIKey(t *testing.T) {
	base := []string{"ANTHROPIC_API_KEY=secret", "PATH=/usr/bin"}
	out := stripEnv(base, envVarsToStrip)

	for _, kv := range out {
		assert.NotContains(t, kv, "ANTHROPIC_API_KEY=")
	}
	assert.Contains(t, out, "PATH=/usr/bin")
	assert.Contains(t, out, "PYTHONUNBUFFERED=1")
}

func TestConcurrentSpawn(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(events.NewEventBus())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p, err := mgr.Spawn(context.Background(), "exec-c"+string(rune('a'+n)), "echo hi", tempDir, nil)
			if err == nil {
				drain(p.Stdout)
				drain(p.Stderr)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, mgr.GetAllProcesses(), 10)
}
