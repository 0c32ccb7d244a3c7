package mcptools

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/resource"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/internal/timing"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

func newTestRegistrar(t *testing.T) *Registrar {
	t.Helper()
	eventBus := events.NewEventBus()
	sessions := session.NewManager(10, time.Hour, eventBus)
	processes := process.NewManager(eventBus)
	est := estimator.New(timing.NullStore{}, resource.NewMonitor(), 0)
	hookRunner := hooks.NewRunner(hooks.Config{})
	return NewRegistrar(sessions, processes, est, hookRunner, eventBus, nil, nil, session.StreamConfig{})
}

func TestBufferChannelAccumulatesSends(t *testing.T) {
	b := newBufferChannel()
	require.NoError(t, b.Send(map[string]any{"a": 1}))
	require.NoError(t, b.Send(map[string]any{"a": 2}))

	snap := b.snapshot()
	assert.Len(t, snap, 2)

	require.NoError(t, b.Close())
	assert.True(t, b.closed)
}

func TestResolveSessionCreatesNewWhenIDEmpty(t *testing.T) {
	r := newTestRegistrar(t)

	eng, id, buf, err := r.resolveSession("")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NotNil(t, eng)
	assert.NotNil(t, buf)
}

func TestResolveSessionReusesExistingSession(t *testing.T) {
	r := newTestRegistrar(t)

	eng1, id, _, err := r.resolveSession("")
	require.NoError(t, err)

	eng2, id2, _, err := r.resolveSession(id)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
	assert.Same(t, eng1, eng2)
}

func TestResolveSessionRejectsUnknownTransportBinding(t *testing.T) {
	r := newTestRegistrar(t)

	ch := &fakeForeignChannel{}
	r.sessions.Create("foreign", ch)
	r.sessions.Update("foreign", func(s *session.Session) {
		s.Engine = session.NewEngine("foreign", ch, r.processes, r.estimator, r.hookRunner, r.eventBus, nil, nil, session.StreamConfig{})
	})

	_, _, _, err := r.resolveSession("foreign")
	require.Error(t, err)
}

func TestWaitForIdleReturnsOnceEngineSettles(t *testing.T) {
	r := newTestRegistrar(t)
	eng, _, _, err := r.resolveSession("")
	require.NoError(t, err)

	timeoutSeconds := 5
	_, rpcErr := eng.Execute(context.Background(), "echo hi", &timeoutSeconds)
	require.Nil(t, rpcErr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	r.waitForIdle(ctx, eng)

	assert.Equal(t, session.StateIdle, eng.State())
}

func TestRegisterAddsToolsWithoutPanicking(t *testing.T) {
	r := newTestRegistrar(t)
	srv := server.NewMCPServer("ccexecd-test", "0.0.0")
	assert.NotPanics(t, func() { r.Register(srv) })
}

type fakeForeignChannel struct{}

func (f *fakeForeignChannel) Send(v any) error { return nil }
func (f *fakeForeignChannel) Close() error     { return nil }
