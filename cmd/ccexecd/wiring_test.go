package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/ccexecd/internal/config"
	"github.com/standardbeagle/ccexecd/internal/hooks"
)

func hookConfigFixture() hooks.Config {
	return hooks.Config{
		Pre:  []hooks.Spec{{Command: "echo pre"}},
		Post: []hooks.Spec{{Command: "echo post"}},
	}
}

func TestBuildDependenciesWiresDefaultsWithNoHooksFile(t *testing.T) {
	cfg := config.Default()
	cfg.IdleTimeout = 0 // avoid starting the cleanup ticker during the test

	deps, err := buildDependencies(cfg)
	require.NoError(t, err)
	defer deps.Close()

	assert.NotNil(t, deps.sessions)
	assert.NotNil(t, deps.processes)
	assert.NotNil(t, deps.estimator)
	assert.NotNil(t, deps.hookRunner)
	assert.Nil(t, deps.hookWatch)
	assert.Empty(t, deps.hooksConfigured)
}

func TestNewTimingStoreDisabledWhenPathEmpty(t *testing.T) {
	cfg := config.Default()
	cfg.TimingStorePath = ""
	store := newTimingStore(cfg)

	_, ok := store.Lookup("task:timing:anything")
	assert.False(t, ok)
}

func TestHookNamesDescribesConfiguredCommands(t *testing.T) {
	cfg := hookConfigFixture()
	names := hookNames(cfg)
	assert.Len(t, names, 2)
}

func TestRunIdleCleanupNoopWhenTimeoutZero(t *testing.T) {
	cfg := config.Default()
	cfg.IdleTimeout = 0
	deps, err := buildDependencies(cfg)
	require.NoError(t, err)
	defer deps.Close()

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, deps.sessions.Count())
}
