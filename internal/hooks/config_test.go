package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingPathIsEmpty(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Pre)
	assert.Empty(t, cfg.Post)
}

func TestLoadConfigParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.toml")
	contents := `
default_timeout_seconds = 30

[[pre]]
command = "echo before"

[[post]]
command = "echo after"
timeout_seconds = 5
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Pre, 1)
	require.Len(t, cfg.Post, 1)
	assert.Equal(t, "echo before", cfg.Pre[0].Command)
	assert.Equal(t, 5, cfg.Post[0].TimeoutSeconds)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[[pre]]
command = "echo v1"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	runner := NewRunner(cfg)

	watcher, err := NewWatcher(path, runner)
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`[[pre]]
command = "echo v2"
`), 0644))

	require.Eventually(t, func() bool {
		results := runner.RunPre(context.Background(), Context{})
		return len(results) == 1 && strings.Contains(results[0].Stdout, "v2")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewWatcherWithEmptyPathIsNoop(t *testing.T) {
	w, err := NewWatcher("", NewRunner(Config{}))
	require.NoError(t, err)
	assert.Nil(t, w)
}
