package main

import (
	"fmt"
	"log"
	"time"

	"github.com/standardbeagle/ccexecd/internal/config"
	"github.com/standardbeagle/ccexecd/internal/estimator"
	"github.com/standardbeagle/ccexecd/internal/hooks"
	"github.com/standardbeagle/ccexecd/internal/process"
	"github.com/standardbeagle/ccexecd/internal/resource"
	"github.com/standardbeagle/ccexecd/internal/session"
	"github.com/standardbeagle/ccexecd/internal/timing"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

// dependencies holds every long-lived component the daemon's three
// front doors (WebSocket, MCP stdio, RPC stdio) share.
type dependencies struct {
	eventBus   *events.EventBus
	processes  *process.Manager
	estimator  *estimator.Estimator
	hookRunner *hooks.Runner
	hookWatch  *hooks.Watcher
	sessions   *session.Manager

	allowedPrefixes []string
	hooksConfigured []string

	idleCleanupStop chan struct{}
}

func buildDependencies(cfg *config.Config) (*dependencies, error) {
	eventBus := events.NewEventBus()
	processes := process.NewManager(eventBus)
	monitor := resource.NewMonitor()

	store := newTimingStore(cfg)
	est := estimator.New(store, monitor, cfg.HardTimeoutFloor)

	hookCfg, err := hooks.LoadConfig(cfg.HooksFile)
	if err != nil {
		return nil, err
	}
	hookRunner := hooks.NewRunner(hookCfg)

	var watcher *hooks.Watcher
	if cfg.HooksFile != "" {
		watcher, err = hooks.NewWatcher(cfg.HooksFile, hookRunner)
		if err != nil {
			log.Printf("ccexecd: hook hot-reload disabled: %v", err)
		}
	}

	sessions := session.NewManager(cfg.MaxSessions, cfg.IdleTimeout, eventBus)

	d := &dependencies{
		eventBus:        eventBus,
		processes:       processes,
		estimator:       est,
		hookRunner:      hookRunner,
		hookWatch:       watcher,
		sessions:        sessions,
		allowedPrefixes: cfg.AllowedCommandPrefixes,
		hooksConfigured: hookNames(hookCfg),
		idleCleanupStop: make(chan struct{}),
	}

	go d.runIdleCleanup(cfg.IdleTimeout)

	return d, nil
}

func newTimingStore(cfg *config.Config) timing.Store {
	if cfg.TimingStorePath == "" {
		return timing.NullStore{}
	}
	return timing.NewFileStore(cfg.TimingStorePath, cfg.TimingStoreTTL)
}

func hookNames(cfg hooks.Config) []string {
	names := make([]string, 0, len(cfg.Pre)+len(cfg.Post))
	for i, s := range cfg.Pre {
		names = append(names, fmt.Sprintf("pre[%d]: %s", i, s.Command))
	}
	for i, s := range cfg.Post {
		names = append(names, fmt.Sprintf("post[%d]: %s", i, s.Command))
	}
	return names
}

// runIdleCleanup periodically sweeps sessions that have gone quiet
// past the configured idle timeout, mirroring the Session Manager's
// own CleanupIdle contract on a fixed cadence.
func (d *dependencies) runIdleCleanup(idleTimeout time.Duration) {
	if idleTimeout <= 0 {
		return
	}
	interval := idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.idleCleanupStop:
			return
		case <-ticker.C:
			if n := d.sessions.CleanupIdle(); n > 0 {
				log.Printf("ccexecd: cleaned up %d idle session(s)", n)
			}
		}
	}
}

func (d *dependencies) Close() {
	close(d.idleCleanupStop)
	if d.hookWatch != nil {
		_ = d.hookWatch.Close()
	}
	d.eventBus.Shutdown()
}
