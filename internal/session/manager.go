// Package session implements the Session Manager (capacity-limited
// session tracking with idle cleanup) and the Session Engine (the
// per-connection execute/control state machine).
package session

import (
	"sync"
	"time"

	"github.com/standardbeagle/ccexecd/pkg/deadlock"
	"github.com/standardbeagle/ccexecd/pkg/events"
)

// Channel is the minimal outbound transport a Session needs; the
// websocket transport adapter implements it.
type Channel interface {
	Send(v any) error
	Close() error
}

// Session is the per-connection record the Manager tracks. All
// mutation goes through the Manager's serialized operations; holding
// a *Session across a suspension point without going back through Get
// is the one concurrency rule spec.md §4.7 calls out as forbidden.
type Session struct {
	ID               string
	Channel          Channel
	CreatedAt        time.Time
	LastActivity     time.Time
	Engine           *Engine
	ProcessGroupID   int
	HasActiveProcess bool
}

// Manager tracks active sessions keyed by session id and enforces
// capacity, grounded on session_manager.py's SessionManager (in-memory
// map + asyncio.Lock discipline; the Redis mirror described there is
// optional observability, not authoritative state, so it is not
// reproduced here).
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	idleTimeout time.Duration
	eventBus    *events.EventBus
}

// NewManager builds a Manager with the given capacity and idle
// timeout. Pass a zero idleTimeout to disable idle cleanup.
func NewManager(maxSessions int, idleTimeout time.Duration, eventBus *events.EventBus) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		idleTimeout: idleTimeout,
		eventBus:    eventBus,
	}
}

// Create registers a new session if capacity remains.
func (m *Manager) Create(id string, ch Channel) (*Session, bool) {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()

	if len(m.sessions) >= m.maxSessions {
		return nil, false
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Channel:      ch,
		CreatedAt:    now,
		LastActivity: now,
	}
	m.sessions[id] = s

	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{
			Type:      events.SessionCreated,
			SessionID: id,
		})
	}

	return s, true
}

// Get returns the session for id and bumps its last-activity
// timestamp, or false if no such session exists.
func (m *Manager) Get(id string) (*Session, bool) {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	s.LastActivity = time.Now()
	return s, true
}

// Update runs fn against the session under the Manager's lock.
// Returns false if the session does not exist.
func (m *Manager) Update(id string, fn func(*Session)) bool {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	s.LastActivity = time.Now()
	return true
}

// Remove deletes a session and returns it, if present.
func (m *Manager) Remove(id string) (*Session, bool) {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)

	if m.eventBus != nil {
		m.eventBus.Publish(events.Event{
			Type:      events.SessionClosed,
			SessionID: id,
		})
	}

	return s, true
}

// All returns a snapshot slice of currently tracked sessions.
func (m *Manager) All() []*Session {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of currently tracked sessions.
func (m *Manager) Count() int {
	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	defer func() { deadlock.AfterUnlock(&m.mu); m.mu.Unlock() }()
	return len(m.sessions)
}

// CleanupIdle removes sessions whose last activity predates the idle
// timeout, tearing down their engine (which cancels streaming and
// terminates any bound process group) before removal. Returns the
// number of sessions removed.
func (m *Manager) CleanupIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}

	deadlock.BeforeLock(&m.mu, "session.Manager")
	m.mu.Lock()
	var stale []*Session
	cutoff := time.Now().Add(-m.idleTimeout)
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	deadlock.AfterUnlock(&m.mu)
	m.mu.Unlock()

	for _, s := range stale {
		if s.Engine != nil {
			s.Engine.Shutdown()
		}
		if m.eventBus != nil {
			m.eventBus.Publish(events.Event{Type: events.SessionClosed, SessionID: s.ID})
		}
	}

	return len(stale)
}
