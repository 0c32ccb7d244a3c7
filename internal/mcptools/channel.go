package mcptools

import (
	"sync"

	"github.com/google/uuid"
)

// bufferChannel implements session.Channel by accumulating every
// notification in memory instead of writing to a live transport; the
// execute tool call reads a copy of it (snapshot) once the bound
// engine returns to Idle; snapshot does not clear the buffer.
type bufferChannel struct {
	mu     sync.Mutex
	events []any
	closed bool
}

func newBufferChannel() *bufferChannel {
	return &bufferChannel{}
}

func (b *bufferChannel) Send(v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, v)
	return nil
}

func (b *bufferChannel) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *bufferChannel) snapshot() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]any, len(b.events))
	copy(out, b.events)
	return out
}

func newSessionID() string {
	return uuid.New().String()
}
