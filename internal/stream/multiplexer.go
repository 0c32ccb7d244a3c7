package stream

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

// StreamKind identifies which child stream a Chunk came from.
type StreamKind string

const (
	Stdout StreamKind = "stdout"
	Stderr StreamKind = "stderr"
)

const (
	readChunkSize = 8 * 1024

	// SoftLineLimit is the default accumulation limit for a single
	// logical line without a newline; beyond it the line is flushed
	// as-is and accumulation continues (spec.md §4.6).
	SoftLineLimit = 8 * 1024 * 1024

	// HardLineLimit aborts oversized-line accumulation outright.
	HardLineLimit = 16 * 1024 * 1024

	// ClientChunkSize is the default fragment size delivered to the
	// transport layer; lines longer than this are split into ordered,
	// chunk_index-tagged pieces.
	ClientChunkSize = 64 * 1024

	drainGrace = time.Second

	// progressLogInterval/progressLogBytes gate the transcript-style
	// "still streaming" log lines emitted during long-running
	// executions, grounded on stream_handler.py's stream_output
	// periodic progress logging.
	progressLogInterval = 10 * time.Second
	progressLogBytes    = 100 * 1024
)

// Chunk is one piece of output handed to the caller's callback. A
// logical line longer than ClientChunkSize arrives as multiple Chunks
// with the same TotalChunks, ascending ChunkIndex, and Truncated=true
// on every chunk but the last.
type Chunk struct {
	Stream      StreamKind
	Data        string
	ChunkIndex  int
	TotalChunks int
	Truncated   bool
}

// Result is returned when Run's readers have both finished.
type Result struct {
	EarlyCompletion  *EarlyCompletion
	TokenLimitEvents []TokenLimitExceeded
	RateLimitEvents  []RateLimitExceeded
}

// Multiplexer drains stdout/stderr concurrently, delivering chunked
// output to a callback and detecting inline events on stdout.
type Multiplexer struct {
	SoftLineLimit   int
	HardLineLimit   int
	ClientChunkSize int
}

// NewMultiplexer returns a Multiplexer configured with the package
// defaults; override the exported fields to use configured limits.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		SoftLineLimit:   SoftLineLimit,
		HardLineLimit:   HardLineLimit,
		ClientChunkSize: ClientChunkSize,
	}
}

// Run drains stdout and stderr concurrently until both reach EOF (or
// ctx is done, in which case readers get a brief grace period to
// flush already-available bytes before returning). onOutput is called
// once per Chunk in each stream's native order; no ordering is
// guaranteed across streams.
func (m *Multiplexer) Run(ctx context.Context, stdout, stderr io.Reader, onOutput func(Chunk)) Result {
	var mu sync.Mutex
	result := Result{}

	detector := NewDetector()

	recordEvents := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		if result.EarlyCompletion == nil {
			if ec, ok := detector.DetectEarlyCompletion(line); ok {
				result.EarlyCompletion = &ec
			}
		}
		if tl, ok := DetectTokenLimit(line); ok {
			result.TokenLimitEvents = append(result.TokenLimitEvents, tl)
		}
		if rl, ok := DetectRateLimit(line); ok {
			result.RateLimitEvents = append(result.RateLimitEvents, rl)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		m.drain(ctx, Stdout, stdout, func(line string) {
			recordEvents(line)
		}, onOutput)
	}()

	go func() {
		defer wg.Done()
		m.drain(ctx, Stderr, stderr, nil, onOutput)
	}()

	wg.Wait()
	return result
}

// drain reads raw bytes from r, splits on newline, and delivers
// complete lines (and any accumulated oversized fragment) as Chunks.
// onLine, when non-nil, is invoked with each complete line for inline
// event detection (stdout only).
func (m *Multiplexer) drain(ctx context.Context, kind StreamKind, r io.Reader, onLine func(string), onOutput func(Chunk)) {
	buf := make([]byte, 0, readChunkSize)
	read := make([]byte, readChunkSize)
	aborted := false

	emitLine := func(line string) {
		if onLine != nil {
			onLine(line)
		}
		m.emitChunked(kind, line, onOutput)
	}

	start := time.Now()
	progress := newProgressLogger(kind)

	for {
		select {
		case <-ctx.Done():
			m.drainRemaining(r, read, &buf, emitLine, &aborted)
			return
		default:
		}

		n, err := r.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			buf = m.consumeLines(buf, emitLine, &aborted)
			progress.observe(n, start)
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("stream: %s read error: %v", kind, err)
			}
			if len(buf) > 0 && !aborted {
				emitLine(string(buf))
			}
			return
		}
	}
}

// progressLogger emits a transcript-style "still streaming" line once
// per progressLogInterval or every progressLogBytes, whichever comes
// first, so a long-running execution's log doesn't stay silent.
type progressLogger struct {
	kind         StreamKind
	totalBytes   int64
	loggedBytes  int64
	lastLoggedAt time.Time
}

func newProgressLogger(kind StreamKind) *progressLogger {
	return &progressLogger{kind: kind, lastLoggedAt: time.Now()}
}

func (p *progressLogger) observe(n int, start time.Time) {
	p.totalBytes += int64(n)
	if p.totalBytes-p.loggedBytes < progressLogBytes && time.Since(p.lastLoggedAt) < progressLogInterval {
		return
	}
	log.Printf("stream: %s %d bytes received (elapsed %s)", p.kind, p.totalBytes, time.Since(start).Round(time.Second))
	p.loggedBytes = p.totalBytes
	p.lastLoggedAt = time.Now()
}

// drainRemaining gives a reader a brief grace window to flush
// already-available bytes after cancellation, per spec.md §4.6.
func (m *Multiplexer) drainRemaining(r io.Reader, read []byte, buf *[]byte, emitLine func(string), aborted *bool) {
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		n, err := r.Read(read)
		if n > 0 {
			*buf = append(*buf, read[:n]...)
			*buf = m.consumeLines(*buf, emitLine, aborted)
		}
		if err != nil {
			break
		}
	}
	if len(*buf) > 0 && !*aborted {
		emitLine(string(*buf))
	}
}

// consumeLines splits buf on newlines, emitting each complete line,
// and enforces the soft/hard oversized-line limits on the remainder.
func (m *Multiplexer) consumeLines(buf []byte, emitLine func(string), aborted *bool) []byte {
	for {
		idx := indexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := string(buf[:idx+1])
		buf = buf[idx+1:]
		*aborted = false
		emitLine(line)
	}

	hard := m.HardLineLimit
	if hard <= 0 {
		hard = HardLineLimit
	}
	soft := m.SoftLineLimit
	if soft <= 0 {
		soft = SoftLineLimit
	}

	if len(buf) >= hard {
		log.Printf("stream: oversized line exceeded hard limit (%d bytes); discarding accumulated content", hard)
		*aborted = true
		return buf[:0]
	}

	if len(buf) >= soft && !*aborted {
		emitLine(string(buf))
		return buf[:0]
	}

	return buf
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}

// emitChunked fragments a line into ClientChunkSize-sized Chunks,
// tagging each with chunk_index/total_chunks and marking every chunk
// but the last as truncated.
func (m *Multiplexer) emitChunked(kind StreamKind, line string, onOutput func(Chunk)) {
	size := m.ClientChunkSize
	if size <= 0 {
		size = ClientChunkSize
	}

	if len(line) <= size {
		onOutput(Chunk{Stream: kind, Data: line, ChunkIndex: 0, TotalChunks: 1})
		return
	}

	total := (len(line) + size - 1) / size
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(line) {
			end = len(line)
		}
		onOutput(Chunk{
			Stream:      kind,
			Data:        line[start:end],
			ChunkIndex:  i,
			TotalChunks: total,
			Truncated:   i < total-1,
		})
	}
}
