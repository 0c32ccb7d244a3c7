package stream

import (
	"context"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDeliversCompleteLines(t *testing.T) {
	stdout := strings.NewReader("line one\nline two\n")
	stderr := strings.NewReader("")

	var lines []string
	m := NewMultiplexer()
	m.Run(context.Background(), stdout, stderr, func(c Chunk) {
		lines = append(lines, c.Data)
	})

	assert.Equal(t, []string{"line one\n", "line two\n"}, lines)
}

func TestRunFlushesTrailingPartialLineOnEOF(t *testing.T) {
	stdout := strings.NewReader("complete\nno newline here")
	stderr := strings.NewReader("")

	var lines []string
	m := NewMultiplexer()
	m.Run(context.Background(), stdout, stderr, func(c Chunk) {
		lines = append(lines, c.Data)
	})

	require.Len(t, lines, 2)
	assert.Equal(t, "complete\n", lines[0])
	assert.Equal(t, "no newline here", lines[1])
}

func TestRunChunksOversizedLineForClient(t *testing.T) {
	line := strings.Repeat("a", 200) + "\n"
	stdout := strings.NewReader(line)
	stderr := strings.NewReader("")

	var chunks []Chunk
	m := NewMultiplexer()
	m.ClientChunkSize = 64
	m.Run(context.Background(), stdout, stderr, func(c Chunk) {
		chunks = append(chunks, c)
	})

	require.Len(t, chunks, 4)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 4, c.TotalChunks)
		if i < 3 {
			assert.True(t, c.Truncated)
		} else {
			assert.False(t, c.Truncated)
		}
	}
}

func TestRunFlushesAtSoftLineLimit(t *testing.T) {
	oversized := strings.Repeat("x", 150)
	stdout := iotest.OneByteReader(strings.NewReader(oversized + "\n"))
	stderr := strings.NewReader("")

	var chunks []Chunk
	m := NewMultiplexer()
	m.SoftLineLimit = 100
	m.ClientChunkSize = 1024
	m.Run(context.Background(), stdout, stderr, func(c Chunk) {
		chunks = append(chunks, c)
	})

	require.GreaterOrEqual(t, len(chunks), 2, "oversized line without newline should be flushed once soft limit is hit, then the remainder on newline")
}

func TestRunDetectsEarlyCompletionOnStdoutOnly(t *testing.T) {
	stdout := strings.NewReader("Done!\n")
	stderr := strings.NewReader("Done!\n")

	m := NewMultiplexer()
	result := m.Run(context.Background(), stdout, stderr, func(Chunk) {})

	require.NotNil(t, result.EarlyCompletion)
	assert.Equal(t, "done!", result.EarlyCompletion.Marker)
}

func TestRunCollectsTokenLimitEvents(t *testing.T) {
	stdout := strings.NewReader("context window truncated\n")
	stderr := strings.NewReader("")

	m := NewMultiplexer()
	result := m.Run(context.Background(), stdout, stderr, func(Chunk) {})

	require.Len(t, result.TokenLimitEvents, 1)
}

func TestRunStdoutAndStderrBothDrained(t *testing.T) {
	stdout := strings.NewReader("out line\n")
	stderr := strings.NewReader("err line\n")

	var stdoutLines, stderrLines []string
	m := NewMultiplexer()
	m.Run(context.Background(), stdout, stderr, func(c Chunk) {
		if c.Stream == Stdout {
			stdoutLines = append(stdoutLines, c.Data)
		} else {
			stderrLines = append(stderrLines, c.Data)
		}
	})

	assert.Equal(t, []string{"out line\n"}, stdoutLines)
	assert.Equal(t, []string{"err line\n"}, stderrLines)
}

func TestProgressLoggerFiresOnceBytesThresholdCrossed(t *testing.T) {
	p := newProgressLogger(Stdout)
	p.lastLoggedAt = time.Now()

	p.observe(progressLogBytes-1, time.Now())
	assert.Equal(t, int64(0), p.loggedBytes)

	p.observe(2, time.Now())
	assert.Equal(t, p.totalBytes, p.loggedBytes)
}

func TestProgressLoggerFiresOnceIntervalElapsed(t *testing.T) {
	p := newProgressLogger(Stdout)
	p.lastLoggedAt = time.Now().Add(-progressLogInterval - time.Second)

	p.observe(1, time.Now())
	assert.Equal(t, int64(1), p.loggedBytes)
}
