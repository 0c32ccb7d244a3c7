package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectEarlyCompletionMarker(t *testing.T) {
	d := NewDetector()
	ec, ok := d.DetectEarlyCompletion("The task is complete, all good.")
	require.True(t, ok)
	assert.Equal(t, "the task is complete", ec.Marker)
}

func TestDetectEarlyCompletionFiresOnce(t *testing.T) {
	d := NewDetector()
	_, ok := d.DetectEarlyCompletion("Done!")
	require.True(t, ok)

	_, ok = d.DetectEarlyCompletion("Done!")
	assert.False(t, ok, "early completion should only fire once per execution")
}

func TestDetectEarlyCompletionFileCreationPattern(t *testing.T) {
	d := NewDetector()
	ec, ok := d.DetectEarlyCompletion("Created file: /tmp/output.py")
	require.True(t, ok)
	assert.Equal(t, "/tmp/output.py", ec.FilePath)
}

func TestDetectEarlyCompletionNoMatch(t *testing.T) {
	d := NewDetector()
	_, ok := d.DetectEarlyCompletion("just some ordinary output")
	assert.False(t, ok)
}

func TestDetectTokenLimitWithExplicitCount(t *testing.T) {
	tl, ok := DetectTokenLimit("Error: exceeded 8000 token limit for this request")
	require.True(t, ok)
	assert.Equal(t, 8000, tl.Limit)
	assert.True(t, tl.Recoverable)
}

func TestDetectTokenLimitFallsBackToDefault(t *testing.T) {
	tl, ok := DetectTokenLimit("context window truncated")
	require.True(t, ok)
	assert.Equal(t, defaultTokenLimit, tl.Limit)
}

func TestDetectTokenLimitNoMatch(t *testing.T) {
	_, ok := DetectTokenLimit("normal output line")
	assert.False(t, ok)
}

func TestDetectRateLimitUsageLimitReached(t *testing.T) {
	rl, ok := DetectRateLimit("Claude AI usage limit reached, resets at 1700000000")
	require.True(t, ok)
	assert.Equal(t, "usage_limit", rl.ErrorType)
	require.NotNil(t, rl.ResetTimestamp)
	assert.Equal(t, int64(1700000000), *rl.ResetTimestamp)
	assert.False(t, rl.Recoverable)
}

func TestDetectRateLimitHTTP429(t *testing.T) {
	rl, ok := DetectRateLimit("received 429 rate limit response from upstream")
	require.True(t, ok)
	assert.Equal(t, "rate_limit_429", rl.ErrorType)
	require.NotNil(t, rl.RetryAfter)
	assert.Equal(t, 60, *rl.RetryAfter)
}

func TestDetectRateLimitNoMatch(t *testing.T) {
	_, ok := DetectRateLimit("everything is fine")
	assert.False(t, ok)
}
