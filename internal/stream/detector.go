// Package stream implements the Stream Multiplexer: concurrent
// stdout/stderr draining with bounded buffers, client-side chunking,
// and inline event detection on stdout.
package stream

import (
	"regexp"
	"strconv"
	"strings"
)

// completionMarkers mirrors constants.py's COMPLETION_MARKERS: a
// fixed, case-insensitive phrase list checked before the regex-based
// file-creation pattern.
var completionMarkers = []string{
	"task completed successfully",
	"i've completed",
	"i have completed",
	"the task is complete",
	"process complete",
	"done!",
	"finished!",
	"operation complete",
	"all done",
}

var fileCreationPattern = regexp.MustCompile(`(?i)(?:Created?|Wrote|Generated?|Saved?)\s+(?:file|script|program):\s*([^\s]+(?:\.[a-zA-Z]+)?)`)

var tokenLimitPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)token.*limit`),
	regexp.MustCompile(`(?i)context.*window`),
	regexp.MustCompile(`(?i)maximum.*length`),
	regexp.MustCompile(`(?i)too.*long`),
	regexp.MustCompile(`(?i)truncated`),
}

var tokenCountPattern = regexp.MustCompile(`(\d+)(?:\s+(?:output\s+)?token|token|context)`)
var tokenMaximumPattern = regexp.MustCompile(`(?i)maximum.*?(\d+)`)
var rateLimitResetPattern = regexp.MustCompile(`resets at (\d+)`)

const defaultTokenLimit = 32000

// EarlyCompletion is emitted the first time a completion marker or
// file-creation pattern is seen on stdout.
type EarlyCompletion struct {
	Marker     string
	FilePath   string
	OutputLine string
}

// TokenLimitExceeded is emitted when stdout matches one of the
// token-limit textual cues.
type TokenLimitExceeded struct {
	Limit       int
	ErrorText   string
	Recoverable bool
}

// RateLimitExceeded is emitted on a usage-limit or HTTP 429 textual cue.
type RateLimitExceeded struct {
	ErrorType      string
	Message        string
	ErrorText      string
	ResetTimestamp *int64
	RetryAfter     *int
	Recoverable    bool
}

// Detector inspects stdout lines for inline events. It is stateful:
// early completion fires at most once per execution.
type Detector struct {
	earlyCompletionFired bool
}

// NewDetector returns a fresh, per-execution Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// DetectEarlyCompletion checks a stdout line against the completion
// marker list and the file-creation pattern. Returns ok=false once it
// has already fired for this execution.
func (d *Detector) DetectEarlyCompletion(line string) (EarlyCompletion, bool) {
	if d.earlyCompletionFired {
		return EarlyCompletion{}, false
	}

	lower := strings.ToLower(line)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			d.earlyCompletionFired = true
			return EarlyCompletion{Marker: marker, OutputLine: strings.TrimSpace(line)}, true
		}
	}

	if match := fileCreationPattern.FindStringSubmatch(line); match != nil {
		d.earlyCompletionFired = true
		return EarlyCompletion{FilePath: match[1], OutputLine: strings.TrimSpace(line)}, true
	}

	return EarlyCompletion{}, false
}

// DetectTokenLimit checks a stdout line against the token-limit cue
// set. This does not carry per-execution state; it may fire on every
// matching line.
func DetectTokenLimit(line string) (TokenLimitExceeded, bool) {
	matched := false
	for _, p := range tokenLimitPatterns {
		if p.MatchString(line) {
			matched = true
			break
		}
	}
	if !matched {
		return TokenLimitExceeded{}, false
	}

	limit := defaultTokenLimit
	if m := tokenCountPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			limit = v
		}
	} else if m := tokenMaximumPattern.FindStringSubmatch(line); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			limit = v
		}
	}

	return TokenLimitExceeded{
		Limit:       limit,
		ErrorText:   strings.TrimSpace(line),
		Recoverable: true,
	}, true
}

// DetectRateLimit checks a stdout line for a usage-limit phrase or an
// HTTP 429 cue.
func DetectRateLimit(line string) (RateLimitExceeded, bool) {
	lower := strings.ToLower(line)

	if strings.Contains(line, "Claude AI usage limit reached") {
		result := RateLimitExceeded{
			ErrorType:   "usage_limit",
			Message:     "Claude AI usage limit reached",
			ErrorText:   strings.TrimSpace(line),
			Recoverable: false,
		}
		if m := rateLimitResetPattern.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
				result.ResetTimestamp = &v
			}
		}
		return result, true
	}

	if strings.Contains(line, "429") && (strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests")) {
		retryAfter := 60
		return RateLimitExceeded{
			ErrorType:   "rate_limit_429",
			Message:     "HTTP 429 Too Many Requests",
			ErrorText:   strings.TrimSpace(line),
			RetryAfter:  &retryAfter,
			Recoverable: true,
		}, true
	}

	return RateLimitExceeded{}, false
}
