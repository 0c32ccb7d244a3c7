// Package estimator implements the Timeout Estimator: it turns a raw
// command string into a planned (expected, max) timeout pair, using
// textual heuristics, historical timing data, a hard floor, and the
// current resource load multiplier.
package estimator

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/standardbeagle/ccexecd/internal/resource"
	"github.com/standardbeagle/ccexecd/internal/timing"
)

// DefaultHardFloor and MinHardFloor bound the final planned timeout,
// per spec.md §4.3 step 4.
const (
	DefaultHardFloor = 300 * time.Second
	MinHardFloor     = 60 * time.Second
)

const sanityFloor = 10 * time.Second

// heavyVerbs are textual cues that a command is doing substantial
// work rather than a quick lookup or status check.
var heavyVerbs = regexp.MustCompile(`(?i)\b(create|build|implement|generate|migrate|refactor|train|compile|deploy)\b`)

// llmMarkers flag invocations of external LLM / agent tooling, which
// tend to run far longer than ordinary shell commands.
var llmMarkers = regexp.MustCompile(`(?i)\b(claude|llm|gpt|anthropic|openai|agent)\b`)

// Estimate is the outcome of Estimator.Plan.
type Estimate struct {
	ExpectedSeconds float64
	MaxSeconds      float64
	Rationale       string
}

// Estimator wires the Resource Monitor and Timing Store into the
// classify → heuristic → historical → floor → multiplier pipeline
// spec.md §4.3 describes.
type Estimator struct {
	store     timing.Store
	monitor   *resource.Monitor
	hardFloor time.Duration
}

// New builds an Estimator. Pass timing.NullStore{} when no timing
// backend is configured; it always reports "no data".
func New(store timing.Store, monitor *resource.Monitor, hardFloor time.Duration) *Estimator {
	if hardFloor < MinHardFloor {
		hardFloor = DefaultHardFloor
	}
	return &Estimator{store: store, monitor: monitor, hardFloor: hardFloor}
}

// Classification is the result of step 1 of the algorithm.
type Classification struct {
	Category    string
	Complexity  string
	Fingerprint string
}

// Classify derives a category, complexity class, and normalized
// fingerprint for a command, per spec.md §4.3 step 1.
func Classify(command string) Classification {
	trimmed := strings.TrimSpace(command)
	fields := strings.Fields(trimmed)

	category := "generic"
	if len(fields) > 0 {
		category = strings.ToLower(fields[0])
	}

	complexity := "simple"
	switch {
	case llmMarkers.MatchString(trimmed):
		complexity = "agentic"
	case heavyVerbs.MatchString(trimmed):
		complexity = "heavy"
	case len(trimmed) > 200:
		complexity = "long"
	}

	return Classification{
		Category:    category,
		Complexity:  complexity,
		Fingerprint: fingerprint(category, complexity, trimmed),
	}
}

func fingerprint(category, complexity, command string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(category))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(complexity))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(normalizeForFingerprint(command)))
	return fmt.Sprintf("task:timing:%016x", h.Sum64())
}

// normalizeForFingerprint collapses whitespace and strips digits so
// that superficially different invocations of the same task (distinct
// file paths, line numbers, ids) collide on the same fingerprint.
var digits = regexp.MustCompile(`[0-9]+`)

func normalizeForFingerprint(command string) string {
	collapsed := strings.Join(strings.Fields(command), " ")
	return digits.ReplaceAllString(collapsed, "#")
}

// heuristicBase implements step 2: a textual-cue based starting point
// before any historical data is consulted.
func heuristicBase(command string, class Classification) time.Duration {
	base := 30 * time.Second

	switch class.Complexity {
	case "agentic":
		base = 180 * time.Second
	case "heavy":
		base = 90 * time.Second
	case "long":
		base = 60 * time.Second
	}

	if len(command) > 500 {
		base += 30 * time.Second
	}

	return base
}

// Plan executes the five-step algorithm from spec.md §4.3 and returns
// the planned (expected, max) timeout pair.
func (e *Estimator) Plan(executionID, command string) Estimate {
	class := Classify(command)
	base := heuristicBase(command, class)

	expected := base
	rationale := fmt.Sprintf("category=%s complexity=%s heuristic=%s", class.Category, class.Complexity, base)

	if lookup, ok := e.store.Lookup(class.Fingerprint); ok && lookup.SampleCount >= 1 && lookup.MeanDuration >= sanityFloor {
		expected = time.Duration(float64(lookup.MeanDuration) * 1.2)
		rationale = fmt.Sprintf("%s historical_mean=%s samples=%d", rationale, lookup.MeanDuration, lookup.SampleCount)
	}

	maxSeconds := base
	if expected > maxSeconds {
		maxSeconds = expected
	}
	if e.hardFloor > maxSeconds {
		maxSeconds = e.hardFloor
	}

	sample := resource.Sample{Multiplier: 1.0}
	if e.monitor != nil {
		sample = e.monitor.SampleFor(context.Background(), executionID)
	}
	if sample.Multiplier > 1.0 {
		maxSeconds = time.Duration(float64(maxSeconds) * sample.Multiplier)
		rationale = fmt.Sprintf("%s resource_multiplier=%.1f", rationale, sample.Multiplier)
	}

	return Estimate{
		ExpectedSeconds: expected.Seconds(),
		MaxSeconds:      maxSeconds.Seconds(),
		Rationale:       rationale,
	}
}

// Record feeds a completed execution's outcome back into the Timing
// Store so future Plan calls for the same fingerprint benefit from it.
func (e *Estimator) Record(command string, duration time.Duration, success bool) {
	class := Classify(command)
	e.store.Record(class.Fingerprint, duration, success)
}
