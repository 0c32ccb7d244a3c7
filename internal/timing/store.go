// Package timing implements the Timing Store: an optional, advisory
// cache of historical execution durations keyed by a command
// fingerprint, consulted only by the Timeout Estimator. Every backend
// error degrades to "no data" rather than surfacing to a caller.
package timing

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// maxRecentDurations bounds the rolling history kept per fingerprint.
const maxRecentDurations = 20

// minDurationFloor is the sanity floor below which a recorded duration
// is suspect and ignored by the estimator (spec.md §3: "10s").
const minDurationFloor = 10 * time.Second

// DefaultTTL is how long an entry survives without being touched
// before CleanupExpired removes it.
const DefaultTTL = 7 * 24 * time.Hour

// Entry is the historical timing record for one fingerprint.
type Entry struct {
	TaskKey         string          `json:"taskKey"`
	RecentDurations []time.Duration `json:"recentDurations"`
	SuccessCount    int             `json:"successCount"`
	FailureCount    int             `json:"failureCount"`
	LastSeen        time.Time       `json:"lastSeen"`
}

// Lookup is the read-side result the Estimator consumes.
type Lookup struct {
	MeanDuration time.Duration
	SampleCount  int
	SuccessRate  float64
}

// Store is the narrow advisory interface spec.md §4.2 calls for.
// Implementations must never block the Session Engine and must
// return "no data" rather than an error on any backend failure.
type Store interface {
	Lookup(taskKey string) (Lookup, bool)
	Record(taskKey string, duration time.Duration, success bool)
}

// NullStore always reports no data; used when CCEXECD_TIMING_STORE_PATH
// is unset.
type NullStore struct{}

func (NullStore) Lookup(string) (Lookup, bool)      { return Lookup{}, false }
func (NullStore) Record(string, time.Duration, bool) {}

// FileStore persists entries as a single JSON document guarded by a
// gofrs/flock file lock, so multiple daemon processes sharing a
// timing file don't corrupt it. Grounded on session_manager.py's
// key/value cache, adapted to the pack's actual dependency surface
// (no Redis client anywhere in the examples).
type FileStore struct {
	path    string
	ttl     time.Duration
	lock    *flock.Flock
	mu      sync.Mutex
	limiter *rateLimitedLogger
}

func NewFileStore(path string, ttl time.Duration) *FileStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &FileStore{
		path:    path,
		ttl:     ttl,
		lock:    flock.New(path + ".lock"),
		limiter: newRateLimitedLogger("timing"),
	}
}

func (s *FileStore) Lookup(taskKey string) (Lookup, bool) {
	entries, err := s.readLocked()
	if err != nil {
		s.limiter.logOncePerMinute(err)
		return Lookup{}, false
	}

	entry, ok := entries[taskKey]
	if !ok || len(entry.RecentDurations) == 0 {
		return Lookup{}, false
	}

	if time.Since(entry.LastSeen) > s.ttl {
		return Lookup{}, false
	}

	var sum time.Duration
	sampled := 0
	for _, d := range entry.RecentDurations {
		if d < minDurationFloor {
			continue
		}
		sum += d
		sampled++
	}
	if sampled == 0 {
		return Lookup{}, false
	}

	total := entry.SuccessCount + entry.FailureCount
	successRate := 1.0
	if total > 0 {
		successRate = float64(entry.SuccessCount) / float64(total)
	}

	return Lookup{
		MeanDuration: sum / time.Duration(sampled),
		SampleCount:  sampled,
		SuccessRate:  successRate,
	}, true
}

func (s *FileStore) Record(taskKey string, duration time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		s.limiter.logOncePerMinute(err)
		return
	}
	defer s.lock.Unlock()

	entries, err := s.read()
	if err != nil {
		entries = map[string]Entry{}
	}

	entry := entries[taskKey]
	entry.TaskKey = taskKey
	entry.RecentDurations = append(entry.RecentDurations, duration)
	if len(entry.RecentDurations) > maxRecentDurations {
		entry.RecentDurations = entry.RecentDurations[len(entry.RecentDurations)-maxRecentDurations:]
	}
	if success {
		entry.SuccessCount++
	} else {
		entry.FailureCount++
	}
	entry.LastSeen = time.Now()
	entries[taskKey] = entry

	if err := s.write(entries); err != nil {
		s.limiter.logOncePerMinute(err)
	}
}

// CleanupExpired removes entries whose LastSeen predates the TTL and
// returns how many were dropped.
func (s *FileStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		s.limiter.logOncePerMinute(err)
		return 0
	}
	defer s.lock.Unlock()

	entries, err := s.read()
	if err != nil {
		return 0
	}

	removed := 0
	for k, e := range entries {
		if time.Since(e.LastSeen) > s.ttl {
			delete(entries, k)
			removed++
		}
	}

	if removed > 0 {
		_ = s.write(entries)
	}
	return removed
}

func (s *FileStore) readLocked() (map[string]Entry, error) {
	if err := s.lock.RLock(); err != nil {
		return nil, err
	}
	defer s.lock.Unlock()
	return s.read()
}

func (s *FileStore) read() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Entry{}, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = map[string]Entry{}
	}
	return entries, nil
}

func (s *FileStore) write(entries map[string]Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}
