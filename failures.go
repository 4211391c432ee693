package xsbus

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/trickstertwo/xclock"
)

// DefaultMaxRetries is the failure count at which a message is dead-lettered.
const DefaultMaxRetries = 5

const failureShards = 32

// FailureRecord is the failure history of one message id.
type FailureRecord struct {
	MessageID    string
	Count        int
	LastError    error
	FirstFailure time.Time
	LastFailure  time.Time
}

// FailureTracker counts consecutive processing failures per message id.
// It is shared by all workers of a bus. State is kept in memory only, so a
// message redelivered after a restart starts again at zero.
type FailureTracker struct {
	maxRetries int
	clock      xclock.Clock
	shards     [failureShards]failureShard
}

type failureShard struct {
	mu      sync.Mutex
	records map[string]*FailureRecord
}

// NewFailureTracker returns a tracker that reports a message as failed too
// many times once its count reaches maxRetries (DefaultMaxRetries if < 1).
func NewFailureTracker(maxRetries int, clock xclock.Clock) *FailureTracker {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if clock == nil {
		clock = xclock.Default()
	}
	ft := &FailureTracker{maxRetries: maxRetries, clock: clock}
	for i := range ft.shards {
		ft.shards[i].records = make(map[string]*FailureRecord)
	}
	return ft
}

func (ft *FailureTracker) shard(id string) *failureShard {
	return &ft.shards[xxhash.Sum64String(id)%failureShards]
}

// MaxRetries returns the configured threshold.
func (ft *FailureTracker) MaxRetries() int { return ft.maxRetries }

// RecordFailure increments the count for id and returns the new value.
func (ft *FailureTracker) RecordFailure(id string, cause error) int {
	now := ft.clock.Now()
	s := ft.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		rec = &FailureRecord{MessageID: id, FirstFailure: now}
		s.records[id] = rec
	}
	rec.Count++
	rec.LastError = cause
	rec.LastFailure = now
	return rec.Count
}

// HasFailedTooManyTimes reports whether id reached the retry threshold.
func (ft *FailureTracker) HasFailedTooManyTimes(id string) bool {
	s := ft.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return ok && rec.Count >= ft.maxRetries
}

// ClearFailure forgets id.
func (ft *FailureTracker) ClearFailure(id string) {
	s := ft.shard(id)
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// Failure returns a copy of the record for id.
func (ft *FailureTracker) Failure(id string) (FailureRecord, bool) {
	s := ft.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return FailureRecord{}, false
	}
	return *rec, true
}

// Len returns the number of ids with a failure record.
func (ft *FailureTracker) Len() int {
	n := 0
	for i := range ft.shards {
		s := &ft.shards[i]
		s.mu.Lock()
		n += len(s.records)
		s.mu.Unlock()
	}
	return n
}
