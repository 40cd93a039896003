package account

import (
	"sync"
	"time"

	"github.com/modelpool/modelpool/internal/config"
)

// bucketState is the in-memory quota bucket for one account.
type bucketState struct {
	tokens     int
	lastRefill time.Time
}

// BucketTracker maintains a per-account token bucket used as a selection
// signal by the hybrid strategy. Buckets start full and refill in whole
// intervals, never fractionally.
type BucketTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]*bucketState
}

// NewBucketTracker creates a BucketTracker using the given clock.
func NewBucketTracker(now func() time.Time) *BucketTracker {
	return &BucketTracker{
		now:    now,
		states: make(map[string]*bucketState),
	}
}

func (t *BucketTracker) state(id string) *bucketState {
	st, ok := t.states[id]
	if !ok {
		st = &bucketState{tokens: config.BucketCapacity, lastRefill: t.now()}
		t.states[id] = st
	}
	return st
}

// refill credits whole elapsed intervals. lastRefill only advances when at
// least one interval has passed, so partial intervals are never lost.
func (t *BucketTracker) refill(st *bucketState) {
	now := t.now()
	intervals := int(now.Sub(st.lastRefill) / config.BucketRefillInterval)
	if intervals <= 0 {
		return
	}
	st.tokens += intervals * config.BucketRefillTokens
	if st.tokens > config.BucketCapacity {
		st.tokens = config.BucketCapacity
	}
	st.lastRefill = now
}

// HasTokens refills then reports whether n tokens are available.
func (t *BucketTracker) HasTokens(id string, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	t.refill(st)
	return st.tokens >= n
}

// Consume refills then atomically decrements n tokens if available.
// Returns false, leaving the bucket unchanged, when the balance is short.
func (t *BucketTracker) Consume(id string, n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	t.refill(st)
	if st.tokens < n {
		return false
	}
	st.tokens -= n
	return true
}

// Tokens refills then returns the current balance.
func (t *BucketTracker) Tokens(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	t.refill(st)
	return st.tokens
}

// Reset restores a full bucket.
func (t *BucketTracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = &bucketState{tokens: config.BucketCapacity, lastRefill: t.now()}
}

// Forget drops all tracked state for a removed account.
func (t *BucketTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
