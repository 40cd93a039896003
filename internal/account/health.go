package account

import (
	"sync"
	"time"

	"github.com/modelpool/modelpool/internal/config"
)

// healthState is the in-memory reputation state for one account.
type healthState struct {
	score               int
	consecutiveFailures int
	lastFailure         time.Time // zero when no failure is outstanding
}

// HealthTracker maintains a bounded reputation score per account.
// Failures and rate limits push the score down, successes and idle time
// pull it back up.
type HealthTracker struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]*healthState
}

// NewHealthTracker creates a HealthTracker using the given clock.
func NewHealthTracker(now func() time.Time) *HealthTracker {
	return &HealthTracker{
		now:    now,
		states: make(map[string]*healthState),
	}
}

func (t *HealthTracker) state(id string) *healthState {
	st, ok := t.states[id]
	if !ok {
		st = &healthState{}
		t.states[id] = st
	}
	return st
}

// Seed initializes an account's score from its persisted value.
func (t *HealthTracker) Seed(id string, score int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state(id).score = clampScore(score)
}

// RecordSuccess bumps the score and clears the failure streak.
func (t *HealthTracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	st.score = clampScore(st.score + config.HealthSuccessDelta)
	st.consecutiveFailures = 0
	st.lastFailure = time.Time{}
}

// RecordRateLimit penalizes the score for a rate-limit event.
func (t *HealthTracker) RecordRateLimit(id string) {
	t.record(id, config.HealthRateLimitDelta)
}

// RecordFailure penalizes the score for a hard failure.
func (t *HealthTracker) RecordFailure(id string) {
	t.record(id, config.HealthFailureDelta)
}

func (t *HealthTracker) record(id string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	st.score = clampScore(st.score + delta)
	st.consecutiveFailures++
	st.lastFailure = t.now()
}

// Score returns the current score with passive recovery applied: an
// account idle since its last failure regains HealthRecoveryStep per full
// HealthRecoveryInterval without needing a success event.
func (t *HealthTracker) Score(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(id)
	score := st.score
	if !st.lastFailure.IsZero() {
		elapsed := t.now().Sub(st.lastFailure)
		if elapsed > config.HealthRecoveryInterval {
			steps := int(elapsed / config.HealthRecoveryInterval)
			score = clampScore(score + steps*config.HealthRecoveryStep)
		}
	}
	return score
}

// ConsecutiveFailures returns the current failure streak.
func (t *HealthTracker) ConsecutiveFailures(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(id).consecutiveFailures
}

// Reset zeroes the account's reputation state.
func (t *HealthTracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = &healthState{}
}

// Forget drops all tracked state for a removed account.
func (t *HealthTracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
