package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *fakeClock) NowMs() int64            { return c.t.UnixMilli() }

func TestHealthTrackerDeltas(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	tracker.RecordSuccess("a")
	assert.Equal(t, 1, tracker.Score("a"))

	tracker.RecordRateLimit("a")
	assert.Equal(t, -9, tracker.Score("a"))

	tracker.RecordFailure("a")
	assert.Equal(t, -29, tracker.Score("a"))
}

func TestHealthTrackerBounds(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	tracker.Seed("a", 5000)
	assert.Equal(t, 1000, tracker.Score("a"))

	tracker.Seed("b", -5000)
	assert.Equal(t, -1000, tracker.Score("b"))

	tracker.Seed("c", 1000)
	tracker.RecordSuccess("c")
	assert.Equal(t, 1000, tracker.Score("c"))

	tracker.Seed("d", -1000)
	tracker.RecordFailure("d")
	assert.Equal(t, -1000, tracker.Score("d"))
}

func TestHealthTrackerFailureStreak(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	tracker.RecordFailure("a")
	tracker.RecordRateLimit("a")
	tracker.RecordFailure("a")
	assert.Equal(t, 3, tracker.ConsecutiveFailures("a"))

	tracker.RecordSuccess("a")
	assert.Equal(t, 0, tracker.ConsecutiveFailures("a"))
}

func TestHealthTrackerPassiveRecovery(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	// Three hard failures: score -60.
	tracker.RecordFailure("a")
	tracker.RecordFailure("a")
	tracker.RecordFailure("a")
	assert.Equal(t, -60, tracker.Score("a"))

	// 12 minutes idle is two full recovery intervals.
	clock.Advance(12 * time.Minute)
	assert.Equal(t, -40, tracker.Score("a"))

	// Reading the score must not consume the recovery: recovery is always
	// computed from the last failure, never from the last read.
	assert.Equal(t, -40, tracker.Score("a"))

	// Two more minutes stays inside the third interval: nothing more.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, -40, tracker.Score("a"))

	// Crossing into the third full interval credits another step.
	clock.Advance(2 * time.Minute)
	assert.Equal(t, -30, tracker.Score("a"))
}

func TestHealthTrackerRecoveryDoesNotApplyWithoutFailure(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	tracker.Seed("a", -100)
	clock.Advance(time.Hour)

	// No failure timestamp, so no passive recovery.
	assert.Equal(t, -100, tracker.Score("a"))
}

func TestHealthTrackerResetAndForget(t *testing.T) {
	clock := newFakeClock()
	tracker := NewHealthTracker(clock.Now)

	tracker.RecordFailure("a")
	tracker.Reset("a")
	assert.Equal(t, 0, tracker.Score("a"))
	assert.Equal(t, 0, tracker.ConsecutiveFailures("a"))

	tracker.RecordFailure("b")
	tracker.Forget("b")
	assert.Equal(t, 0, tracker.Score("b"))
}
