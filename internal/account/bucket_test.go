package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketStartsFull(t *testing.T) {
	clock := newFakeClock()
	tracker := NewBucketTracker(clock.Now)

	assert.Equal(t, 50, tracker.Tokens("a"))
	assert.True(t, tracker.HasTokens("a", 50))
	assert.False(t, tracker.HasTokens("a", 51))
}

func TestBucketConsume(t *testing.T) {
	clock := newFakeClock()
	tracker := NewBucketTracker(clock.Now)

	assert.True(t, tracker.Consume("a", 10))
	assert.Equal(t, 40, tracker.Tokens("a"))

	// Insufficient balance leaves the bucket unchanged.
	assert.False(t, tracker.Consume("a", 100))
	assert.Equal(t, 40, tracker.Tokens("a"))
}

func TestBucketRefillWholeIntervalsOnly(t *testing.T) {
	clock := newFakeClock()
	tracker := NewBucketTracker(clock.Now)

	assert.True(t, tracker.Consume("a", 30))
	assert.Equal(t, 20, tracker.Tokens("a"))

	// Partial interval: no refill, and the anchor does not move.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 20, tracker.Tokens("a"))

	// The two halves add up to one full interval.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 26, tracker.Tokens("a"))

	// Three more intervals.
	clock.Advance(3 * time.Minute)
	assert.Equal(t, 44, tracker.Tokens("a"))
}

func TestBucketRefillCapped(t *testing.T) {
	clock := newFakeClock()
	tracker := NewBucketTracker(clock.Now)

	// Three intervals credit 18, but 40+18 caps at the full bucket.
	assert.True(t, tracker.Consume("a", 10))
	clock.Advance(3 * time.Minute)
	assert.Equal(t, 50, tracker.Tokens("a"))

	clock.Advance(time.Hour)
	assert.Equal(t, 50, tracker.Tokens("a"))
}

func TestBucketReset(t *testing.T) {
	clock := newFakeClock()
	tracker := NewBucketTracker(clock.Now)

	assert.True(t, tracker.Consume("a", 50))
	assert.Equal(t, 0, tracker.Tokens("a"))

	tracker.Reset("a")
	assert.Equal(t, 50, tracker.Tokens("a"))
}
