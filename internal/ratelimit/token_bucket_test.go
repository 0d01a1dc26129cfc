package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucketConsumesToCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 3, 1)

	assert.True(t, b.Allow(1))
	assert.True(t, b.Allow(1))
	assert.True(t, b.Allow(1))
	assert.False(t, b.Allow(1), "bucket should be empty")
}

func TestTokenBucketRefills(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 2, 2)

	assert.True(t, b.Allow(2))
	assert.False(t, b.Allow(1))

	clock.advance(500 * time.Millisecond)
	assert.True(t, b.Allow(1), "500ms at 2 tokens/sec refills one token")
	assert.False(t, b.Allow(1))

	clock.advance(10 * time.Second)
	assert.True(t, b.Allow(2), "long idle clamps to capacity")
	assert.False(t, b.Allow(1))
}

func TestTokenBucketTimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 1, 1)

	assert.True(t, b.Allow(1))
	clock.advance(-time.Hour)
	assert.False(t, b.Allow(1), "no refill when the clock goes backwards")

	clock.advance(time.Hour + time.Second)
	assert.True(t, b.Allow(1))
}

func TestTokenBucketZeroCost(t *testing.T) {
	b := NewTokenBucket(nil, 0, 0)
	assert.True(t, b.Allow(0))
	assert.False(t, b.Allow(1))
}
