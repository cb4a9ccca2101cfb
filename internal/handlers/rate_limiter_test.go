package handlers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceRateLimiter_PerSourceBuckets(t *testing.T) {
	rl := NewSourceRateLimiter(1, 2)
	now := time.Unix(1_760_000_000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("feed-a"))
	assert.True(t, rl.Allow("feed-a"))
	assert.False(t, rl.Allow("feed-a"), "burst exhausted")
	assert.True(t, rl.Allow("feed-b"), "other sources keep their own bucket")

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("feed-a"), "one token refilled")
}

func TestSourceRateLimiter_Cleanup(t *testing.T) {
	rl := NewSourceRateLimiter(1, 1)
	now := time.Unix(1_760_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("idle")
	now = now.Add(2 * time.Minute)
	rl.Allow("recent")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Contains(t, rl.visitors, "recent")
	assert.NotContains(t, rl.visitors, "idle")
}
