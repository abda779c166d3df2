package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(50, 20)
	now := time.Now()
	rl.now = func() time.Time { return now }

	// The burst cap admits exactly 20 back-to-back alerts; the 21st is
	// denied.
	for i := range 20 {
		assert.True(t, rl.Allow("cam-1"), "alert %d should pass", i+1)
	}
	assert.False(t, rl.Allow("cam-1"))
}

func TestRateLimiterAtMostNPerHour(t *testing.T) {
	t.Parallel()
	const maxPerHour = 50
	rl := NewRateLimiter(maxPerHour, 20)
	now := time.Now()
	rl.now = func() time.Time { return now }

	// N+1 promotable alerts spread over one hour: at most N are admitted,
	// the (N+1)th is denied.
	allowed := 0
	for range maxPerHour + 1 {
		now = now.Add(time.Hour / (maxPerHour + 1))
		if rl.Allow("cam-1") {
			allowed++
		}
	}
	assert.Equal(t, maxPerHour, allowed)
	assert.False(t, rl.Allow("cam-1"))
}

func TestRateLimiterWindowSlides(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(50, 20)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for range 20 {
		rl.Allow("cam-1")
	}
	assert.False(t, rl.Allow("cam-1"))

	// After the burst window passes, admissions resume.
	now = now.Add(burstWindow + time.Second)
	assert.True(t, rl.Allow("cam-1"))
}

func TestRateLimiterHourlyCapExpires(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(10, 10)
	now := time.Now()
	rl.now = func() time.Time { return now }

	for range 10 {
		assert.True(t, rl.Allow("cam-1"))
	}
	assert.False(t, rl.Allow("cam-1"))
	assert.Equal(t, 0, rl.Remaining("cam-1"))

	now = now.Add(61 * time.Minute)
	assert.True(t, rl.Allow("cam-1"))
}

func TestRateLimiterIsPerCamera(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(50, 1)
	now := time.Now()
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("cam-1"))
	assert.False(t, rl.Allow("cam-1"))
	assert.True(t, rl.Allow("cam-2"))
}
