package dispatch

import (
	"sync"
	"time"
)

// burstWindow is the short window over which the burst limit applies.
const burstWindow = 5 * time.Minute

// RateLimiter enforces the per-camera alert budget: a hard cap per trailing
// hour plus a burst cap over a short window. Denied alerts are recorded by
// the dispatcher, never sent.
type RateLimiter struct {
	maxPerHour int
	burst      int

	mu         sync.Mutex
	admissions map[string][]time.Time // per camera, oldest first
	now        func() time.Time
}

// NewRateLimiter creates the per-camera rate limiter.
func NewRateLimiter(maxAlertsPerHour, burst int) *RateLimiter {
	if maxAlertsPerHour <= 0 {
		maxAlertsPerHour = 50
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		maxPerHour: maxAlertsPerHour,
		burst:      burst,
		admissions: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow admits one alert for the camera if neither the hourly cap nor the
// burst cap is exhausted. Given N+1 alerts inside one hour at most N pass.
func (rl *RateLimiter) Allow(cameraID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hourCutoff := now.Add(-time.Hour)

	history := rl.admissions[cameraID]
	pruned := history[:0]
	for _, at := range history {
		if at.After(hourCutoff) {
			pruned = append(pruned, at)
		}
	}

	if len(pruned) >= rl.maxPerHour {
		rl.admissions[cameraID] = pruned
		return false
	}

	burstCutoff := now.Add(-burstWindow)
	recent := 0
	for i := len(pruned) - 1; i >= 0; i-- {
		if !pruned[i].After(burstCutoff) {
			break
		}
		recent++
	}
	if recent >= rl.burst {
		rl.admissions[cameraID] = pruned
		return false
	}

	rl.admissions[cameraID] = append(pruned, now)
	return true
}

// Remaining returns how many admissions the camera has left in the trailing
// hour, for metrics.
func (rl *RateLimiter) Remaining(cameraID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	hourCutoff := rl.now().Add(-time.Hour)
	count := 0
	for _, at := range rl.admissions[cameraID] {
		if at.After(hourCutoff) {
			count++
		}
	}
	if count >= rl.maxPerHour {
		return 0
	}
	return rl.maxPerHour - count
}
