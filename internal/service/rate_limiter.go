package service

import (
	"context"
	"sync"
	"time"
)

// RateLimiter throttles job admission: per-client submissions per minute and
// a global cap on the pending backlog. A zero limit disables that check.
type RateLimiter struct {
	mu sync.Mutex

	// Global pending backlog limit
	maxBacklog int

	// Per-client submission rate limit
	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow

	now func() time.Time
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxBacklog, maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxBacklog:              maxBacklog,
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
		now:                     time.Now,
	}
}

// CheckBacklog refuses new work while pending jobs are at the backlog limit.
func (rl *RateLimiter) CheckBacklog(ctx context.Context, pending int) error {
	if rl.maxBacklog > 0 && pending >= rl.maxBacklog {
		return ErrThrottled
	}
	return nil
}

// CheckSubmissionRate checks if a client can submit more jobs
func (rl *RateLimiter) CheckSubmissionRate(ctx context.Context, clientID string) error {
	if rl.maxSubmissionsPerMinute <= 0 {
		return nil
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	window, exists := rl.submissionWindows[clientID]

	if !exists || now.After(window.windowEnd) {
		rl.pruneLocked(now)
		rl.submissionWindows[clientID] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrThrottled
	}

	window.count++
	return nil
}

// pruneLocked drops expired windows so idle clients do not accumulate.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	for id, w := range rl.submissionWindows {
		if now.After(w.windowEnd) {
			delete(rl.submissionWindows, id)
		}
	}
}
