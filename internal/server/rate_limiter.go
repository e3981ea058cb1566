// Package server implements a token bucket rate limiter that throttles each
// connection's inbound event stream before it reaches the dispatcher.
package server

import (
	"sync"
	"time"
)

// rateLimiter is a per-connection token bucket sized by the configured burst.
// Every inbound frame costs one token; tokens refill continuously at
// burst-per-interval, so a client can send a short flurry of events but not a
// sustained flood of joins, messages, or annotations.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	rate      float64
	lastCheck time.Time
}

// newRateLimiter builds a full bucket. Non-positive arguments fall back to a
// one-event bucket refilled every second rather than failing, mirroring the
// sanitize pass on the rest of the configuration.
func newRateLimiter(capacity int, interval time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	rate := float64(capacity) / interval.Seconds()
	if rate <= 0 {
		rate = float64(capacity)
	}

	return &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		rate:      rate,
		lastCheck: time.Now(),
	}
}

// allow spends one token if available. The read pump calls it for every
// inbound frame; a false return means the frame is discarded before the
// dispatcher sees it, keeping the session state untouched.
func (rl *rateLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(rl.lastCheck).Seconds()
	rl.lastCheck = now

	if elapsed > 0 {
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
	}

	if rl.tokens < 1 {
		return false
	}

	rl.tokens--
	return true
}
