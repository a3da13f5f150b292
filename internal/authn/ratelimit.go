package authn

import (
	"sync"
	"time"

	"github.com/admp/relay/internal/clock"
)

// Default per-identity request budget for the authenticated HTTP surface
// (§6.1 supplement: coarse abuse protection ahead of per-route business
// limits like MAX_MESSAGES_PER_AGENT).
const (
	defaultWindow      = time.Minute
	defaultMaxRequests = 120
)

// attemptWindow tracks one identity's request count within the current window.
type attemptWindow struct {
	count     int
	windowAt  time.Time
	blockedAt time.Time // non-zero once the identity is cut off for the window
}

// RateLimiter is a per-identity (agentID+route) fixed-window limiter.
// Adapted from the teacher's per-IP login limiter: same window/reset shape,
// generalized from a fixed IP key to an arbitrary identity string and given
// an injectable clock so control-loop tests stay deterministic.
type RateLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptWindow
	window      time.Duration
	maxRequests int
	clock       clock.Clock
}

// NewRateLimiter creates a limiter with the default window/budget.
func NewRateLimiter(clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		attempts:    make(map[string]*attemptWindow),
		window:      defaultWindow,
		maxRequests: defaultMaxRequests,
		clock:       clk,
	}
}

// WithBudget overrides the window and per-window request budget.
func (rl *RateLimiter) WithBudget(window time.Duration, maxRequests int) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.window = window
	rl.maxRequests = maxRequests
	return rl
}

// key combines an agent id and route so one agent's pull loop can't starve
// its own send budget, and vice versa.
func key(agentID, route string) string {
	return agentID + "\x00" + route
}

// Allow reports whether a request from agentID against route may proceed.
func (rl *RateLimiter) Allow(agentID, route string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	k := key(agentID, route)
	a, ok := rl.attempts[k]
	if !ok {
		rl.attempts[k] = &attemptWindow{count: 1, windowAt: now}
		return true
	}

	if !a.blockedAt.IsZero() {
		if now.Before(a.blockedAt.Add(rl.window)) {
			return false
		}
		a.count = 1
		a.windowAt = now
		a.blockedAt = time.Time{}
		return true
	}

	if now.After(a.windowAt.Add(rl.window)) {
		a.count = 1
		a.windowAt = now
		return true
	}

	a.count++
	if a.count > rl.maxRequests {
		a.blockedAt = now
		return false
	}
	return true
}

// Reset clears limiter state for an identity, e.g. after a successful
// registration supersedes an earlier unauthenticated attempt count.
func (rl *RateLimiter) Reset(agentID, route string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key(agentID, route))
}

// Cleanup evicts windows that have fully expired. No control loop calls it;
// an identity's entry stays in the map until Cleanup or Reset removes it.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	for k, a := range rl.attempts {
		if !a.blockedAt.IsZero() {
			if now.After(a.blockedAt.Add(rl.window)) {
				delete(rl.attempts, k)
			}
			continue
		}
		if now.After(a.windowAt.Add(rl.window)) {
			delete(rl.attempts, k)
		}
	}
}
