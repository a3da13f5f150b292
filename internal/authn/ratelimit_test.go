package authn

import (
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *fakeClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }
func (c *fakeClock) Advance(d time.Duration)         { c.now = c.now.Add(d) }

func TestRateLimiterAllowsUpToBudget(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("agent-a", "send") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("agent-a", "send") {
		t.Fatal("4th request within the window should be blocked")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 1)

	if !rl.Allow("agent-a", "send") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("agent-a", "send") {
		t.Fatal("second request should be blocked")
	}

	clk.Advance(2 * time.Minute)
	if !rl.Allow("agent-a", "send") {
		t.Fatal("request after window reset should be allowed")
	}
}

func TestRateLimiterIdentitiesAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 1)

	rl.Allow("agent-a", "send")
	if rl.Allow("agent-a", "send") {
		t.Fatal("agent-a should be blocked on its second request")
	}
	if !rl.Allow("agent-b", "send") {
		t.Fatal("agent-b should be unaffected by agent-a's budget")
	}
}

func TestRateLimiterRoutesAreIndependent(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 1)

	rl.Allow("agent-a", "send")
	if !rl.Allow("agent-a", "pull") {
		t.Fatal("a different route for the same agent should have its own budget")
	}
}

func TestRateLimiterResetClearsBlock(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 1)

	rl.Allow("agent-a", "send")
	rl.Allow("agent-a", "send")
	rl.Reset("agent-a", "send")
	if !rl.Allow("agent-a", "send") {
		t.Fatal("request after Reset should be allowed")
	}
}

func TestRateLimiterCleanupEvictsExpired(t *testing.T) {
	clk := &fakeClock{now: time.Now()}
	rl := NewRateLimiter(clk).WithBudget(time.Minute, 5)

	rl.Allow("agent-a", "send")
	clk.Advance(2 * time.Minute)
	rl.Cleanup()

	rl.mu.Lock()
	_, exists := rl.attempts[key("agent-a", "send")]
	rl.mu.Unlock()
	if exists {
		t.Fatal("expected expired window to be evicted by Cleanup")
	}
}
