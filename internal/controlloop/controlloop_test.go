package controlloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
	"github.com/admp/relay/internal/webhook"
)

type mutableClock struct{ now time.Time }

func (c *mutableClock) Now() time.Time                         { return c.now }
func (c *mutableClock) After(d time.Duration) <-chan time.Time { return clock.Real{}.After(d) }
func (c *mutableClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *mutableClock) Advance(d time.Duration)                { c.now = c.now.Add(d) }

func newTestSupervisor(t *testing.T, now time.Time) (*Supervisor, store.Store, *lifecycle.Engine, *webhook.Dispatcher, *mutableClock) {
	t.Helper()
	s := store.NewMemStore()
	cfg := config.NewTestConfig()
	clk := &mutableClock{now: now}
	log := logging.New(false)
	lc := lifecycle.New(s, cfg, clk, log)
	disp := webhook.New(s, clk, log)
	sp := New(s, lc, disp, cfg, clk, log)
	return sp, s, lc, disp, clk
}

// TestTriggerReclaimPromotesExpiredLeaseToDead verifies the reclaim tick
// calls through to the lifecycle engine without going through cron's
// real-time scheduling (§4.7: loops are bounded and idempotent).
func TestTriggerReclaimPromotesExpiredLeaseToDead(t *testing.T) {
	now := time.Now()
	sp, s, lc, _, clk := newTestSupervisor(t, now)
	ctx := context.Background()
	if err := s.CreateAgent(ctx, &store.Agent{ID: "B", Approved: true}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	env := &envelope.Envelope{Version: 1, ID: "m1", Type: "chat", From: "A", To: "B", Body: []byte(`{"n":1}`), Timestamp: now}
	if _, _, err := lc.Send(ctx, env, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	for i := 0; i < lifecycle.DefaultMaxAttempts; i++ {
		if _, lerr := lc.Pull(ctx, "B", time.Second); lerr != nil {
			t.Fatalf("Pull: %v", lerr)
		}
		clk.Advance(2 * time.Second)
		sp.TriggerReclaim(ctx)
	}

	rec, err := s.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if rec.Status != envelope.StatusDead {
		t.Fatalf("status = %s, want dead", rec.Status)
	}
}

func TestTriggerTTLSweepPurgesExpired(t *testing.T) {
	now := time.Now()
	sp, s, lc, _, clk := newTestSupervisor(t, now)
	ctx := context.Background()
	if err := s.CreateAgent(ctx, &store.Agent{ID: "B", Approved: true}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	env := &envelope.Envelope{Version: 1, ID: "m1", Type: "chat", From: "A", To: "B", Body: []byte(`{"n":1}`), Timestamp: now, TTLSec: 1, Ephemeral: true}
	if _, _, err := lc.Send(ctx, env, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	clk.Advance(2 * time.Second)
	sp.TriggerTTLSweep(ctx)

	rec, err := s.GetMessage(ctx, "m1")
	if err != nil && err != store.ErrGone {
		t.Fatalf("GetMessage: %v", err)
	}
	if !rec.Purged {
		t.Fatal("expected expired ephemeral message to be purged")
	}
}

func TestTriggerHeartbeatSweepMarksStaleAgentsOffline(t *testing.T) {
	now := time.Now()
	sp, s, _, _, clk := newTestSupervisor(t, now)
	ctx := context.Background()

	if err := s.CreateAgent(ctx, &store.Agent{ID: "stale", Approved: true, LastHeartbeat: now}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := s.CreateAgent(ctx, &store.Agent{ID: "fresh", Approved: true, LastHeartbeat: now}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	clk.Advance(sp.cfg.HeartbeatTimeout() + time.Second)
	if err := s.UpdateHeartbeat(ctx, "fresh", clk.Now()); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	sp.TriggerHeartbeatSweep(ctx)

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	byID := make(map[string]*store.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	if byID["stale"].Metadata["online"] != "false" {
		t.Fatalf("stale agent online=%q, want false", byID["stale"].Metadata["online"])
	}
	if byID["fresh"].Metadata["online"] == "false" {
		t.Fatal("fresh agent should not have been marked offline")
	}
}

func TestTriggerWebhookRetrySendsDueAttempt(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	now := time.Now()
	sp, s, _, disp, _ := newTestSupervisor(t, now)
	ctx := context.Background()

	rec := &envelope.Record{Envelope: envelope.Envelope{ID: "m1", From: "A", To: "B"}, Recipient: "B"}
	disp.Enqueue(ctx, rec, &store.WebhookConfig{URL: srv.URL, Secret: "s"})

	sp.TriggerWebhookRetry(ctx)

	if received != 1 {
		t.Fatalf("server received %d requests, want 1", received)
	}
	_ = s
}

func TestEverySpec(t *testing.T) {
	cases := map[time.Duration]string{
		30 * time.Second: "@every 30s",
		time.Minute:      "@every 1m0s",
		500 * time.Millisecond: "@every 1s",
	}
	for d, want := range cases {
		if got := everySpec(d); got != want {
			t.Errorf("everySpec(%s) = %q, want %q", d, got, want)
		}
	}
}
