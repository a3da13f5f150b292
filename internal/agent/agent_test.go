package agent

import (
	"context"
	"testing"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
)

type mutableClock struct{ now time.Time }

func (c *mutableClock) Now() time.Time                         { return c.now }
func (c *mutableClock) After(d time.Duration) <-chan time.Time { return clock.Real{}.After(d) }
func (c *mutableClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }
func (c *mutableClock) Advance(d time.Duration)                { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T, now time.Time) (*Engine, store.Store, *mutableClock) {
	t.Helper()
	s := store.NewMemStore()
	cfg := config.NewTestConfig()
	clk := &mutableClock{now: now}
	e := New(s, cfg, clk, logging.New(false))
	return e, s, clk
}

func TestRegisterSelfModeGeneratesKeyAndIsApproved(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	a, secret, err := e.Register(context.Background(), "agent-a", "worker", nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !a.Approved {
		t.Fatalf("self-registered agent should be auto-approved")
	}
	if secret == nil {
		t.Fatalf("expected a generated secret key when no public key supplied")
	}
	if len(a.Keys) != 1 || !a.Keys[0].Active {
		t.Fatalf("expected one active key, got %+v", a.Keys)
	}
}

func TestRegisterImportedModeGatedByApprovalPolicy(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	pub, _, kerr := cryptoutil.GenerateKeyPair()
	if kerr != nil {
		t.Fatalf("GenerateKeyPair: %v", kerr)
	}
	a, secret, err := e.Register(context.Background(), "agent-b", "worker", pub, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Approved {
		t.Fatalf("imported agent should require approval under approval_required policy")
	}
	if secret != nil {
		t.Fatalf("no secret key should be returned when caller supplies its own public key")
	}

	if err := e.Approve(context.Background(), "agent-b"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got, gerr := e.Get(context.Background(), "agent-b")
	if gerr != nil || !got.Approved {
		t.Fatalf("expected agent-b approved after Approve, err=%v agent=%+v", gerr, got)
	}
}

func TestRegisterDuplicateIsConflict(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	ctx := context.Background()
	if _, _, err := e.Register(ctx, "dup", "worker", nil, false); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, _, err := e.Register(ctx, "dup", "worker", nil, false)
	if err == nil || err.Kind != KindConflict {
		t.Fatalf("expected conflict on duplicate registration, got %v", err)
	}
}

func TestDeregisterUnknownAgentIsNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	err := e.Deregister(context.Background(), "ghost")
	if err == nil || err.Kind != KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestHeartbeatUpdatesAgentRecord(t *testing.T) {
	now := time.Now()
	e, s, clk := newTestEngine(t, now)
	ctx := context.Background()
	if _, _, err := e.Register(ctx, "hb", "worker", nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	clk.Advance(5 * time.Second)
	if err := e.Heartbeat(ctx, "hb"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	a, _ := s.GetAgent(ctx, "hb")
	if !a.LastHeartbeat.Equal(clk.Now()) {
		t.Fatalf("LastHeartbeat = %v, want %v", a.LastHeartbeat, clk.Now())
	}
}

func TestRotateKeyKeepsOldKeyUsableDuringGraceWindow(t *testing.T) {
	now := time.Now()
	e, s, clk := newTestEngine(t, now)
	ctx := context.Background()

	a, _, err := e.Register(ctx, "rot", "worker", nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	oldKey := a.Keys[0].PublicKey

	if _, err := e.RotateKey(ctx, "rot", nil); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}

	// Immediately after rotation, both old and new keys verify.
	active, aerr := s.ActiveKeys(ctx, "rot", clk.Now())
	if aerr != nil {
		t.Fatalf("ActiveKeys: %v", aerr)
	}
	if len(active) != 2 {
		t.Fatalf("expected old key still usable in grace window and new key active, got %d keys", len(active))
	}

	clk.Advance(DefaultRotationGrace + time.Second)
	active, aerr = s.ActiveKeys(ctx, "rot", clk.Now())
	if aerr != nil {
		t.Fatalf("ActiveKeys: %v", aerr)
	}
	for _, k := range active {
		if string(k.PublicKey) == string(oldKey) {
			t.Fatalf("old key should no longer be usable after grace window elapses")
		}
	}
	if len(active) != 1 {
		t.Fatalf("expected exactly the new key to remain usable, got %d", len(active))
	}
}

func TestSetAndGetAndClearWebhook(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	ctx := context.Background()
	if _, _, err := e.Register(ctx, "wh", "worker", nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := e.SetWebhook(ctx, "wh", &store.WebhookConfig{URL: "https://example.com/hook", Secret: "s3cr3t"}); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	wh, gerr := e.GetWebhook(ctx, "wh")
	if gerr != nil || wh == nil || wh.URL != "https://example.com/hook" {
		t.Fatalf("GetWebhook: wh=%+v err=%v", wh, gerr)
	}

	if err := e.ClearWebhook(ctx, "wh"); err != nil {
		t.Fatalf("ClearWebhook: %v", err)
	}
	wh, gerr = e.GetWebhook(ctx, "wh")
	if gerr != nil || wh != nil {
		t.Fatalf("expected nil webhook after clear, got %+v", wh)
	}
}

func TestSetWebhookRotationDerivesGracePeriodPrevSecret(t *testing.T) {
	e, _, clk := newTestEngine(t, time.Now())
	ctx := context.Background()
	if _, _, err := e.Register(ctx, "wh3", "worker", nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := e.SetWebhook(ctx, "wh3", &store.WebhookConfig{URL: "https://example.com/hook", Secret: "old-secret"}); err != nil {
		t.Fatalf("SetWebhook (initial): %v", err)
	}

	if err := e.SetWebhook(ctx, "wh3", &store.WebhookConfig{URL: "https://example.com/hook", Secret: "new-secret"}); err != nil {
		t.Fatalf("SetWebhook (rotate): %v", err)
	}
	wh, gerr := e.GetWebhook(ctx, "wh3")
	if gerr != nil {
		t.Fatalf("GetWebhook: %v", gerr)
	}
	if wh.PrevSecret == "" {
		t.Fatalf("expected a derived PrevSecret after rotating the webhook secret")
	}
	if !wh.PrevSecretExpiresAt.After(clk.Now()) {
		t.Fatalf("expected PrevSecretExpiresAt in the future, got %v (now=%v)", wh.PrevSecretExpiresAt, clk.Now())
	}

	// Rotating to the same secret again (idempotent re-set) should not
	// mint a new grace window keyed off a no-op change.
	if err := e.SetWebhook(ctx, "wh3", &store.WebhookConfig{URL: "https://example.com/hook", Secret: "new-secret"}); err != nil {
		t.Fatalf("SetWebhook (re-set same secret): %v", err)
	}
	wh2, _ := e.GetWebhook(ctx, "wh3")
	if wh2.PrevSecret != "" {
		t.Fatalf("re-setting the same secret should not derive a PrevSecret, got %q", wh2.PrevSecret)
	}
}

func TestApproveUnblocksShadowAgent(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	ctx := context.Background()
	pub, _, kerr := cryptoutil.GenerateKeyPair()
	if kerr != nil {
		t.Fatalf("GenerateKeyPair: %v", kerr)
	}
	a, _, err := e.Register(ctx, "shadow", "worker", pub, true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.Approved {
		t.Fatalf("imported agent should start unapproved under approval_required")
	}

	if err := e.Approve(ctx, "shadow"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	a, gerr := e.Get(ctx, "shadow")
	if gerr != nil {
		t.Fatalf("Get: %v", gerr)
	}
	if !a.Approved {
		t.Fatalf("expected agent to be approved after Approve")
	}
}

func TestSetWebhookRejectsEmptyURL(t *testing.T) {
	e, _, _ := newTestEngine(t, time.Now())
	ctx := context.Background()
	if _, _, err := e.Register(ctx, "wh2", "worker", nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := e.SetWebhook(ctx, "wh2", &store.WebhookConfig{Secret: "s"})
	if err == nil || err.Kind != KindValidation {
		t.Fatalf("expected validation error for empty webhook url, got %v", err)
	}
}
