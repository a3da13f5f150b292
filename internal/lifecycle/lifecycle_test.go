package lifecycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/envelope"
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

func testEnvelope(id, from, to string, now time.Time) *envelope.Envelope {
	return &envelope.Envelope{
		Version:   1,
		ID:        id,
		Type:      "chat",
		From:      from,
		To:        to,
		Body:      json.RawMessage(`{"n":1}`),
		Timestamp: now,
	}
}

func mustCreateAgent(t *testing.T, s store.Store, id string) {
	t.Helper()
	if err := s.CreateAgent(context.Background(), &store.Agent{ID: id, Approved: true}); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
}

func TestSendThenPullThenAck(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "B")

	id, deduped, err := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")
	if err != nil || deduped {
		t.Fatalf("Send: id=%s deduped=%v err=%v", id, deduped, err)
	}

	rec, perr := e.Pull(ctx, "B", 30*time.Second)
	if perr != nil || rec == nil || rec.ID != id {
		t.Fatalf("Pull: rec=%v err=%v", rec, perr)
	}

	if aerr := e.Ack(ctx, "B", id); aerr != nil {
		t.Fatalf("Ack: %v", aerr)
	}
	if aerr := e.Ack(ctx, "B", id); aerr == nil || aerr.Kind != KindConflict {
		t.Fatalf("second Ack: err=%v, want conflict", aerr)
	}
}

func TestSendIdempotencyKeyDedupes(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "B")

	id1, deduped1, err1 := e.Send(ctx, testEnvelope("m1", "A", "B", now), "key-1")
	if err1 != nil || deduped1 {
		t.Fatalf("first send: %v %v", deduped1, err1)
	}
	id2, deduped2, err2 := e.Send(ctx, testEnvelope("m2", "A", "B", now), "key-1")
	if err2 != nil || !deduped2 || id2 != id1 {
		t.Fatalf("second send: id=%s deduped=%v err=%v, want dedupe to %s", id2, deduped2, err2, id1)
	}
}

func TestSendUnknownRecipientFails(t *testing.T) {
	now := time.Now()
	e, _, _ := newTestEngine(t, now)
	ctx := context.Background()

	_, _, err := e.Send(ctx, testEnvelope("m1", "A", "ghost", now), "")
	if err == nil || err.Kind != KindNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestSendRejectsUntrustedSender(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	if err := s.CreateAgent(ctx, &store.Agent{
		ID:       "B",
		Approved: true,
		Policy:   &store.Policy{TrustedSenders: []string{"trusted-only"}},
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	_, _, err := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")
	if err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization", err)
	}
}

func TestSendEnforcesInboxCap(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "B")
	e.cfg.MaxMessagesPerAgent = 1

	if _, _, err := e.Send(ctx, testEnvelope("m1", "A", "B", now), ""); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, _, err := e.Send(ctx, testEnvelope("m2", "A", "B", now), "")
	if err == nil || err.Kind != KindResource {
		t.Fatalf("err = %v, want resource", err)
	}
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "B")
	id, _, _ := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")

	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, perr := e.Pull(ctx, "B", 30*time.Second); perr != nil {
			t.Fatalf("pull %d: %v", i, perr)
		}
		if nerr := e.Nack(ctx, "B", id, store.NackOptions{}); nerr != nil {
			t.Fatalf("nack %d: %v", i, nerr)
		}
	}

	rec, _ := s.GetMessage(ctx, id)
	if rec.Status != envelope.StatusDead {
		t.Fatalf("status = %s, want dead after %d nacks", rec.Status, DefaultMaxAttempts)
	}
}

func TestReplyCopiesCorrelationAndAddressesSender(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "A")
	mustCreateAgent(t, s, "B")

	origID, _, err := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")
	if err != nil {
		t.Fatalf("send original: %v", err)
	}

	reply := testEnvelope("m2", "B", "", now)
	replyID, deduped, rerr := e.Reply(ctx, "B", origID, reply)
	if rerr != nil || deduped {
		t.Fatalf("Reply: id=%s deduped=%v err=%v", replyID, deduped, rerr)
	}

	delivered, _ := s.GetMessage(ctx, replyID)
	if delivered.To != "A" || delivered.CorrelationID != origID {
		t.Fatalf("reply = %+v, want to=A correlation_id=%s", delivered, origID)
	}
}

func TestReplyRejectsNonOwner(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "A")
	mustCreateAgent(t, s, "B")
	mustCreateAgent(t, s, "C")

	origID, _, _ := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")

	_, _, rerr := e.Reply(ctx, "C", origID, testEnvelope("m2", "C", "", now))
	if rerr == nil || rerr.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization", rerr)
	}
}

func TestReplyWithNoClientSuppliedIDMintsOne(t *testing.T) {
	now := time.Now()
	e, s, _ := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "A")
	mustCreateAgent(t, s, "B")

	origID, _, err := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")
	if err != nil {
		t.Fatalf("send original: %v", err)
	}

	reply := testEnvelope("", "B", "", now)
	replyID, deduped, rerr := e.Reply(ctx, "B", origID, reply)
	if rerr != nil || deduped {
		t.Fatalf("Reply: id=%s deduped=%v err=%v", replyID, deduped, rerr)
	}
	if replyID == "" {
		t.Fatal("Reply should mint an id when the caller supplies none")
	}
}

func TestReclaimExpiredLeasesPromotesToDeadAfterMaxAttempts(t *testing.T) {
	now := time.Now()
	e, s, clk := newTestEngine(t, now)
	ctx := context.Background()
	mustCreateAgent(t, s, "B")
	id, _, _ := e.Send(ctx, testEnvelope("m1", "A", "B", now), "")

	for i := 0; i < DefaultMaxAttempts; i++ {
		if _, perr := e.Pull(ctx, "B", time.Second); perr != nil {
			t.Fatalf("pull %d: %v", i, perr)
		}
		clk.Advance(2 * time.Second)
		n, rerr := e.ReclaimExpiredLeases(ctx, 10)
		if rerr != nil || n != 1 {
			t.Fatalf("reclaim %d: n=%d err=%v", i, n, rerr)
		}
	}

	rec, _ := s.GetMessage(ctx, id)
	if rec.Status != envelope.StatusDead {
		t.Fatalf("status = %s, want dead", rec.Status)
	}
}
