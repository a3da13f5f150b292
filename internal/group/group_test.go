package group

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time                         { return c.now }
func (c fixedClock) After(d time.Duration) <-chan time.Time { return clock.Real{}.After(d) }
func (c fixedClock) Since(t time.Time) time.Duration        { return c.now.Sub(t) }

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s := store.NewMemStore()
	cfg := config.NewTestConfig()
	clk := fixedClock{now: time.Now()}
	log := logging.New(false)
	lc := lifecycle.New(s, cfg, clk, log)
	for _, id := range []string{"A", "B", "C", "D"} {
		if err := s.CreateAgent(context.Background(), &store.Agent{ID: id, Approved: true}); err != nil {
			t.Fatalf("CreateAgent(%s): %v", id, err)
		}
	}
	return New(s, lc, clk, log), s
}

func testEnv(from string) *envelope.Envelope {
	return &envelope.Envelope{
		Version: 1,
		Type:    "chat",
		From:    from,
		Body:    json.RawMessage(`{"n":1}`),
	}
}

func TestCreateAndOpenJoin(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open"}

	if err := e.Create(ctx, g, "A"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Join(ctx, "g1", "B", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestInviteOnlyRejectsSelfJoin(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "invite-only"}
	e.Create(ctx, g, "A")

	if err := e.Join(ctx, "g1", "B", ""); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization", err)
	}
	if err := e.AddMember(ctx, "g1", "A", "B"); err != nil {
		t.Fatalf("AddMember by admin: %v", err)
	}
}

func TestAddMemberRequiresAdmin(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "invite-only"}
	e.Create(ctx, g, "A")
	e.AddMember(ctx, "g1", "A", "B")

	if err := e.AddMember(ctx, "g1", "B", "C"); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization (B is not admin)", err)
	}
}

func TestKeyProtectedJoinRequiresMatchingKey(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "key-protected", JoinKeyHash: cryptoutil.HashJoinKey("s3cr3t")}
	e.Create(ctx, g, "A")

	if err := e.Join(ctx, "g1", "B", "wrong"); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization for wrong key", err)
	}
	if err := e.Join(ctx, "g1", "B", "s3cr3t"); err != nil {
		t.Fatalf("Join with correct key: %v", err)
	}
}

func TestPostFansOutToOtherMembersOnly(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open", HistoryVisible: true}
	e.Create(ctx, g, "A")
	e.Join(ctx, "g1", "B", "")
	e.Join(ctx, "g1", "C", "")

	if _, err := e.Post(ctx, "g1", "A", testEnv("A")); err != nil {
		t.Fatalf("Post: %v", err)
	}

	nb, _ := s.CountInbox(ctx, "B")
	nc, _ := s.CountInbox(ctx, "C")
	na, _ := s.CountInbox(ctx, "A")
	if nb != 1 || nc != 1 {
		t.Fatalf("fan-out counts B=%d C=%d, want 1 each", nb, nc)
	}
	if na != 0 {
		t.Fatalf("author A should not receive its own post, got %d", na)
	}
}

func TestPostGivesEachRecipientADistinctMessageID(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open"}
	e.Create(ctx, g, "A")
	e.Join(ctx, "g1", "B", "")
	e.Join(ctx, "g1", "C", "")
	e.Join(ctx, "g1", "D", "")

	if _, err := e.Post(ctx, "g1", "A", testEnv("A")); err != nil {
		t.Fatalf("Post: %v", err)
	}

	recB, err := s.PullLease(ctx, "B", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("pull B: %v", err)
	}
	recC, err := s.PullLease(ctx, "C", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("pull C: %v", err)
	}
	recD, err := s.PullLease(ctx, "D", time.Minute, time.Now())
	if err != nil {
		t.Fatalf("pull D: %v", err)
	}
	if recB == nil || recC == nil || recD == nil {
		t.Fatalf("expected all three recipients to have a message, got B=%v C=%v D=%v", recB, recC, recD)
	}
	if recB.ID == recC.ID || recB.ID == recD.ID || recC.ID == recD.ID {
		t.Fatalf("recipients got colliding message ids: B=%s C=%s D=%s", recB.ID, recC.ID, recD.ID)
	}
}

func TestPostRejectsNonMember(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open"}
	e.Create(ctx, g, "A")

	if _, err := e.Post(ctx, "g1", "D", testEnv("D")); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization", err)
	}
}

func TestListHistoryRequiresHistoryVisibleAndMembership(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open", HistoryVisible: false}
	e.Create(ctx, g, "A")
	e.Join(ctx, "g1", "B", "")

	if _, err := e.ListHistory(ctx, "g1", "A", 10); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization when history not visible", err)
	}

	g2 := &store.Group{ID: "g2", Name: "team2", AccessType: "open", HistoryVisible: true}
	e.Create(ctx, g2, "A")
	e.Post(ctx, "g2", "A", testEnv("A"))
	if _, err := e.ListHistory(ctx, "g2", "D", 10); err == nil || err.Kind != KindAuthz {
		t.Fatalf("err = %v, want authorization for non-member", err)
	}
	entries, err := e.ListHistory(ctx, "g2", "A", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ListHistory: entries=%v err=%v", entries, err)
	}
}

func TestLeaveAndRemoveMember(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	g := &store.Group{ID: "g1", Name: "team", AccessType: "open"}
	e.Create(ctx, g, "A")
	e.Join(ctx, "g1", "B", "")

	if err := e.Leave(ctx, "g1", "B"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := e.Leave(ctx, "g1", "B"); err == nil || err.Kind != KindNotFound {
		t.Fatalf("second leave: err=%v, want not_found", err)
	}

	e.Join(ctx, "g1", "C", "")
	if err := e.RemoveMember(ctx, "g1", "A", "C"); err != nil {
		t.Fatalf("RemoveMember by admin: %v", err)
	}
}
