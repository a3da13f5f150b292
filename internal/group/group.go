// Package group implements group membership and fan-out posting (§4.5).
package group

import (
	"context"
	"fmt"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/metrics"
	"github.com/admp/relay/internal/store"
)

// ErrorKind mirrors lifecycle's taxonomy so the API layer handles both
// engines' errors the same way.
type ErrorKind = lifecycle.ErrorKind

const (
	KindValidation = lifecycle.KindValidation
	KindAuthz      = lifecycle.KindAuthz
	KindConflict   = lifecycle.KindConflict
	KindNotFound   = lifecycle.KindNotFound
	KindResource   = lifecycle.KindResource
	KindInternal   = lifecycle.KindInternal
)

// Error is a group-engine failure tagged with its taxonomy kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Engine implements §4.5's create/join/leave/post/history operations.
type Engine struct {
	store     store.Store
	lifecycle *lifecycle.Engine
	clock     clock.Clock
	log       *logging.Logger
}

// New creates a group Engine. lc is the lifecycle engine used to fan out
// posts to members (§4.5: "invokes lifecycle.send once per other member").
func New(s store.Store, lc *lifecycle.Engine, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: s, lifecycle: lc, clock: clk, log: log}
}

// Create registers a new group with creatorID as its first admin.
func (e *Engine) Create(ctx context.Context, g *store.Group, creatorID string) *Error {
	switch g.AccessType {
	case "open", "invite-only", "key-protected":
	default:
		return newErr(KindValidation, "access_type must be open, invite-only, or key-protected")
	}
	if g.AccessType == "key-protected" && g.JoinKeyHash == "" {
		return newErr(KindValidation, "key-protected groups require join_key_hash")
	}
	g.CreatedAt = e.clock.Now()
	g.UpdatedAt = g.CreatedAt
	err := e.store.CreateGroup(ctx, g, store.Member{AgentID: creatorID, Role: "admin", JoinedAt: g.CreatedAt})
	if err != nil {
		if err == store.ErrConflict {
			return newErr(KindConflict, "group %q already exists", g.ID)
		}
		return newErr(KindInternal, "%v", err)
	}
	return nil
}

// Get returns a group and its current membership for GET /groups/{id} (§6.1).
func (e *Engine) Get(ctx context.Context, groupID string) (*store.Group, []store.Member, *Error) {
	g, members, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, newErr(KindNotFound, "group %q not found", groupID)
	}
	return g, members, nil
}

// Join implements the three access-mode rules from §4.5's table. key is the
// caller-supplied join secret, checked only for key-protected groups.
func (e *Engine) Join(ctx context.Context, groupID, agentID, key string) *Error {
	g, _, gerr := e.store.GetGroup(ctx, groupID)
	if gerr != nil {
		return newErr(KindNotFound, "group %q not found", groupID)
	}

	switch g.AccessType {
	case "open":
		// any authenticated agent may join
	case "key-protected":
		if cryptoutil.HashJoinKey(key) != g.JoinKeyHash {
			return newErr(KindAuthz, "join key does not match")
		}
	case "invite-only":
		return newErr(KindAuthz, "group %q is invite-only; ask an admin to add you", groupID)
	}

	if g.MaxMembers > 0 {
		ids, ierr := e.store.ListMemberAgentIDs(ctx, groupID)
		if ierr != nil {
			return newErr(KindInternal, "%v", ierr)
		}
		if len(ids) >= g.MaxMembers {
			return newErr(KindResource, "group %q is full", groupID)
		}
	}

	if err := e.store.AddMember(ctx, groupID, store.Member{AgentID: agentID, Role: "member", JoinedAt: e.clock.Now()}); err != nil {
		if err == store.ErrAlreadyMember {
			return newErr(KindConflict, "%q is already a member of %q", agentID, groupID)
		}
		return newErr(KindInternal, "%v", err)
	}
	return nil
}

// AddMember implements admin-only invite-only additions, and is also the
// path invite-only groups use regardless of access mode.
func (e *Engine) AddMember(ctx context.Context, groupID, adminID, newMemberID string) *Error {
	if aerr := e.requireAdmin(ctx, groupID, adminID); aerr != nil {
		return aerr
	}
	if err := e.store.AddMember(ctx, groupID, store.Member{AgentID: newMemberID, Role: "member", JoinedAt: e.clock.Now()}); err != nil {
		if err == store.ErrAlreadyMember {
			return newErr(KindConflict, "%q is already a member", newMemberID)
		}
		return newErr(KindInternal, "%v", err)
	}
	return nil
}

// RemoveMember implements admin-only removal.
func (e *Engine) RemoveMember(ctx context.Context, groupID, adminID, memberID string) *Error {
	if aerr := e.requireAdmin(ctx, groupID, adminID); aerr != nil {
		return aerr
	}
	if err := e.store.RemoveMember(ctx, groupID, memberID); err != nil {
		if err == store.ErrNotMember {
			return newErr(KindNotFound, "%q is not a member of %q", memberID, groupID)
		}
		return newErr(KindInternal, "%v", err)
	}
	return nil
}

// Leave removes the caller from the group.
func (e *Engine) Leave(ctx context.Context, groupID, agentID string) *Error {
	if err := e.store.RemoveMember(ctx, groupID, agentID); err != nil {
		if err == store.ErrNotMember {
			return newErr(KindNotFound, "%q is not a member of %q", agentID, groupID)
		}
		return newErr(KindInternal, "%v", err)
	}
	return nil
}

func (e *Engine) requireAdmin(ctx context.Context, groupID, agentID string) *Error {
	m, ok, merr := e.store.IsMember(ctx, groupID, agentID)
	if merr != nil {
		return newErr(KindInternal, "%v", merr)
	}
	if !ok || m.Role != "admin" {
		return newErr(KindAuthz, "%q is not an admin of %q", agentID, groupID)
	}
	return nil
}

// Post implements §4.5's post operation: authorize membership, append group
// history subject to history_visible, and fan out one lifecycle.Send per
// other member using a membership snapshot taken once up front.
func (e *Engine) Post(ctx context.Context, groupID, fromAgentID string, env *envelope.Envelope) (messageID string, err *Error) {
	g, members, gerr := e.store.GetGroup(ctx, groupID)
	if gerr != nil {
		return "", newErr(KindNotFound, "group %q not found", groupID)
	}

	isMember := false
	for _, m := range members {
		if m.AgentID == fromAgentID {
			isMember = true
			break
		}
	}
	if !isMember {
		return "", newErr(KindAuthz, "%q is not a member of %q", fromAgentID, groupID)
	}

	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	now := e.clock.Now()
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	if env.TTLSec <= 0 && g.MessageTTLSec > 0 {
		env.TTLSec = g.MessageTTLSec
	}

	if g.HistoryVisible {
		entry := store.GroupHistoryEntry{
			GroupID:   groupID,
			MessageID: env.ID,
			From:      fromAgentID,
			Subject:   env.Subject,
			Body:      env.Body,
			CreatedAt: now,
		}
		if herr := e.store.AppendGroupHistory(ctx, entry); herr != nil {
			return "", newErr(KindInternal, "%v", herr)
		}
	}

	// Snapshot taken above via GetGroup; members added concurrently during
	// fan-out do not receive this post (§4.5 concurrency note).
	//
	// Each member's lifecycle.Send needs its own message id: the store keys
	// messages by id alone, and env.ID is already spoken for by the shared
	// group-history entry above, so reusing it here would collide on the
	// second member's Send (§3: message ids are globally unique).
	for _, m := range members {
		if m.AgentID == fromAgentID {
			continue
		}
		memberEnv := *env
		memberEnv.ID = envelope.NewID()
		memberEnv.To = m.AgentID
		memberEnv.From = fromAgentID
		if _, _, serr := e.lifecycle.Send(ctx, &memberEnv, ""); serr != nil {
			e.log.Warn("group fan-out send failed", "group", groupID, "member", m.AgentID, "error", serr)
		}
	}

	metrics.GroupMessagesPosted.Inc()
	return env.ID, nil
}

// ListHistory implements §4.5's list_history, gated on history_visible and
// caller membership.
func (e *Engine) ListHistory(ctx context.Context, groupID, callerID string, limit int) ([]store.GroupHistoryEntry, *Error) {
	g, _, gerr := e.store.GetGroup(ctx, groupID)
	if gerr != nil {
		return nil, newErr(KindNotFound, "group %q not found", groupID)
	}
	if !g.HistoryVisible {
		return nil, newErr(KindAuthz, "group %q does not expose history", groupID)
	}
	if _, ok, merr := e.store.IsMember(ctx, groupID, callerID); merr != nil {
		return nil, newErr(KindInternal, "%v", merr)
	} else if !ok {
		return nil, newErr(KindAuthz, "%q is not a member of %q", callerID, groupID)
	}
	entries, err := e.store.ListGroupHistory(ctx, groupID, limit)
	if err != nil {
		return nil, newErr(KindInternal, "%v", err)
	}
	return entries, nil
}
