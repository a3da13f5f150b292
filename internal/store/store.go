// Package store defines the persistence boundary for the relay (§4.1): a
// single interface consumed by the lifecycle and group engines, with two
// implementations — memstore for tests/dev and boltstore for durable
// single-node deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/admp/relay/internal/envelope"
)

// Sentinel errors returned by Store implementations. Callers (lifecycle,
// group, api) map these to the error taxonomy in §7.
var (
	ErrNotFound       = errors.New("store: not found")
	ErrConflict       = errors.New("store: conflict")
	ErrInboxFull      = errors.New("store: inbox full")
	ErrAlreadyMember  = errors.New("store: already a member")
	ErrNotMember      = errors.New("store: not a member")
	ErrGroupFull      = errors.New("store: group full")
	ErrWrongLeaseState = errors.New("store: message not in leased state")
	ErrGone           = errors.New("store: ephemeral body purged")
)

// KeyEntry is a public key entry in an agent's key set (§3 "Public key entry").
type KeyEntry struct {
	PublicKey    []byte
	Active       bool
	ActivatedAt  time.Time
	DeactivateAt time.Time // zero = no scheduled deactivation
}

// IsUsable reports whether the key can still verify a signature at instant t:
// active, or within its deactivation grace window.
func (k KeyEntry) IsUsable(t time.Time) bool {
	if k.Active {
		return true
	}
	return !k.DeactivateAt.IsZero() && t.Before(k.DeactivateAt)
}

// WebhookConfig is an agent's registered delivery side-channel (§3).
//
// PrevSecret and PrevSecretExpiresAt hold the HKDF-derived key material for
// the previously active secret across a rotation, so the dispatcher can
// keep signing attempts a receiver's endpoint can still verify until it
// migrates to the new secret (§3 rotation-grace).
type WebhookConfig struct {
	URL                 string
	Secret              string
	PrevSecret          string
	PrevSecretExpiresAt time.Time
}

// Policy restricts who may send to an agent and which subjects it accepts (§3).
type Policy struct {
	TrustedSenders  []string
	AllowedSubjects []string
}

// Agent is the persisted identity record (§3 "Agent").
type Agent struct {
	ID               string
	Kind             string
	Keys             []KeyEntry
	RegistrationMode string // "self" or "imported"
	Webhook          *WebhookConfig
	Policy           *Policy
	LastHeartbeat    time.Time
	Metadata         map[string]string
	CreatedAt        time.Time
	// Approved is false for a DID-federated shadow record pending operator
	// approval (§4.3 item 8, REGISTRATION_POLICY=approval_required).
	Approved bool
}

// Group is a fan-out collection of agents (§3 "Group").
type Group struct {
	ID             string
	Name           string
	CreatedBy      string
	AccessType     string // "open", "invite-only", "key-protected"
	JoinKeyHash    string
	HistoryVisible bool
	MaxMembers     int
	MessageTTLSec  int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Member is a group membership entry (§3).
type Member struct {
	AgentID  string
	Role     string // "admin" or "member"
	JoinedAt time.Time
}

// GroupHistoryEntry is one authored post recorded for a group (§3 "Group message / delivery").
type GroupHistoryEntry struct {
	GroupID   string
	MessageID string
	From      string
	Subject   string
	Body      []byte
	CreatedAt time.Time
}

// WebhookAttempt is a transient delivery job (§3 "Webhook attempt").
type WebhookAttempt struct {
	MessageID  string
	AgentID    string
	Endpoint   string
	Secret     string
	Body       []byte
	AttemptNo  int
	NextTry    time.Time
	LastStatus int
	LastError  string
}

// NackOptions controls nack branching (§4.4.4).
type NackOptions struct {
	Delay       time.Duration
	DeadLetter  bool
	MaxAttempts int
}

// Stats summarizes an agent's inbox for GET /agents/{id}/inbox/stats (§6.1,
// supplemented per SPEC_FULL.md "Inbox stats detail").
type Stats struct {
	Counts            map[envelope.Status]int
	Total             int
	OldestPendingAge  time.Duration
}

// Store is the full persistence contract. Every mutation is atomic (applied
// in full or not at all); reads are read-after-write consistent within a
// single recipient (§4.1 "Failure semantics").
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	SetWebhook(ctx context.Context, id string, wh *WebhookConfig) error
	SetPolicy(ctx context.Context, id string, p *Policy) error
	ApproveAgent(ctx context.Context, id string) error
	DeregisterAgent(ctx context.Context, id string) error
	MarkOffline(ctx context.Context, ids []string) error

	// Key rotation
	AppendKey(ctx context.Context, agentID string, k KeyEntry) error
	DeactivateKey(ctx context.Context, agentID string, publicKey []byte, deactivateAt time.Time) error
	ActiveKeys(ctx context.Context, agentID string, at time.Time) ([]KeyEntry, error)

	// Messages
	EnqueueMessage(ctx context.Context, rec *envelope.Record) (deduped bool, err error)
	PullLease(ctx context.Context, recipient string, visibilityTimeout time.Duration, now time.Time) (*envelope.Record, error)
	Ack(ctx context.Context, recipient, messageID string, now time.Time) error
	Nack(ctx context.Context, recipient, messageID string, opts NackOptions, now time.Time) error
	GetMessage(ctx context.Context, messageID string) (*envelope.Record, error)
	MarkWebhookFailed(ctx context.Context, messageID, lastError string) error
	Stats(ctx context.Context, agentID string, now time.Time) (Stats, error)
	CountInbox(ctx context.Context, recipient string) (int, error)

	// Control-loop scans
	ReclaimExpiredLeases(ctx context.Context, now time.Time, maxAttempts, batch int) (int, error)
	ExpireTTL(ctx context.Context, now time.Time, batch int) (int, error)

	// Groups
	CreateGroup(ctx context.Context, g *Group, creator Member) error
	GetGroup(ctx context.Context, id string) (*Group, []Member, error)
	AddMember(ctx context.Context, groupID string, m Member) error
	RemoveMember(ctx context.Context, groupID, agentID string) error
	IsMember(ctx context.Context, groupID, agentID string) (Member, bool, error)
	ListMemberAgentIDs(ctx context.Context, groupID string) ([]string, error)
	AppendGroupHistory(ctx context.Context, e GroupHistoryEntry) error
	ListGroupHistory(ctx context.Context, groupID string, limit int) ([]GroupHistoryEntry, error)

	// Webhook attempts
	EnqueueWebhookAttempt(ctx context.Context, a WebhookAttempt) error
	ListDueWebhookAttempts(ctx context.Context, now time.Time, batch int) ([]WebhookAttempt, error)
	ListWebhookAttemptsForAgent(ctx context.Context, agentID string) ([]WebhookAttempt, error)
	UpdateWebhookAttempt(ctx context.Context, a WebhookAttempt) error
	DeleteWebhookAttempt(ctx context.Context, messageID, agentID string) error

	Close() error
}
