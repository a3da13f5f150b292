// Package agent implements identity registration, heartbeat, key rotation,
// and webhook/policy configuration (§3, §4.1, §6.1). It sits alongside the
// authenticator and lifecycle engine as a third consumer of the store.
package agent

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
)

// DefaultRotationGrace bounds how long a deactivated key remains verifiable
// after a rotation (§3: "the previous key remains verifiable until
// deactivate_at"). Not operator-tunable per §6.5's configuration table.
const DefaultRotationGrace = 24 * time.Hour

// ErrorKind names a taxonomy bucket from §7.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNotFound   ErrorKind = "not_found"
	KindInternal   ErrorKind = "internal"
)

// Error is an agent-engine failure tagged with its taxonomy kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Engine implements agent identity operations against a pluggable Store.
type Engine struct {
	store store.Store
	cfg   *config.Config
	clock clock.Clock
	log   *logging.Logger
}

// New creates an agent Engine.
func New(s store.Store, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: s, cfg: cfg, clock: clk, log: log}
}

// Register implements §6.1's POST /agents/register. When publicKey is nil
// the relay mints a fresh Ed25519 key pair and returns the private half as
// secretKey; the agent's registration_mode is "self" in both cases unless
// the caller names a distinct identity it does not control (imported).
func (e *Engine) Register(ctx context.Context, agentID, kind string, publicKey ed25519.PublicKey, imported bool) (a *store.Agent, secretKey ed25519.PrivateKey, err *Error) {
	if agentID == "" {
		return nil, nil, newErr(KindValidation, "agent id is required")
	}

	now := e.clock.Now()
	mode := "self"
	if imported {
		mode = "imported"
	}

	if publicKey == nil {
		pub, priv, gerr := cryptoutil.GenerateKeyPair()
		if gerr != nil {
			return nil, nil, newErr(KindInternal, "generate key pair: %v", gerr)
		}
		publicKey = pub
		secretKey = priv
	}

	approved := true
	if mode == "imported" && e.cfg.RegistrationPolicy == "approval_required" {
		approved = false
	}

	rec := &store.Agent{
		ID:               agentID,
		Kind:             kind,
		RegistrationMode: mode,
		Approved:         approved,
		CreatedAt:        now,
		Keys: []store.KeyEntry{{
			PublicKey:   publicKey,
			Active:      true,
			ActivatedAt: now,
		}},
	}

	if cerr := e.store.CreateAgent(ctx, rec); cerr != nil {
		if cerr == store.ErrConflict {
			return nil, nil, newErr(KindConflict, "agent %q is already registered", agentID)
		}
		return nil, nil, newErr(KindInternal, "%v", cerr)
	}

	return rec, secretKey, nil
}

// Approve marks an imported agent approved, unblocking its keys from
// authenticator verification (§6.5 REGISTRATION_POLICY=approval_required).
func (e *Engine) Approve(ctx context.Context, agentID string) *Error {
	if err := e.store.ApproveAgent(ctx, agentID); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// Deregister implements §6.1's DELETE /agents/{id}.
func (e *Engine) Deregister(ctx context.Context, agentID string) *Error {
	if err := e.store.DeregisterAgent(ctx, agentID); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// Heartbeat implements §6.1's POST /agents/{id}/heartbeat.
func (e *Engine) Heartbeat(ctx context.Context, agentID string) *Error {
	if err := e.store.UpdateHeartbeat(ctx, agentID, e.clock.Now()); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// RotateKey implements §6.1's POST /agents/{id}/rotate-key: the currently
// active key(s) enter a grace window and a new key becomes active (§3, §9:
// "re-express as an append-only key set with activation windows").
func (e *Engine) RotateKey(ctx context.Context, agentID string, newPublicKey ed25519.PublicKey) (ed25519.PrivateKey, *Error) {
	now := e.clock.Now()

	active, aerr := e.store.ActiveKeys(ctx, agentID, now)
	if aerr != nil {
		return nil, mapErr(aerr, agentID)
	}
	for _, k := range active {
		if derr := e.store.DeactivateKey(ctx, agentID, k.PublicKey, now.Add(DefaultRotationGrace)); derr != nil {
			return nil, newErr(KindInternal, "%v", derr)
		}
	}

	var secretKey ed25519.PrivateKey
	if newPublicKey == nil {
		pub, priv, gerr := cryptoutil.GenerateKeyPair()
		if gerr != nil {
			return nil, newErr(KindInternal, "generate key pair: %v", gerr)
		}
		newPublicKey = pub
		secretKey = priv
	}

	if err := e.store.AppendKey(ctx, agentID, store.KeyEntry{
		PublicKey:   newPublicKey,
		Active:      true,
		ActivatedAt: now,
	}); err != nil {
		return nil, mapErr(err, agentID)
	}
	return secretKey, nil
}

// DefaultWebhookSecretGrace bounds how long a rotated webhook secret's
// predecessor remains usable for signing, mirroring DefaultRotationGrace for
// key rotation (§3). Not operator-tunable per §6.5's configuration table.
const DefaultWebhookSecretGrace = 24 * time.Hour

// SetWebhook implements §6.1's POST /agents/{id}/webhook. When the agent
// already has a webhook configured with a different secret, this is a
// rotation: the old secret's HKDF-derived key material is kept around for
// DefaultWebhookSecretGrace so a receiver's endpoint that hasn't migrated to
// the new secret yet can still verify in-flight attempts.
func (e *Engine) SetWebhook(ctx context.Context, agentID string, wh *store.WebhookConfig) *Error {
	if wh.URL == "" {
		return newErr(KindValidation, "webhook url is required")
	}

	if existing, gerr := e.store.GetAgent(ctx, agentID); gerr == nil &&
		existing.Webhook != nil && existing.Webhook.Secret != "" && existing.Webhook.Secret != wh.Secret {
		prev, derr := cryptoutil.DeriveWebhookKey([]byte(existing.Webhook.Secret), []byte(agentID))
		if derr != nil {
			return newErr(KindInternal, "derive rotation-grace webhook key: %v", derr)
		}
		wh.PrevSecret = cryptoutil.EncodeBase64(prev)
		wh.PrevSecretExpiresAt = e.clock.Now().Add(DefaultWebhookSecretGrace)
	}

	if err := e.store.SetWebhook(ctx, agentID, wh); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// ClearWebhook implements §6.1's DELETE /agents/{id}/webhook.
func (e *Engine) ClearWebhook(ctx context.Context, agentID string) *Error {
	if err := e.store.SetWebhook(ctx, agentID, nil); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// GetWebhook implements §6.1's GET /agents/{id}/webhook.
func (e *Engine) GetWebhook(ctx context.Context, agentID string) (*store.WebhookConfig, *Error) {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, mapErr(err, agentID)
	}
	return a.Webhook, nil
}

// SetPolicy implements the policy half of agent configuration (§3's
// `policy{trusted_senders[], allowed_subjects[]}`).
func (e *Engine) SetPolicy(ctx context.Context, agentID string, p *store.Policy) *Error {
	if err := e.store.SetPolicy(ctx, agentID, p); err != nil {
		return mapErr(err, agentID)
	}
	return nil
}

// Get returns an agent's record.
func (e *Engine) Get(ctx context.Context, agentID string) (*store.Agent, *Error) {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, mapErr(err, agentID)
	}
	return a, nil
}

// List returns every registered agent (§6.1 admin listing supplement).
func (e *Engine) List(ctx context.Context) ([]*store.Agent, *Error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, newErr(KindInternal, "%v", err)
	}
	return agents, nil
}

func mapErr(err error, agentID string) *Error {
	if err == store.ErrNotFound {
		return newErr(KindNotFound, "agent %q not found", agentID)
	}
	return newErr(KindInternal, "%v", err)
}
