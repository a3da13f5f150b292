// Package lifecycle implements the message engine (§4.4): send, pull, ack,
// nack, reply, and the reclaim/TTL sweep loops they share a store with.
package lifecycle

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/metrics"
	"github.com/admp/relay/internal/store"
)

// DefaultMaxAttempts bounds nack-driven redelivery before a message is
// dead-lettered. Not operator-tunable per §6.5's configuration table; a
// caller may still override it per-nack via store.NackOptions.
const DefaultMaxAttempts = 5

// ErrorKind names a taxonomy bucket from §7 so the API layer can choose an
// HTTP status without re-deriving it from the underlying store error.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindAuthz        ErrorKind = "authorization"
	KindConflict     ErrorKind = "conflict"
	KindNotFound     ErrorKind = "not_found"
	KindGone         ErrorKind = "gone"
	KindResource     ErrorKind = "resource"
	KindInternal     ErrorKind = "internal"
)

// Error is a lifecycle-level failure tagged with its taxonomy kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func newErr(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Engine implements §4.4's operations against a pluggable Store.
type Engine struct {
	store store.Store
	cfg   *config.Config
	clock clock.Clock
	log   *logging.Logger

	// OnDelivered, when set, is invoked after a successful send with a
	// webhook configured for the recipient. cmd/relayd wires this to the
	// dispatcher's enqueue so lifecycle stays decoupled from
	// the HTTP/retry machinery (§4.6).
	OnDelivered func(ctx context.Context, rec *envelope.Record, wh *store.WebhookConfig)

	// OnPublish, when set, is invoked after every successful (non-deduped)
	// send, regardless of webhook configuration. Wired to the inbox-stream
	// event bus so a websocket subscriber sees a delivery the instant it
	// lands, independent of the webhook side-channel.
	OnPublish func(ctx context.Context, rec *envelope.Record)
}

// New creates a lifecycle Engine.
func New(s store.Store, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{store: s, cfg: cfg, clock: clk, log: log}
}

// Send implements §4.4.1. Send runs env.Validate itself (required fields and
// the configured size cap), so callers that construct envelopes directly
// (e.g. group fan-out, reply) go through the same checks as HTTP sends.
func (e *Engine) Send(ctx context.Context, env *envelope.Envelope, idempotencyKey string) (messageID string, deduped bool, err *Error) {
	maxBytes := e.cfg.MaxMessageSizeKB * 1024
	if verr := env.Validate(maxBytes); verr != nil {
		return "", false, newErr(KindValidation, "%v", verr)
	}

	recipient, perr := e.store.GetAgent(ctx, env.To)
	if perr != nil {
		if perr == store.ErrNotFound {
			metrics.MessagesSent.WithLabelValues("rejected").Inc()
			return "", false, newErr(KindNotFound, "recipient %q not found", env.To)
		}
		return "", false, newErr(KindInternal, "%v", perr)
	}

	if !recipient.Approved {
		// §4.3 item 8: a shadow recipient is not addressable until approved.
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return "", false, newErr(KindAuthz, "recipient %q is awaiting operator approval", env.To)
	}

	if recipient.Policy != nil {
		if !policyAllowsSender(recipient.Policy.TrustedSenders, env.From) {
			metrics.MessagesSent.WithLabelValues("rejected").Inc()
			return "", false, newErr(KindAuthz, "sender %q is not trusted by %q", env.From, env.To)
		}
		if !policyAllowsSubject(recipient.Policy.AllowedSubjects, env.Subject) {
			metrics.MessagesSent.WithLabelValues("rejected").Inc()
			return "", false, newErr(KindAuthz, "subject %q is not allowed by %q", env.Subject, env.To)
		}
	}

	// Optional signature check against the sender's locally known keys
	// (§4.4.1: "when the from is locally known"). A sender with no local
	// agent record — a one-off external caller authenticated only by API
	// key — is accepted unsigned.
	if env.Signature != nil {
		if sender, serr := e.store.GetAgent(ctx, env.From); serr == nil {
			if !e.verifyEnvelopeSignature(ctx, sender, env) {
				metrics.MessagesSent.WithLabelValues("rejected").Inc()
				return "", false, newErr(KindAuthz, "envelope signature does not verify against %q's active keys", env.From)
			}
		}
	}

	now := e.clock.Now()
	if env.ID == "" {
		env.ID = envelope.NewID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = now
	}
	ttl := env.TTLSec
	if ttl <= 0 {
		ttl = int64(e.cfg.MessageTTL().Seconds())
	}

	rec := &envelope.Record{
		Envelope:       *env,
		Recipient:      env.To,
		IdempotencyKey: idempotencyKey,
		Status:         envelope.StatusDelivered,
		CreatedAt:      now,
		DeliveredAt:    now,
	}
	rec.TTLSec = ttl

	n, cerr := e.store.CountInbox(ctx, env.To)
	if cerr != nil {
		return "", false, newErr(KindInternal, "%v", cerr)
	}
	if n >= e.cfg.MaxMessagesPerAgent {
		metrics.MessagesSent.WithLabelValues("rejected").Inc()
		return "", false, newErr(KindResource, "inbox for %q is full", env.To)
	}

	wasDeduped, eerr := e.store.EnqueueMessage(ctx, rec)
	if eerr != nil {
		return "", false, newErr(KindInternal, "%v", eerr)
	}
	if wasDeduped {
		metrics.MessagesSent.WithLabelValues("deduped").Inc()
		return rec.ID, true, nil
	}
	metrics.MessagesSent.WithLabelValues("accepted").Inc()

	if e.OnPublish != nil {
		e.OnPublish(ctx, rec)
	}
	if recipient.Webhook != nil && e.OnDelivered != nil {
		e.OnDelivered(ctx, rec, recipient.Webhook)
	}

	return rec.ID, false, nil
}

func (e *Engine) verifyEnvelopeSignature(ctx context.Context, sender *store.Agent, env *envelope.Envelope) bool {
	keys, kerr := e.store.ActiveKeys(ctx, sender.ID, e.clock.Now())
	if kerr != nil || len(keys) == 0 {
		return false
	}
	candidates := make([]ed25519.PublicKey, len(keys))
	for i, k := range keys {
		candidates[i] = ed25519.PublicKey(k.PublicKey)
	}
	signingString := env.SigningString(cryptoutil.HashBody(env.Body))
	return cryptoutil.VerifyEnvelope(candidates, signingString, env.Signature.Sig) >= 0
}

func policyAllowsSender(trusted []string, from string) bool {
	if len(trusted) == 0 {
		return true
	}
	for _, t := range trusted {
		if t == from {
			return true
		}
	}
	return false
}

func policyAllowsSubject(allowed []string, subject string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == subject {
			return true
		}
	}
	return false
}

// Pull implements §4.4.2.
func (e *Engine) Pull(ctx context.Context, agentID string, visibilityTimeout time.Duration) (*envelope.Record, *Error) {
	if visibilityTimeout < time.Second || visibilityTimeout > time.Hour {
		return nil, newErr(KindValidation, "visibility_timeout must be between 1s and 1h")
	}
	rec, err := e.store.PullLease(ctx, agentID, visibilityTimeout, e.clock.Now())
	if err != nil {
		return nil, newErr(KindInternal, "%v", err)
	}
	return rec, nil
}

// Ack implements §4.4.3.
func (e *Engine) Ack(ctx context.Context, agentID, messageID string) *Error {
	err := e.store.Ack(ctx, agentID, messageID, e.clock.Now())
	if err == nil {
		metrics.MessagesAcked.Inc()
	}
	return mapStoreErr(err)
}

// Nack implements §4.4.4. A zero MaxAttempts is replaced with DefaultMaxAttempts.
func (e *Engine) Nack(ctx context.Context, agentID, messageID string, opts store.NackOptions) *Error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	err := e.store.Nack(ctx, agentID, messageID, opts, e.clock.Now())
	if err == nil {
		metrics.MessagesNacked.Inc()
		if rec, gerr := e.store.GetMessage(ctx, messageID); gerr == nil && rec.Status == envelope.StatusDead {
			metrics.MessagesDeadLettered.Inc()
		}
	}
	return mapStoreErr(err)
}

// Reply implements §4.4.5: send a new envelope addressed back to the
// original sender, carrying its correlation id, after checking ownerAgentID
// actually received the original message being replied to.
func (e *Engine) Reply(ctx context.Context, ownerAgentID, originalMessageID string, reply *envelope.Envelope) (string, bool, *Error) {
	orig, oerr := e.store.GetMessage(ctx, originalMessageID)
	if oerr != nil {
		if oerr == store.ErrGone {
			return "", false, newErr(KindGone, "original message %q was purged", originalMessageID)
		}
		return "", false, newErr(KindNotFound, "original message %q not found", originalMessageID)
	}
	if orig.Recipient != ownerAgentID {
		return "", false, newErr(KindAuthz, "%q is not the recipient of %q", ownerAgentID, originalMessageID)
	}

	reply.To = orig.From
	if reply.ID == "" {
		reply.ID = envelope.NewID()
	}
	if reply.CorrelationID == "" {
		reply.CorrelationID = orig.CorrelationID
		if reply.CorrelationID == "" {
			reply.CorrelationID = orig.ID
		}
	}
	return e.Send(ctx, reply, "")
}

// Status returns a message record by id for GET /messages/{mid}/status (§6.1).
func (e *Engine) Status(ctx context.Context, messageID string) (*envelope.Record, *Error) {
	rec, err := e.store.GetMessage(ctx, messageID)
	if err != nil && err != store.ErrGone {
		return nil, mapStoreErr(err)
	}
	return rec, nil
}

// Stats returns inbox counts for GET /agents/{id}/inbox/stats (§6.1).
func (e *Engine) Stats(ctx context.Context, agentID string) (store.Stats, *Error) {
	stats, err := e.store.Stats(ctx, agentID, e.clock.Now())
	if err != nil {
		return store.Stats{}, newErr(KindInternal, "%v", err)
	}
	return stats, nil
}

// ReclaimExpiredLeases runs one pass of the reclaim loop (§4.4.6).
func (e *Engine) ReclaimExpiredLeases(ctx context.Context, batch int) (int, error) {
	n, err := e.store.ReclaimExpiredLeases(ctx, e.clock.Now(), DefaultMaxAttempts, batch)
	if err == nil && n > 0 {
		metrics.LeasesReclaimed.Add(float64(n))
	}
	return n, err
}

// ExpireTTL runs one pass of the TTL sweep (§4.4.7).
func (e *Engine) ExpireTTL(ctx context.Context, batch int) (int, error) {
	n, err := e.store.ExpireTTL(ctx, e.clock.Now(), batch)
	if err == nil && n > 0 {
		metrics.MessagesExpired.Add(float64(n))
	}
	return n, err
}

func mapStoreErr(err error) *Error {
	switch err {
	case nil:
		return nil
	case store.ErrNotFound:
		return newErr(KindNotFound, "message not found")
	case store.ErrWrongLeaseState:
		return newErr(KindConflict, "message is not in leased state")
	case store.ErrGone:
		return newErr(KindGone, "message body was purged")
	default:
		return newErr(KindInternal, "%v", err)
	}
}
