// Package envelope defines the ADMP message envelope: the on-the-wire
// object a sender submits and the persisted record the store tracks through
// its lifecycle.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a persisted message record.
type Status string

const (
	// StatusQueued is reserved for a future pre-acceptance buffer (e.g. SMTP
	// federation). No code path produces it today — enqueue goes straight
	// to StatusDelivered. See SPEC_FULL.md §9 item 1.
	StatusQueued    Status = "queued"
	StatusDelivered Status = "delivered"
	StatusLeased    Status = "leased"
	StatusAcked     Status = "acked"
	StatusNacked    Status = "nacked"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
	StatusExpired   Status = "expired"
)

// Terminal reports whether a status is terminal: no further transition is
// legal once reached (§4.4.8).
func (s Status) Terminal() bool {
	switch s {
	case StatusAcked, StatusDead, StatusExpired:
		return true
	default:
		return false
	}
}

// Signature carries a detached Ed25519 signature over the envelope signing
// string (§4.2).
type Signature struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

// Envelope is the on-the-wire message object (§3).
type Envelope struct {
	Version       int             `json:"version"`
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Subject       string          `json:"subject,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage `json:"body"`
	Timestamp     time.Time       `json:"timestamp"`
	TTLSec        int64           `json:"ttl_sec,omitempty"`
	Ephemeral     bool            `json:"ephemeral,omitempty"`
	Signature     *Signature      `json:"signature,omitempty"`
}

// Record is the persisted form: an Envelope plus lifecycle bookkeeping
// owned exclusively by the recipient (§3 "Message record").
type Record struct {
	Envelope

	Recipient      string    `json:"recipient"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         Status    `json:"status"`
	LeasedBy       string    `json:"leased_by,omitempty"`
	LeaseUntil     time.Time `json:"lease_until,omitzero"`
	VisibleAt      time.Time `json:"visible_at,omitzero"`
	Attempts       int       `json:"attempts"`
	CreatedAt      time.Time `json:"created_at"`
	DeliveredAt    time.Time `json:"delivered_at,omitzero"`
	AckedAt        time.Time `json:"acked_at,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
	Purged         bool      `json:"purged,omitempty"`
}

// NewID generates a fresh message id. Used by reply() and group fan-out,
// which mint ids on the relay's behalf rather than the sender's (§3 notes
// the sender normally supplies id, but server-originated sends need one too).
func NewID() string {
	return uuid.New().String()
}

// Validate checks the envelope for the required fields and constraints in
// §4.4.1's preconditions. maxBodyBytes enforces MAX_MESSAGE_SIZE_KB.
func (e *Envelope) Validate(maxBodyBytes int) error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "message id is required"}
	}
	if e.From == "" {
		return &ValidationError{Field: "from", Message: "from agent id is required"}
	}
	if e.To == "" {
		return &ValidationError{Field: "to", Message: "to agent id is required"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Message: "message type is required"}
	}
	if len(e.Body) == 0 {
		return &ValidationError{Field: "body", Message: "body is required"}
	}
	if maxBodyBytes > 0 && len(e.Body) > maxBodyBytes {
		return &ValidationError{Field: "body", Message: "body exceeds configured size cap", TooLarge: true}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp is required"}
	}
	return nil
}

// ValidationError reports a malformed envelope field.
type ValidationError struct {
	Field    string
	Message  string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// SigningString builds the canonical envelope signing string from §4.2:
// timestamp \n sha256(body_json)_b64 \n from \n to \n (correlation_id|"").
// Kept here (not in cryptoutil) because it depends only on envelope fields;
// callers build the string here and pass it to cryptoutil.SignEnvelope or
// cryptoutil.VerifyEnvelope.
func (e *Envelope) SigningString(bodyHashB64 string) string {
	return e.Timestamp.UTC().Format(time.RFC3339) + "\n" +
		bodyHashB64 + "\n" +
		e.From + "\n" +
		e.To + "\n" +
		e.CorrelationID
}

// IsExpired reports whether the envelope's TTL, relative to its timestamp,
// has elapsed. TTLSec<=0 means no expiry from the envelope itself (a store
// default still applies at enqueue time).
func (e *Envelope) IsExpired(now time.Time) bool {
	if e.TTLSec <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(time.Duration(e.TTLSec) * time.Second))
}
