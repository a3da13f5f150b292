// Package authn implements the ADMP authentication and authorization plane
// (§4.3): Ed25519 HTTP request signatures, replay-window enforcement,
// multi-key verification for rotation, subject-agent authorization, and the
// optional API-key gate.
package authn

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"strings"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/metrics"
	"github.com/admp/relay/internal/store"
)

// FailureKind enumerates the authenticator's failure modes (§4.3).
type FailureKind string

const (
	FailureMissingSignature      FailureKind = "missing_signature"
	FailureMalformedSignature    FailureKind = "malformed_signature"
	FailureAlgorithmNotAllowed   FailureKind = "algorithm_not_allowed"
	FailureMissingRequiredHeader FailureKind = "missing_required_signed_header"
	FailureStaleDate             FailureKind = "stale_date"
	FailureAgentNotFound         FailureKind = "agent_not_found"
	FailureSignatureInvalid      FailureKind = "signature_invalid"
	FailureSubjectMismatch       FailureKind = "subject_mismatch_forbidden"
	FailureAPIKeyRequired        FailureKind = "api_key_required"
	FailureAPIKeyInvalid         FailureKind = "api_key_invalid"
	FailureAgentNotApproved      FailureKind = "agent_not_approved"
)

// Status maps a FailureKind to its HTTP status code (§6.1, §7).
func (k FailureKind) Status() int {
	switch k {
	case FailureSubjectMismatch, FailureAgentNotApproved:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

// Error is a typed authentication/authorization failure.
type Error struct {
	Kind    FailureKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func fail(kind FailureKind, format string, args ...interface{}) *Error {
	metrics.AuthFailures.WithLabelValues(string(kind)).Inc()
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// requiredSignedHeaders are the minimum headers that must appear in the
// signature's `headers=` parameter (§4.2, §4.3 item 3).
var requiredSignedHeaders = []string{"(request-target)", "date"}

// Authenticator verifies ADMP HTTP request signatures and the API-key gate.
type Authenticator struct {
	store store.Store
	cfg   *config.Config
	clock clock.Clock
	log   *logging.Logger
}

// New creates an Authenticator.
func New(s store.Store, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Authenticator {
	return &Authenticator{store: s, cfg: cfg, clock: clk, log: log}
}

// VerifyRequestSignature implements §4.3's numbered contract. subjectAgentID
// is the agent named in the URL path, or "" for subject-less endpoints
// (registration, global lookups). requestURI and headerLookup describe the
// request to reconstruct the canonical signing string (§4.2).
func (a *Authenticator) VerifyRequestSignature(ctx context.Context, sigHeader, method, requestURI string, headerLookup func(string) string, subjectAgentID string) (*store.Agent, *Error) {
	if strings.TrimSpace(sigHeader) == "" {
		return nil, fail(FailureMissingSignature, "no Signature header present")
	}

	rs, err := cryptoutil.ParseSignatureHeader(sigHeader)
	if err != nil {
		return nil, fail(FailureMalformedSignature, "%v", err)
	}

	// §4.3 item 2: algorithm, if present, must be ed25519.
	if rs.Algorithm != "" && rs.Algorithm != "ed25519" {
		return nil, fail(FailureAlgorithmNotAllowed, "algorithm %q not allowed", rs.Algorithm)
	}

	// §4.3 item 3: (request-target) and date must be in the signed set.
	signed := make(map[string]bool, len(rs.Headers))
	for _, h := range rs.Headers {
		signed[strings.ToLower(h)] = true
	}
	for _, req := range requiredSignedHeaders {
		if !signed[req] {
			return nil, fail(FailureMissingRequiredHeader, "signed headers must include %q", req)
		}
	}

	// §4.3 item 4: freshness window on Date.
	dateStr := headerLookup("date")
	dateVal, err := http.ParseTime(dateStr)
	if err != nil {
		return nil, fail(FailureStaleDate, "unparseable Date header %q", dateStr)
	}
	if !cryptoutil.IsFresh(a.clock.Now(), dateVal) {
		return nil, fail(FailureStaleDate, "Date %s outside %s freshness window", dateStr, cryptoutil.FreshnessWindow)
	}

	// §4.3 item 5: resolve keyId to an agent; signer must equal the subject.
	agent, err := a.resolveAgent(ctx, rs.KeyID)
	if err != nil {
		return nil, fail(FailureAgentNotFound, "keyId %q does not resolve to a known agent", rs.KeyID)
	}
	if !agent.Approved {
		// §4.3 item 8: a shadow record is not addressable until an operator
		// approves it, regardless of whether its signature would verify.
		return nil, fail(FailureAgentNotApproved, "agent %q is awaiting operator approval", agent.ID)
	}
	if subjectAgentID != "" && agent.ID != subjectAgentID {
		return nil, fail(FailureSubjectMismatch, "signer %q does not match subject agent %q", agent.ID, subjectAgentID)
	}

	// §4.3 item 6: verify against every active/grace key; any match wins.
	signingString := cryptoutil.RequestSigningString(method, requestURI, rs.Headers, headerLookup)
	keys, err := a.store.ActiveKeys(ctx, agent.ID, a.clock.Now())
	if err != nil || len(keys) == 0 {
		return nil, fail(FailureSignatureInvalid, "agent %q has no usable keys", agent.ID)
	}
	candidates := make([]ed25519.PublicKey, len(keys))
	for i, k := range keys {
		candidates[i] = ed25519.PublicKey(k.PublicKey)
	}
	if idx := cryptoutil.VerifyEnvelope(candidates, signingString, rs.Signature); idx < 0 {
		// §4.3 item 1: no fallback to a weaker auth path on a bad signature.
		// This is the one open question decided in SPEC_FULL.md §9 item 2:
		// the legacy "retry with API key" behavior is not resurrected here.
		return nil, fail(FailureSignatureInvalid, "no active key for %q verified the request", agent.ID)
	}

	return agent, nil
}

func (a *Authenticator) resolveAgent(ctx context.Context, keyID string) (*store.Agent, error) {
	// keyId is either a direct agent id or a DID-like alias; both map to
	// the same Agent.ID namespace in this relay's store (§4.3 item 5).
	return a.store.GetAgent(ctx, keyID)
}

// CheckAPIKey implements the optional shared-secret gate (§4.3 item 7) for
// endpoints with no subject agent, or as a coarse front-door filter when
// API_KEY_REQUIRED is set.
func (a *Authenticator) CheckAPIKey(providedKey string) *Error {
	if !a.cfg.APIKeyRequired {
		return nil
	}
	if providedKey == "" {
		return fail(FailureAPIKeyRequired, "this endpoint requires an API key")
	}
	if !constantTimeEqual(providedKey, a.cfg.MasterAPIKey) {
		return fail(FailureAPIKeyInvalid, "invalid API key")
	}
	return nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// AllowFallbackToAPIKey reports whether a deployment has opted into the
// legacy signature-failure-falls-back-to-API-key behavior. Off by default;
// every use is logged (§9 item 2).
func (a *Authenticator) AllowFallbackToAPIKey(reqPath string, sigErr *Error, apiKey string) bool {
	if !a.cfg.AllowAPIKeyFallback {
		return false
	}
	ok := a.CheckAPIKey(apiKey) == nil
	a.log.Warn("legacy signature-fallback-to-api-key path invoked",
		"path", reqPath, "signature_error", sigErr.Kind, "fallback_succeeded", ok)
	return ok
}
