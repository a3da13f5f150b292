// Package cryptoutil provides the relay's cryptographic primitives:
// Ed25519 keygen/sign/verify, SHA-256 body hashing, HMAC-SHA-256 webhook
// signing, and the two canonical signing-string builders from §4.2.
//
// Ed25519, SHA-256, and HMAC are implemented directly on crypto/ed25519,
// crypto/sha256, and crypto/hmac rather than a third-party crypto package —
// these are the stdlib primitives the ecosystem itself reaches for; see
// DESIGN.md for the justification entry. golang.org/x/crypto is used below
// for key derivation during webhook secret rotation, where the stdlib has
// no equivalent.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// GenerateKeyPair creates a fresh Ed25519 key pair for agent registration.
func GenerateKeyPair() (pub ed25519.PublicKey, priv ed25519.PrivateKey, err error) {
	return ed25519.GenerateKey(rand.Reader)
}

// EncodeBase64 always emits padded standard base64, per §4.2.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts both padded and unpadded standard base64 on input.
func DecodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// HashBody returns the base64 encoding of SHA-256(body), for the envelope
// signing string's "sha256(body_json)_b64" term.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return EncodeBase64(sum[:])
}

// SignEnvelope signs the given canonical signing string with priv.
func SignEnvelope(priv ed25519.PrivateKey, signingString string) string {
	sig := ed25519.Sign(priv, []byte(signingString))
	return EncodeBase64(sig)
}

// VerifyEnvelope checks a base64 Ed25519 signature over signingString
// against any of the candidate active keys, returning the index of the key
// that verified, or -1 if none did. Supports key rotation (§4.3 item 6):
// callers iterate the agent's active and within-grace keys.
func VerifyEnvelope(candidates []ed25519.PublicKey, signingString string, sigB64 string) int {
	sig, err := DecodeBase64(sigB64)
	if err != nil {
		return -1
	}
	msg := []byte(signingString)
	for i, pub := range candidates {
		if ed25519.Verify(pub, msg, sig) {
			return i
		}
	}
	return -1
}

// RequestSignature is a parsed Signature header (§6.3).
type RequestSignature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ParseSignatureHeader parses `Signature: keyId="...",algorithm="ed25519",headers="(request-target) host date",signature="..."`.
func ParseSignatureHeader(header string) (RequestSignature, error) {
	var rs RequestSignature
	fields := splitSignatureFields(header)
	if len(fields) == 0 {
		return rs, fmt.Errorf("empty Signature header")
	}
	for k, v := range fields {
		switch k {
		case "keyId":
			rs.KeyID = v
		case "algorithm":
			rs.Algorithm = v
		case "headers":
			rs.Headers = strings.Fields(v)
		case "signature":
			rs.Signature = v
		}
	}
	if rs.KeyID == "" || rs.Signature == "" {
		return rs, fmt.Errorf("Signature header missing keyId or signature")
	}
	return rs, nil
}

// splitSignatureFields parses key="value" pairs separated by commas. It
// does not use encoding/csv: values are double-quoted but may contain
// spaces, and keys are a small fixed vocabulary, so a direct scan is
// simpler than configuring a general parser for one format.
func splitSignatureFields(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	return out
}

// RequestSigningString builds the canonical HTTP-signature signing string
// from §4.2: "(request-target): <method-lower> <uri>" followed by one
// "<header-name-lower>: <value>" line per entry in signedHeaders, joined by
// "\n". header is a lookup for the raw request header values (e.g.
// http.Header.Get, case-insensitively).
func RequestSigningString(method, requestURI string, signedHeaders []string, header func(name string) string) string {
	lines := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		h = strings.ToLower(h)
		if h == "(request-target)" {
			lines = append(lines, fmt.Sprintf("(request-target): %s %s", strings.ToLower(method), requestURI))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", h, header(h)))
	}
	return strings.Join(lines, "\n")
}

// HeaderLookup adapts an http.Header into the lookup func RequestSigningString wants.
func HeaderLookup(h http.Header) func(string) string {
	return func(name string) string {
		return h.Get(name)
	}
}

// FreshnessWindow is the maximum allowed clock skew for a Date header or
// envelope timestamp (§4.2: "reject if |now - date| > 300s").
const FreshnessWindow = 300 * time.Second

// IsFresh reports whether t is within FreshnessWindow of now in either direction.
func IsFresh(now, t time.Time) bool {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= FreshnessWindow
}

// SignWebhookBody computes the HMAC-SHA-256 over a raw webhook body, hex
// encoded, for the X-Admp-Signature header (§6.4).
func SignWebhookBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature checks a "sha256=<hex>" header value against the
// body in constant time.
func VerifyWebhookSignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	got := mac.Sum(nil)
	return subtle.ConstantTimeCompare(want, got) == 1
}

// HashJoinKey returns hex(sha256(key)) for group key-protected join checks (§4.5).
func HashJoinKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// DeriveWebhookKey derives rotation-grace HMAC key material from a webhook
// secret using HKDF-SHA256, so an operator can rotate webhook.secret without
// invalidating signatures on attempts already in flight: the dispatcher
// signs with both the current secret and the HKDF-derived previous one
// during the grace window.
func DeriveWebhookKey(secret []byte, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte("admp-webhook-rotation"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive webhook key: %w", err)
	}
	return out, nil
}
