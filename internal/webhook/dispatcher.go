// Package webhook implements the delivery side-channel dispatcher (§4.6):
// HMAC-signed POSTs of delivered envelopes to an agent's registered
// endpoint, with exponential-backoff retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/metrics"
	"github.com/admp/relay/internal/store"
)

// SignatureHeader is the well-known header carrying the HMAC over the raw
// body (§6.4).
const SignatureHeader = "X-Admp-Signature"

// PrevSignatureHeader carries an additional HMAC computed with a rotated-out
// webhook secret's derived key material, present only while that secret is
// still within its rotation grace window (§3). A receiver that hasn't yet
// migrated its verification key to the new secret can fall back to this.
const PrevSignatureHeader = "X-Admp-Signature-Previous"

// MaxAttempts bounds webhook retries before the record is given up on and
// marked failed (§4.6: "up to N attempts").
const MaxAttempts = 8

// backoffBase is the exponential-backoff unit; attempt n waits
// min(backoffCap, 2^n * backoffBase).
const backoffBase = 1 * time.Second
const backoffCap = 5 * time.Minute

// Dispatcher sends webhook attempts and manages their retry schedule.
type Dispatcher struct {
	store  store.Store
	clock  clock.Clock
	log    *logging.Logger
	client *http.Client

	// OnExhausted, when set, is invoked once a message's webhook attempts
	// are given up on, after giveUp has incremented metrics.WebhookExhausted
	// (§4.6). cmd/relayd does not set it.
	OnExhausted func(agentID string)
}

// New creates a Dispatcher.
func New(s store.Store, clk clock.Clock, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		store:  s,
		clock:  clk,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enqueue schedules the first delivery attempt for a newly delivered
// message. Called by the lifecycle engine's OnDelivered hook.
func (d *Dispatcher) Enqueue(ctx context.Context, rec *envelope.Record, wh *store.WebhookConfig) {
	body, err := json.Marshal(rec.Envelope)
	if err != nil {
		d.log.Error("marshal webhook payload", "message_id", rec.ID, "error", err)
		return
	}
	attempt := store.WebhookAttempt{
		MessageID: rec.ID,
		AgentID:   rec.Recipient,
		Endpoint:  wh.URL,
		Secret:    wh.Secret,
		Body:      body,
		AttemptNo: 0,
		NextTry:   d.clock.Now(),
	}
	if err := d.store.EnqueueWebhookAttempt(ctx, attempt); err != nil {
		d.log.Error("enqueue webhook attempt", "message_id", rec.ID, "error", err)
	}
}

// AttemptsForAgent lists the in-flight webhook attempts for an agent, for
// the GET /agents/{id}/webhook/attempts visibility supplement. Attempts are
// deleted on success or exhaustion, so exhausted ones are not listed.
func (d *Dispatcher) AttemptsForAgent(ctx context.Context, agentID string) ([]store.WebhookAttempt, error) {
	return d.store.ListWebhookAttemptsForAgent(ctx, agentID)
}

// RunOnce drains up to batch due webhook attempts, sending each and
// rescheduling or retiring it according to §4.6's retry policy. Intended to
// be called from the webhook-retry control loop tick.
func (d *Dispatcher) RunOnce(ctx context.Context, batch int) (sent, retried, failed int, err error) {
	due, lerr := d.store.ListDueWebhookAttempts(ctx, d.clock.Now(), batch)
	if lerr != nil {
		return 0, 0, 0, fmt.Errorf("list due webhook attempts: %w", lerr)
	}

	for _, a := range due {
		status, sendErr := d.send(ctx, a)
		switch {
		case sendErr == nil:
			sent++
			metrics.WebhookDeliveries.WithLabelValues("sent").Inc()
			if derr := d.store.DeleteWebhookAttempt(ctx, a.MessageID, a.AgentID); derr != nil {
				d.log.Warn("delete completed webhook attempt", "message_id", a.MessageID, "error", derr)
			}
		case !retryable(status):
			failed++
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.giveUp(ctx, a, fmt.Sprintf("non_retryable_status_%d", status))
		case a.AttemptNo+1 >= MaxAttempts:
			failed++
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.giveUp(ctx, a, "max_attempts_exceeded")
		default:
			retried++
			metrics.WebhookDeliveries.WithLabelValues("retried").Inc()
			a.AttemptNo++
			a.LastStatus = status
			a.LastError = sendErr.Error()
			a.NextTry = d.clock.Now().Add(backoffDelay(a.AttemptNo))
			if uerr := d.store.UpdateWebhookAttempt(ctx, a); uerr != nil {
				d.log.Warn("reschedule webhook attempt", "message_id", a.MessageID, "error", uerr)
			}
		}
	}
	return sent, retried, failed, nil
}

func (d *Dispatcher) giveUp(ctx context.Context, a store.WebhookAttempt, reason string) {
	if err := d.store.MarkWebhookFailed(ctx, a.MessageID, reason); err != nil {
		d.log.Warn("mark webhook failed", "message_id", a.MessageID, "error", err)
	}
	if err := d.store.DeleteWebhookAttempt(ctx, a.MessageID, a.AgentID); err != nil {
		d.log.Warn("delete exhausted webhook attempt", "message_id", a.MessageID, "error", err)
	}
	metrics.WebhookExhausted.Inc()
	if d.OnExhausted != nil {
		d.OnExhausted(a.AgentID)
	}
}

// send performs one HTTP attempt, returning the response status code (or 0
// on a transport-level failure/timeout) and a non-nil error on anything
// that is not a 2xx response.
func (d *Dispatcher) send(ctx context.Context, a store.WebhookAttempt) (status int, err error) {
	sig := cryptoutil.SignWebhookBody([]byte(a.Secret), a.Body)

	req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(a.Body))
	if rerr != nil {
		return 0, fmt.Errorf("build request: %w", rerr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+sig)

	if ag, aerr := d.store.GetAgent(ctx, a.AgentID); aerr == nil && ag.Webhook != nil &&
		ag.Webhook.PrevSecret != "" && d.clock.Now().Before(ag.Webhook.PrevSecretExpiresAt) {
		if prev, derr := cryptoutil.DecodeBase64(ag.Webhook.PrevSecret); derr == nil {
			req.Header.Set(PrevSignatureHeader, "sha256="+cryptoutil.SignWebhookBody(prev, a.Body))
		}
	}

	resp, derr := d.client.Do(req)
	if derr != nil {
		return 0, fmt.Errorf("do request: %w", derr)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("webhook returned %s", resp.Status)
	}
	return resp.StatusCode, nil
}

// retryable implements §4.6: 4xx other than 408/429 fail fast; everything
// else (5xx, 429, timeouts represented as status 0) is retried.
func retryable(status int) bool {
	if status == 0 {
		return true
	}
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return true
	}
	return status < 400 || status >= 500
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 0; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
