package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	MessagesSent.WithLabelValues("accepted")
	AuthFailures.WithLabelValues("signature_invalid")
	WebhookDeliveries.WithLabelValues("sent")
	InboxDepth.WithLabelValues("delivered")
	ControlLoopTicks.WithLabelValues("lease_reclaim")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"admp_messages_sent_total":          false,
		"admp_messages_acked_total":         false,
		"admp_messages_nacked_total":        false,
		"admp_messages_dead_lettered_total": false,
		"admp_messages_expired_total":       false,
		"admp_leases_reclaimed_total":       false,
		"admp_inbox_depth":                  false,
		"admp_auth_failures_total":          false,
		"admp_agents_online":                false,
		"admp_webhook_deliveries_total":     false,
		"admp_webhook_exhausted_total":      false,
		"admp_group_messages_posted_total":  false,
		"admp_control_loop_ticks_total":     false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	MessagesAcked.Add(1)
	MessagesNacked.Add(1)
	MessagesDeadLettered.Add(1)
	LeasesReclaimed.Add(1)
	WebhookExhausted.Add(1)
	GroupMessagesPosted.Add(1)
	// No panic == success.
}

func TestGaugeSets(t *testing.T) {
	AgentsOnline.Set(4)
	InboxDepth.WithLabelValues("leased").Set(2)
	// No panic == success.
}
