// Package metrics exposes Prometheus counters and gauges for the relay's
// message lifecycle, authentication, and delivery subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_messages_sent_total",
		Help: "Total number of envelopes accepted by Send, by outcome.",
	}, []string{"outcome"})

	MessagesAcked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_acked_total",
		Help: "Total number of messages acknowledged by recipients.",
	})

	MessagesNacked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_nacked_total",
		Help: "Total number of messages negatively acknowledged by recipients.",
	})

	MessagesDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_dead_lettered_total",
		Help: "Total number of messages moved to the dead state after exhausting delivery attempts.",
	})

	MessagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_messages_expired_total",
		Help: "Total number of messages expired by the TTL-sweep loop.",
	})

	LeasesReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_leases_reclaimed_total",
		Help: "Total number of leases reclaimed after their lease_until passed without an ack or nack.",
	})

	InboxDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admp_inbox_depth",
		Help: "Current number of non-terminal messages addressed to an agent, by status.",
	}, []string{"status"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_auth_failures_total",
		Help: "Total number of HTTP signature verification failures, by kind.",
	}, []string{"kind"})

	AgentsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "admp_agents_online",
		Help: "Number of agents whose last heartbeat is within the configured timeout.",
	})

	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_webhook_deliveries_total",
		Help: "Total number of webhook delivery attempts, by outcome.",
	}, []string{"outcome"})

	WebhookExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_webhook_exhausted_total",
		Help: "Total number of webhook attempts given up on after exhausting the retry budget.",
	})

	GroupMessagesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "admp_group_messages_posted_total",
		Help: "Total number of messages posted to groups and fanned out to members.",
	})

	ControlLoopTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admp_control_loop_ticks_total",
		Help: "Total number of control loop ticks, by loop name.",
	}, []string{"loop"})
)
