// Package controlloop runs the relay's four background loops (§4.7):
// lease-reclaim, ttl-sweep, heartbeat-timeout, and webhook-retry. Cadences
// are cron-style schedules read from Config, in the teacher's scheduler
// idiom but driven by a real scheduling library instead of a hand-rolled
// clock.After select loop, since the loops' mutation work already goes
// through injectable-clock store calls and doesn't need the cadence itself
// to be fake-clock-driven.
package controlloop

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/metrics"
	"github.com/admp/relay/internal/store"
	"github.com/admp/relay/internal/webhook"
)

// Batch bounds how many records each tick processes (§4.7: "bounded ...
// processes at most a configurable batch per tick").
const Batch = 200

// Supervisor owns the cron schedule and entry ids for all four loops so
// their cadence can be changed at runtime (mirrors the teacher's
// SetPollInterval/resetCh idiom, adapted to cron's AddFunc/Remove).
type Supervisor struct {
	cron   *cron.Cron
	cfg    *config.Config
	clock  clock.Clock
	log    *logging.Logger
	store  store.Store
	lc     *lifecycle.Engine
	disp   *webhook.Dispatcher

	reclaimID   cron.EntryID
	ttlID       cron.EntryID
	heartbeatID cron.EntryID
	webhookID   cron.EntryID
}

// New creates a Supervisor wired to the relay's store, lifecycle engine, and
// webhook dispatcher.
func New(s store.Store, lc *lifecycle.Engine, disp *webhook.Dispatcher, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Supervisor {
	return &Supervisor{
		cron:  cron.New(),
		cfg:   cfg,
		clock: clk,
		log:   log,
		store: s,
		lc:    lc,
		disp:  disp,
	}
}

// Start schedules all four loops and begins running them. Call Stop to
// drain in-flight ticks on shutdown.
func (sp *Supervisor) Start(ctx context.Context) error {
	var err error
	if sp.reclaimID, err = sp.cron.AddFunc(everySpec(sp.cfg.LeaseReclaimInterval()), func() { sp.TriggerReclaim(ctx) }); err != nil {
		return fmt.Errorf("schedule lease-reclaim: %w", err)
	}
	if sp.ttlID, err = sp.cron.AddFunc(everySpec(sp.cfg.CleanupInterval()), func() { sp.TriggerTTLSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule ttl-sweep: %w", err)
	}
	if sp.heartbeatID, err = sp.cron.AddFunc(everySpec(sp.cfg.HeartbeatTimeout()), func() { sp.TriggerHeartbeatSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat-timeout: %w", err)
	}
	// webhook-retry is driven by each attempt's own next_try (§4.7), so it
	// runs on a short fixed tick rather than a configurable cadence.
	if sp.webhookID, err = sp.cron.AddFunc("@every 5s", func() { sp.TriggerWebhookRetry(ctx) }); err != nil {
		return fmt.Errorf("schedule webhook-retry: %w", err)
	}
	sp.cron.Start()
	return nil
}

// Stop waits for in-flight loop ticks to finish, then halts scheduling.
func (sp *Supervisor) Stop() {
	stopCtx := sp.cron.Stop()
	<-stopCtx.Done()
}

// ApplyIntervalChanges re-reads the lease-reclaim, ttl-sweep and
// heartbeat-timeout cadences from Config and reschedules all three, whether
// or not they changed. Called after an admin updates a runtime setting.
func (sp *Supervisor) ApplyIntervalChanges(ctx context.Context) error {
	sp.cron.Remove(sp.reclaimID)
	sp.cron.Remove(sp.ttlID)
	sp.cron.Remove(sp.heartbeatID)
	var err error
	if sp.reclaimID, err = sp.cron.AddFunc(everySpec(sp.cfg.LeaseReclaimInterval()), func() { sp.TriggerReclaim(ctx) }); err != nil {
		return err
	}
	if sp.ttlID, err = sp.cron.AddFunc(everySpec(sp.cfg.CleanupInterval()), func() { sp.TriggerTTLSweep(ctx) }); err != nil {
		return err
	}
	if sp.heartbeatID, err = sp.cron.AddFunc(everySpec(sp.cfg.HeartbeatTimeout()), func() { sp.TriggerHeartbeatSweep(ctx) }); err != nil {
		return err
	}
	sp.log.Info("control loop cadences reloaded",
		"lease_reclaim_interval", sp.cfg.LeaseReclaimInterval(),
		"cleanup_interval", sp.cfg.CleanupInterval(),
		"heartbeat_timeout", sp.cfg.HeartbeatTimeout())
	return nil
}

// TriggerReclaim runs one pass of the reclaim loop immediately (§4.4.6).
func (sp *Supervisor) TriggerReclaim(ctx context.Context) {
	metrics.ControlLoopTicks.WithLabelValues("lease_reclaim").Inc()
	n, err := sp.lc.ReclaimExpiredLeases(ctx, Batch)
	if err != nil {
		sp.log.Error("lease-reclaim tick failed", "error", err)
		return
	}
	if n > 0 {
		sp.log.Info("lease-reclaim tick", "reclaimed", n)
	}
}

// TriggerTTLSweep runs one pass of the TTL-sweep loop immediately (§4.4.7).
func (sp *Supervisor) TriggerTTLSweep(ctx context.Context) {
	metrics.ControlLoopTicks.WithLabelValues("ttl_sweep").Inc()
	n, err := sp.lc.ExpireTTL(ctx, Batch)
	if err != nil {
		sp.log.Error("ttl-sweep tick failed", "error", err)
		return
	}
	if n > 0 {
		sp.log.Info("ttl-sweep tick", "expired", n)
	}
}

// TriggerHeartbeatSweep marks agents offline once their last heartbeat is
// older than heartbeat_timeout_ms (§4.7).
func (sp *Supervisor) TriggerHeartbeatSweep(ctx context.Context) {
	metrics.ControlLoopTicks.WithLabelValues("heartbeat_timeout").Inc()
	agents, err := sp.store.ListAgents(ctx)
	if err != nil {
		sp.log.Error("heartbeat-timeout tick failed to list agents", "error", err)
		return
	}
	cutoff := sp.clock.Now().Add(-sp.cfg.HeartbeatTimeout())
	var stale []string
	online := 0
	for _, a := range agents {
		if a.LastHeartbeat.IsZero() || a.LastHeartbeat.After(cutoff) {
			online++
			continue
		}
		stale = append(stale, a.ID)
	}
	metrics.AgentsOnline.Set(float64(online))
	if len(stale) == 0 {
		return
	}
	if err := sp.store.MarkOffline(ctx, stale); err != nil {
		sp.log.Error("heartbeat-timeout tick failed to mark offline", "error", err)
		return
	}
	sp.log.Info("heartbeat-timeout tick", "marked_offline", len(stale))
}

// TriggerWebhookRetry drains due webhook attempts immediately (§4.6, §4.7).
func (sp *Supervisor) TriggerWebhookRetry(ctx context.Context) {
	metrics.ControlLoopTicks.WithLabelValues("webhook_retry").Inc()
	sent, retried, failed, err := sp.disp.RunOnce(ctx, Batch)
	if err != nil {
		sp.log.Error("webhook-retry tick failed", "error", err)
		return
	}
	if sent+retried+failed > 0 {
		sp.log.Info("webhook-retry tick", "sent", sent, "retried", retried, "failed", failed)
	}
}

// everySpec converts a Duration into cron's "@every" schedule syntax,
// rounded to the nearest whole second with a 1s floor (cron's minimum
// resolution).
func everySpec(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return fmt.Sprintf("@every %s", d.Round(time.Second))
}
