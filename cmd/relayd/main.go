// Command relayd runs the ADMP relay server: the HTTP surface, the
// background control loops, and the storage backend they share.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/admp/relay/internal/agent"
	"github.com/admp/relay/internal/api"
	"github.com/admp/relay/internal/authn"
	"github.com/admp/relay/internal/clock"
	"github.com/admp/relay/internal/config"
	"github.com/admp/relay/internal/controlloop"
	"github.com/admp/relay/internal/cryptoutil"
	"github.com/admp/relay/internal/envelope"
	"github.com/admp/relay/internal/events"
	"github.com/admp/relay/internal/group"
	"github.com/admp/relay/internal/lifecycle"
	"github.com/admp/relay/internal/logging"
	"github.com/admp/relay/internal/store"
	"github.com/admp/relay/internal/webhook"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	if commit != "" && commit != "unknown" {
		return version + " (" + commit + ")"
	}
	return version
}

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogJSON)
	fmt.Println("admp-relay " + versionString())
	fmt.Printf("STORAGE_BACKEND=%s PORT=%s REGISTRATION_POLICY=%s\n", cfg.StorageBackend, cfg.Port, cfg.RegistrationPolicy)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	s, closeStore, err := openStore(cfg)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	clk := clock.Real{}

	a := authn.New(s, cfg, clk, log)
	lc := lifecycle.New(s, cfg, clk, log)
	grp := group.New(s, lc, clk, log)
	ag := agent.New(s, cfg, clk, log)
	disp := webhook.New(s, clk, log)
	bus := events.New()

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, ag, grp, log); err != nil {
			log.Error("failed to apply seed file", "error", err)
			os.Exit(1)
		}
	}

	// OnPublish feeds the websocket inbox stream; OnDelivered feeds the
	// webhook retry dispatcher. Both are decoupled from Send itself so
	// lifecycle stays ignorant of HTTP and of the event bus (§4.4.1, §4.6).
	lc.OnPublish = func(ctx context.Context, rec *envelope.Record) {
		bus.Publish(events.DeliveryEvent{AgentID: rec.Recipient, Record: rec})
	}
	lc.OnDelivered = disp.Enqueue

	sup := controlloop.New(s, lc, disp, cfg, clk, log)
	if err := sup.Start(ctx); err != nil {
		log.Error("failed to start control loops", "error", err)
		os.Exit(1)
	}

	srv := api.New(a, lc, grp, ag, disp, bus, cfg, clk, log)

	go func() {
		addr := net.JoinHostPort("", cfg.Port)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.HeartbeatTimeout())
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error("http shutdown error", "error", err)
	}
	sup.Stop()
}

// applySeed pre-provisions agents and groups named in a seed file, skipping
// any that already exist (idempotent across restarts of a durable store).
func applySeed(ctx context.Context, path string, ag *agent.Engine, grp *group.Engine, log *logging.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, sa := range seed.Agents {
		pub, derr := cryptoutil.DecodeBase64(sa.PublicKey)
		if derr != nil {
			return fmt.Errorf("seed agent %q: decode public_key: %w", sa.ID, derr)
		}
		if _, _, aerr := ag.Register(ctx, sa.ID, sa.Kind, pub, false); aerr != nil {
			if aerr.Kind == agent.KindConflict {
				log.Info("seed agent already registered", "agent_id", sa.ID)
				continue
			}
			return fmt.Errorf("seed agent %q: %w", sa.ID, aerr)
		}
		log.Info("seeded agent", "agent_id", sa.ID)
	}
	for _, sg := range seed.Groups {
		g := store.Group{ID: sg.ID, Name: sg.Name, AccessType: sg.AccessType}
		if gerr := grp.Create(ctx, &g, sg.CreatedBy); gerr != nil {
			if gerr.Kind == group.KindConflict {
				log.Info("seed group already exists", "group_id", sg.ID)
				continue
			}
			return fmt.Errorf("seed group %q: %w", sg.ID, gerr)
		}
		log.Info("seeded group", "group_id", sg.ID)
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.StorageBackend {
	case "bolt":
		bs, err := store.OpenBolt(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	default:
		ms := store.NewMemStore()
		return ms, func() error { return nil }, nil
	}
}
