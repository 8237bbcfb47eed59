package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/syntonia/internal/bus"
	"github.com/mtzanidakis/syntonia/internal/config"
	"github.com/mtzanidakis/syntonia/internal/contextmgr"
	"github.com/mtzanidakis/syntonia/internal/coordinator"
	"github.com/mtzanidakis/syntonia/internal/ipc"
	"github.com/mtzanidakis/syntonia/internal/maintenance"
	"github.com/mtzanidakis/syntonia/internal/memory"
	"github.com/mtzanidakis/syntonia/internal/natsbus"
	"github.com/mtzanidakis/syntonia/internal/predictor"
	"github.com/mtzanidakis/syntonia/internal/store"
	"github.com/mtzanidakis/syntonia/internal/web"
)

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.Log)

	slog.Info("starting syntonia", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store: task ledger, outcomes, message archive and the default
	// memory backend.
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	backend, closeBackend, err := openBackend(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeBackend()

	mem, err := memory.Open(ctx, backend)
	if err != nil {
		return fmt.Errorf("open memory: %w", err)
	}
	slog.Info("memory store loaded", "driver", cfg.Memory.Driver, "entries", mem.Stats().TotalEntries)

	// NATS: embedded unless an external URL is configured
	natsURL := cfg.NATS.URL
	if natsURL == "" {
		srv, err := natsbus.NewServer(cfg.NATS)
		if err != nil {
			return fmt.Errorf("init nats: %w", err)
		}
		defer srv.Close()
		natsURL = srv.ClientURL()
		slog.Info("embedded nats started", "url", natsURL)
	}
	nc, err := natsbus.NewClient(natsURL)
	if err != nil {
		return err
	}
	defer nc.Close()

	busOpts := []bus.Option{bus.WithArchiver(bus.ArchiverFunc(func(ctx context.Context, msgs []bus.Message) error {
		return db.ArchiveMessages(ctx, archiveRecords(msgs))
	}))}
	if cfg.Bus.Mirror {
		busOpts = append(busOpts, bus.WithMirror(nc))
	}
	msgs := bus.New(cfg.Bus, busOpts...)

	contexts, err := contextmgr.New(cfg.Context,
		contextmgr.WithStore(mem),
		contextmgr.WithBus(msgs),
		contextmgr.WithEvents(nc),
	)
	if err != nil {
		return fmt.Errorf("init context manager: %w", err)
	}
	defer contexts.Close()

	history, err := predictor.New(ctx, db)
	if err != nil {
		return fmt.Errorf("init predictor: %w", err)
	}

	coord := coordinator.New(cfg.Coordinator, coordinator.NewRegistry(cfg), contexts, msgs,
		coordinator.WithPredictor(history),
		coordinator.WithMemory(mem),
		coordinator.WithLedger(db),
		coordinator.WithEvents(nc),
	)
	slog.Info("coordinator ready", "pool_size", cfg.Coordinator.PoolSize, "agent_types", len(cfg.AgentTypes))

	control, err := ipc.Serve(nc, coord)
	if err != nil {
		return err
	}
	defer control.Close()

	jobs := maintenance.New(cfg.Maintenance.PollInterval, maintenance.WithEvents(nc))
	if err := addJobs(jobs, cfg.Maintenance, mem, db, msgs, coord); err != nil {
		return err
	}
	go jobs.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, coord, contexts, msgs, version, web.WithEvents(nc), web.WithMemory(mem))
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(ctx, cfg, coord, jobs, mem, db, msgs)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	if err := nc.Flush(); err != nil {
		slog.Warn("nats flush failed", "error", err)
	}
	return nil
}

func addJobs(jobs *maintenance.Runner, cfg config.MaintenanceConfig, mem *memory.Store, db *store.Store, msgs *bus.Bus, coord *coordinator.Coordinator) error {
	if err := jobs.Add("memory_cleanup", cfg.MemoryCleanup, func(ctx context.Context) (int, error) {
		n, err := mem.Cleanup(ctx)
		if err != nil {
			return n, err
		}
		purged, err := db.PurgeExpired(ctx, time.Now())
		return n + int(purged), err
	}); err != nil {
		return err
	}
	if err := jobs.Add("bus_gc", cfg.BusGC, func(ctx context.Context) (int, error) {
		return msgs.Sweep(ctx, time.Now())
	}); err != nil {
		return err
	}
	return jobs.Add("idle_reap", cfg.IdleReap, func(ctx context.Context) (int, error) {
		return coord.ReapIdle(ctx), nil
	})
}

func reload(ctx context.Context, cur *config.Config, coord *coordinator.Coordinator, jobs *maintenance.Runner, mem *memory.Store, db *store.Store, msgs *bus.Bus) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed", "error", err)
		return cur
	}

	diff := config.Diff(cur, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return next
	}

	if len(diff.AgentTypesAdded)+len(diff.AgentTypesRemoved)+len(diff.AgentTypesChanged) > 0 ||
		diff.PoolSizeChanged || diff.IdleTimeoutChanged {
		coord.Reload(ctx, next)
	}
	if diff.MaintenanceChanged {
		if err := addJobs(jobs, diff.NewMaintenance, mem, db, msgs, coord); err != nil {
			slog.Error("maintenance reload failed", "error", err)
		}
		jobs.UpdateConfig(diff.NewMaintenance.PollInterval)
	}
	setupLogger(next.Log)
	slog.Info("config reloaded",
		"agent_types_added", diff.AgentTypesAdded,
		"agent_types_removed", diff.AgentTypesRemoved,
		"pool_size", next.Coordinator.PoolSize)
	return next
}

func archiveRecords(msgs []bus.Message) []store.MessageRecord {
	out := make([]store.MessageRecord, len(msgs))
	for i, m := range msgs {
		out[i] = store.MessageRecord{
			ID:        m.ID,
			Sender:    m.From,
			Recipient: m.To,
			Priority:  m.Priority.String(),
			Status:    m.Status.String(),
			Reason:    m.Reason,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		}
	}
	return out
}
