// Command observer runs the external watcher: the life-state machine,
// the vote rounds, the budget poller, and the public API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/talgya/amialive/internal/config"
	"github.com/talgya/amialive/internal/lifecycle"
	"github.com/talgya/amialive/internal/observer"
	"github.com/talgya/amialive/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.ValidateObserver(); err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("opening store failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	brain := observer.NewBrainClient(cfg.BrainURL, cfg.InternalAPIKey)

	mgr := lifecycle.NewManager(db, brain)
	mgr.RespawnDelayMin = cfg.RespawnDelayMin
	mgr.RespawnDelayMax = cfg.RespawnDelayMax
	mgr.VotingWindow = cfg.VotingWindow
	if err := mgr.Restore(); err != nil {
		slog.Error("restoring state failed", "error", err)
		os.Exit(1)
	}

	auth := observer.NewAuth(cfg.AdminToken, cfg.InternalAPIKey, cfg.IPSalt,
		cfg.LocalNetworkCIDR, cfg.TrustedProxyCIDR)

	srv := observer.NewServer(cfg.ObserverPort, db, mgr, brain, auth)
	srv.Start()

	snap := mgr.Snapshot()
	slog.Info("observer running", "state", snap.State, "life", snap.LifeNumber)

	// A dead cold start schedules the first birth.
	if snap.State == lifecycle.StateDead {
		mgr.ScheduleRespawn()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv.RunLoops(ctx, cfg.SyncInterval, cfg.BudgetPollInterval)
	slog.Info("observer stopped")
}
