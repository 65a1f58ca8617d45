// Command brain runs the agent process: the think-act loop and its
// loopback control API. It does nothing until the observer announces a
// birth.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/talgya/amialive/internal/brain"
	"github.com/talgya/amialive/internal/config"
	"github.com/talgya/amialive/internal/credit"
	"github.com/talgya/amialive/internal/gateway"
	"github.com/talgya/amialive/internal/vault"
	"github.com/talgya/amialive/internal/weather"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	if err := cfg.ValidateBrain(); err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	// All outbound model traffic routes through the secret-scanning
	// transport so credentials never reach logs or the model.
	vaultDir := filepath.Join(cfg.DataDir, "vault")
	transport := vault.NewTransport(vault.NewStore(vaultDir), vault.NewTrafficLog(vaultDir))

	gw := gateway.NewClient(cfg.ModelGatewayKey, cfg.ModelGatewayURL, transport)
	if !gw.Enabled() {
		slog.Warn("MODEL_GATEWAY_KEY not set, the entity will not think")
	}

	// The ledger survives death; a brain that cannot account for its
	// spending must not start.
	ledger, err := credit.Open(filepath.Join(cfg.DataDir, "credits", "balance.json"), cfg.MonthlyBudgetUSD)
	if err != nil {
		slog.Error("opening ledger failed", "error", err)
		os.Exit(1)
	}

	b := &brain.Brain{
		Observer:       brain.NewObserverClient(cfg.ObserverURL, cfg.InternalAPIKey),
		Gateway:        gw,
		Rotator:        gateway.NewRotator(gateway.DefaultCatalog, ""),
		Weather:        weather.NewClient(cfg.WeatherLat, cfg.WeatherLon, cfg.WeatherPlace),
		Ledger:         ledger,
		WorkspaceDir:   cfg.WorkspaceDir,
		SwitchFloorUSD: cfg.SwitchFloorUSD,
		ThinkMin:       cfg.ThinkIntervalMin,
		ThinkMax:       cfg.ThinkIntervalMax,
	}

	// A crash mid-life leaves identity.json behind; resume that life
	// rather than waiting for a sync repair.
	if id, err := brain.LoadIdentity(cfg.WorkspaceDir); err == nil && id != nil {
		slog.Info("resuming life from workspace", "life", id.LifeNumber, "name", id.Name)
		b.Resume(id)
	}

	srv := &brain.Server{
		Port:        cfg.BrainPort,
		InternalKey: cfg.InternalAPIKey,
		Brain:       b,
	}
	srv.Start()

	waitForObserver(cfg.ObserverURL)
	slog.Info("brain running", "observer", cfg.ObserverURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	// A process exit is not a death: keep the workspace so the next
	// start resumes the same life.
	b.Suspend()
	slog.Info("brain stopped")
}

// waitForObserver blocks until the observer answers /health. Process
// supervision only orders starts, not HTTP readiness.
func waitForObserver(baseURL string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for attempt := 0; attempt < 30; attempt++ {
		resp, err := client.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(2 * time.Second)
	}
	slog.Warn("observer not reachable, continuing anyway")
}
