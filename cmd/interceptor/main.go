// Command interceptor runs the forward proxy that scans the agent's
// outbound traffic for secrets. Captured values go to the private vault;
// the mirrored traffic log only ever contains redacted forms.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/talgya/amialive/internal/config"
	"github.com/talgya/amialive/internal/vault"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	vaultDir := filepath.Join(cfg.DataDir, "vault")
	transport := vault.NewTransport(vault.NewStore(vaultDir), vault.NewTrafficLog(vaultDir))
	proxy := &vault.Proxy{Transport: transport}

	addr := fmt.Sprintf(":%d", cfg.InterceptorPort)
	slog.Info("interceptor starting", "addr", addr, "vault_dir", vaultDir)

	if err := http.ListenAndServe(addr, proxy); err != nil {
		slog.Error("interceptor failed", "error", err)
		os.Exit(1)
	}
}
