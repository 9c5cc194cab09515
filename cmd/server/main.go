// Peermint settlement core - P2P fiat/stablecoin order and escrow engine
package main

import (
	"context"
	"os"

	"github.com/peermint/settlement/internal/config"
	"github.com/peermint/settlement/internal/logging"
	"github.com/peermint/settlement/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting settlement core",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"primary", cfg.IsPrimary(),
		"mock_mode", cfg.MockMode,
	)

	srv, err := server.New(cfg, server.WithLogger(logging.New(cfg.LogLevel, "json")))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
