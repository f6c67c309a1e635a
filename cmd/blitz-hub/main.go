// Command blitz-hub observes the shared store: it settles deferred writes of dead
// clients and serves the status API and the watch stream.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/builder"
	appcfg "github.com/park285/cheese-blitz/internal/config"
	"github.com/park285/cheese-blitz/internal/hub"
	"github.com/park285/cheese-blitz/internal/obslog"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.Named("blitz-hub")
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := builder.New(ctx, cfg, obslog.L())
	if err != nil {
		logger.Fatal("init_error", zap.Error(err))
	}

	logger.Info("hub_start",
		zap.String("api_addr", cfg.HubHTTPAddr),
		zap.String("watch_addr", cfg.HubWatchAddr),
		zap.String("prefix", cfg.KeyPrefix),
	)
	srv := hub.New(deps.Store)
	if err := srv.Run(ctx, cfg.HubHTTPAddr, cfg.HubWatchAddr, cfg.ReaperInterval()); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("hub_exit", zap.Error(err))
	}
	if err := deps.Close(context.Background()); err != nil {
		logger.Warn("close_error", zap.Error(err))
	}
	logger.Info("hub_stopped")
}
