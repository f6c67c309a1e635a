// Command blitz-bot is a headless client: it joins matchmaking, plays random legal
// moves and exits when its game ends. Run two to exercise the whole protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-blitz/internal/builder"
	appcfg "github.com/park285/cheese-blitz/internal/config"
	"github.com/park285/cheese-blitz/internal/obslog"
)

func main() {
	games := flag.Int("games", 1, "number of games to play in a row")
	flag.Parse()

	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.Named("blitz-bot")
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := appcfg.Load()
	if err != nil {
		logger.Fatal("config_error", zap.Error(err))
	}
	userID := strings.TrimSpace(cfg.BotUserID)
	if userID == "" {
		userID = "bot-" + uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := builder.New(ctx, cfg, obslog.L())
	if err != nil {
		logger.Fatal("init_error", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// dead opponents are settled by whichever client sweeps first
		err := deps.NewReaper().Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stop()
		b := newBot(deps, userID, cfg.BotThink(), logger)
		for i := 0; i < *games; i++ {
			if _, err := b.play(gctx); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot_exit", zap.Error(err))
	}
	if err := deps.Close(context.Background()); err != nil {
		logger.Warn("close_error", zap.Error(err))
	}
}
