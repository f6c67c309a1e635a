// Package builder wires configuration into a connected store and the per-client managers.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/config"
	"github.com/park285/cheese-blitz/internal/msgcat"
	"github.com/park285/cheese-blitz/internal/pvpchess"
	"github.com/park285/cheese-blitz/internal/pvpmatch"
	"github.com/park285/cheese-blitz/internal/rules"
	"github.com/park285/cheese-blitz/internal/store"
)

const pingTimeout = 5 * time.Second

type Deps struct {
	Config   *config.AppConfig
	Redis    *redis.Client
	Store    *store.Client
	Matcher  *pvpmatch.Coordinator
	Engine   rules.Engine
	Messages *msgcat.Catalog

	dev *miniredis.Miniredis
}

func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	catalog, err := msgcat.New(strings.TrimSpace(cfg.MessagesDir))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	d := &Deps{Config: cfg, Engine: rules.NewStandard(), Messages: catalog}

	// Redis (or an in-process stand-in for local runs)
	var ropts *redis.Options
	if strings.TrimSpace(cfg.RedisURL) != "" {
		ropts, err = redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	} else {
		if !cfg.DevInMemoryStore {
			return nil, fmt.Errorf("REDIS_URL is required (or DEV_INMEMORY_STORE=true)")
		}
		d.dev, err = miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("start in-memory store: %w", err)
		}
		logger.Warn("builder_inmemory_store", zap.String("addr", d.dev.Addr()))
		ropts = &redis.Options{Addr: d.dev.Addr()}
	}
	d.Redis = redis.NewClient(ropts)

	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := d.Redis.Ping(pctx).Err(); err != nil {
		d.release()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	d.Store, err = store.New(ctx, d.Redis, store.Options{
		Prefix:        cfg.KeyPrefix,
		RecordTTL:     cfg.RecordTTL(),
		PresenceTTL:   cfg.PresenceTTL(),
		Heartbeat:     cfg.Heartbeat(),
		RetryMax:      cfg.StoreRetryMax,
		RetryBase:     cfg.StoreRetryBase(),
		TxMaxAttempts: cfg.TxMaxAttempts,
		Logger:        logger.Named("store"),
	})
	if err != nil {
		d.release()
		return nil, fmt.Errorf("connect store: %w", err)
	}

	d.Matcher = pvpmatch.NewCoordinator(d.Store, pvpmatch.WithInitialClock(cfg.InitialClockMs))
	return d, nil
}

// NewSession builds the game session for a match this client was placed into.
func (d *Deps) NewSession(userID string, m pvpmatch.MatchResult) *pvpchess.Session {
	return pvpchess.New(d.Store, userID, m, pvpchess.WithEngine(d.Engine))
}

// NewReaper sweeps with the configured interval.
func (d *Deps) NewReaper() *store.Reaper {
	return store.NewReaper(d.Store, d.Config.ReaperInterval())
}

// Close drops the connection. Deferred writes registered by this client become due.
func (d *Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Store != nil {
		errs = append(errs, d.Store.Close(ctx))
	}
	errs = append(errs, d.release())
	return errors.Join(errs...)
}

func (d *Deps) release() error {
	var err error
	if d.Redis != nil {
		err = d.Redis.Close()
	}
	if d.dev != nil {
		d.dev.Close()
	}
	return err
}
