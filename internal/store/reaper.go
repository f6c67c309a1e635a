package store

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Reaper applies the deferred writes of connections whose presence key has expired or
// was dropped. Any number of reapers may run; each entry is claimed by exactly one.
type Reaper struct {
	c        *Client
	interval time.Duration
	log      *zap.Logger
}

func NewReaper(c *Client, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reaper{c: c, interval: interval, log: c.log.Named("reaper")}
}

// Sweep runs one pass and returns how many deferred writes took effect.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	c := r.c
	if err := c.ensureOpen(); err != nil {
		return 0, err
	}
	var owners []string
	if err := c.withRetry(ctx, "reaper_owners", func() error {
		var err error
		owners, err = c.rdb.SMembers(ctx, c.ownersKey()).Result()
		return err
	}); err != nil {
		return 0, err
	}

	applied := 0
	var errs []error
	for _, owner := range owners {
		n, err := r.sweepOwner(ctx, owner)
		applied += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}

func (r *Reaper) sweepOwner(ctx context.Context, owner string) (int, error) {
	c := r.c
	alive, err := c.rdb.Exists(ctx, c.presenceKey(owner)).Result()
	if err != nil {
		return 0, err
	}
	if alive > 0 {
		return 0, nil
	}
	hk := c.deferredKey(owner)
	entries, err := c.rdb.HGetAll(ctx, hk).Result()
	if err != nil {
		return 0, err
	}

	applied := 0
	var errs []error
	for name, raw := range entries {
		claimed, err := c.rdb.HDel(ctx, hk, name).Result()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if claimed == 0 {
			continue
		}
		var d Deferred
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			r.log.Warn("reaper_bad_entry", zap.String("owner", owner), zap.String("name", name), zap.Error(err))
			continue
		}
		key := d.target(name)
		ok, err := c.applyDeferred(ctx, key, d, false)
		if err != nil {
			r.log.Warn("reaper_apply_error", zap.String("owner", owner), zap.String("key", key), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if ok {
			applied++
		}
		r.log.Info("reaper_applied",
			zap.String("owner", owner),
			zap.String("key", key),
			zap.Bool("delete", d.Delete),
			zap.Bool("effective", ok),
		)
	}

	if left, err := c.rdb.HLen(ctx, hk).Result(); err == nil && left == 0 {
		_ = c.rdb.SRem(ctx, c.ownersKey(), owner).Err()
	}
	return applied, errors.Join(errs...)
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				r.log.Warn("reaper_sweep_error", zap.Error(err))
			}
		}
	}
}
