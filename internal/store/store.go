// Package store is the shared data store the clients coordinate through: per-key atomic
// transactions, one-shot reads, change subscriptions and disconnect-triggered deferred
// writes over named records, backed by Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/obslog"
)

type Options struct {
	// Prefix namespaces every Redis key and channel.
	Prefix string
	// RecordTTL is applied to every record write. Zero keeps records forever.
	RecordTTL time.Duration
	// PresenceTTL is how long a connection stays alive without a heartbeat.
	PresenceTTL time.Duration
	Heartbeat   time.Duration

	RetryMax      int
	RetryBase     time.Duration
	TxMaxAttempts int
	// Resync is how often a subscription re-reads its key without a notification.
	Resync time.Duration

	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		Prefix:        "blitz",
		RecordTTL:     24 * time.Hour,
		PresenceTTL:   15 * time.Second,
		Heartbeat:     5 * time.Second,
		RetryMax:      4,
		RetryBase:     100 * time.Millisecond,
		TxMaxAttempts: 32,
		Resync:        5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.Prefix) == "" {
		o.Prefix = d.Prefix
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = d.PresenceTTL
	}
	if o.Heartbeat <= 0 || o.Heartbeat >= o.PresenceTTL {
		o.Heartbeat = o.PresenceTTL / 3
	}
	if o.RetryMax <= 0 {
		o.RetryMax = d.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.TxMaxAttempts <= 0 {
		o.TxMaxAttempts = d.TxMaxAttempts
	}
	if o.Resync <= 0 {
		o.Resync = d.Resync
	}
	if o.Logger == nil {
		o.Logger = obslog.Named("store")
	}
	return o
}

// Client is one connection to the shared store. Its callbacks run on a single event loop.
type Client struct {
	rdb    *redis.Client
	opts   Options
	connID string
	loop   *Loop
	log    *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}

	hbStop chan struct{}
	hbOnce sync.Once
	wg     sync.WaitGroup
}

// New registers a live connection (presence key + heartbeat) on rdb.
// The caller keeps ownership of rdb.
func New(ctx context.Context, rdb *redis.Client, opts Options) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("store: nil redis client")
	}
	opts = opts.withDefaults()
	c := &Client{
		rdb:    rdb,
		opts:   opts,
		connID: uuid.NewString(),
		subs:   make(map[*subscription]struct{}),
		hbStop: make(chan struct{}),
	}
	c.log = opts.Logger.With(zap.String("conn_id", c.connID))
	c.loop = NewLoop(c.log)

	if err := c.withRetry(ctx, "presence", func() error {
		return c.rdb.Set(ctx, c.presenceKey(c.connID), "1", c.opts.PresenceTTL).Err()
	}); err != nil {
		c.loop.Stop()
		return nil, err
	}
	c.wg.Add(1)
	go c.heartbeat()
	c.log.Debug("store_connect")
	return c, nil
}

// ConnID identifies this connection for presence and deferred writes.
func (c *Client) ConnID() string { return c.connID }

// Loop is the event loop callbacks of this client are delivered on.
func (c *Client) Loop() *Loop { return c.loop }

// Redis exposes the underlying client for read-only tooling.
func (c *Client) Redis() *redis.Client { return c.rdb }

// Close detaches subscriptions, stops the heartbeat and drops the presence key, which
// arms every deferred write still registered by this connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}
	c.stopHeartbeat()
	c.wg.Wait()
	c.loop.Stop()

	err := c.rdb.Del(ctx, c.presenceKey(c.connID)).Err()
	c.log.Debug("store_close", zap.Error(err))
	if err != nil && isTransient(err) {
		return fmt.Errorf("%w: close: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) ensureOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Read returns the current value of key.
func (c *Client) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, false, err
	}
	var (
		val    []byte
		exists bool
	)
	err := c.withRetry(ctx, "read", func() error {
		b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			val, exists = nil, false
			return nil
		}
		if err != nil {
			return err
		}
		val, exists = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return val, exists, nil
}

// Write stores value unconditionally.
func (c *Client) Write(ctx context.Context, key string, value []byte) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	err := c.withRetry(ctx, "write", func() error {
		return c.rdb.Set(ctx, c.key(key), value, c.opts.RecordTTL).Err()
	})
	if err != nil {
		return err
	}
	c.notify(ctx, key)
	return nil
}

// Merge shallow-merges patch into the JSON object at key, creating it when absent.
func (c *Client) Merge(ctx context.Context, key string, patch map[string]any) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	_, err := c.applyDeferred(ctx, key, Deferred{Patch: patch}, true)
	return err
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	err := c.withRetry(ctx, "delete", func() error {
		return c.rdb.Del(ctx, c.key(key)).Err()
	})
	if err != nil {
		return err
	}
	c.notify(ctx, key)
	return nil
}

// notify publishes a change hint; subscribers re-read the key.
func (c *Client) notify(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := c.rdb.Publish(ctx, c.channel(k), "1").Err(); err != nil {
			c.log.Warn("store_notify_error", zap.String("key", k), zap.Error(err))
		}
	}
}

func (c *Client) key(logical string) string {
	return c.opts.Prefix + ":" + strings.ReplaceAll(strings.Trim(strings.TrimSpace(logical), "/"), "/", ":")
}

func (c *Client) channel(logical string) string { return c.key("chg/" + logical) }

func (c *Client) presenceKey(connID string) string { return c.key("presence/" + connID) }

func (c *Client) deferredKey(connID string) string { return c.key("deferred/" + connID) }

func (c *Client) ownersKey() string { return c.key("deferred/owners") }
