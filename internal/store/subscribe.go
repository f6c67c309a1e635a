package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const subscriptionReadTimeout = 5 * time.Second

// Listener receives the current value of a key. exists is false after a delete.
type Listener func(value []byte, exists bool)

type subscription struct {
	c   *Client
	key string
	ps  *redis.PubSub
	fn  Listener

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	delivered  bool
	last       []byte
	lastExists bool
}

// Subscribe delivers the current value of key and then every later change, on the
// client's loop. Identical consecutive values are delivered once. The returned func
// stops delivery and may be called from inside fn.
func (c *Client) Subscribe(ctx context.Context, key string, fn Listener) (func(), error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	ps := c.rdb.Subscribe(ctx, c.channel(key))
	// the confirmation guarantees no change published after this point is missed
	if err := c.withRetry(ctx, "subscribe", func() error {
		_, err := ps.Receive(ctx)
		return err
	}); err != nil {
		_ = ps.Close()
		return nil, err
	}

	s := &subscription{c: c, key: key, ps: ps, fn: fn, done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ps.Close()
		return nil, ErrClosed
	}
	c.subs[s] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go s.run()
	return s.cancel, nil
}

// run re-reads the key on every notification and on each resync tick, which covers
// messages lost while the pub/sub connection reconnected. A failed read leaves the
// subscription dirty and is retried with backoff.
func (s *subscription) run() {
	defer s.c.wg.Done()
	ch := s.ps.Channel()
	resync := time.NewTicker(s.c.opts.Resync)
	defer resync.Stop()

	var (
		retry   <-chan time.Time
		attempt int
	)
	check := func() {
		if s.refresh() {
			retry, attempt = nil, 0
			return
		}
		attempt++
		retry = time.After(backoffDuration(s.c.opts.RetryBase, attempt))
	}

	check()
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			check()
		case <-retry:
			check()
		case <-resync.C:
			check()
		}
	}
}

// refresh delivers the current value if it changed. It reports false when the read
// failed and must be repeated.
func (s *subscription) refresh() bool {
	ctx, cancel := context.WithTimeout(context.Background(), subscriptionReadTimeout)
	defer cancel()
	val, exists, err := s.c.Read(ctx, s.key)
	if err != nil {
		if s.isClosed() {
			return true
		}
		s.c.log.Warn("store_subscription_read_error", zap.String("key", s.key), zap.Error(err))
		return false
	}
	if s.delivered && exists == s.lastExists && bytes.Equal(val, s.last) {
		return true
	}
	s.delivered, s.last, s.lastExists = true, val, exists
	s.c.loop.Post(func() {
		if s.isClosed() {
			return
		}
		s.fn(val, exists)
	})
	return true
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *subscription) cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	_ = s.ps.Close()
	s.c.mu.Lock()
	delete(s.c.subs, s)
	s.c.mu.Unlock()
}
