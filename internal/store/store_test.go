package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPresenceTTL = 10 * time.Second

func newTestClient(t *testing.T, mr *miniredis.Miniredis, opts ...func(*Options)) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	o := Options{
		Prefix:      "t",
		PresenceTTL: testPresenceTTL,
		Heartbeat:   5 * time.Second,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(context.Background(), rdb, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestTransactDecisions(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()

	res, err := c.Transact(ctx, "queue/ticket", func(cur []byte, exists bool) Decision {
		assert.False(t, exists)
		return Put([]byte(`{"user_id":"A"}`))
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, mr.Exists("t:queue:ticket"))

	res, err = c.Transact(ctx, "queue/ticket", func(cur []byte, exists bool) Decision {
		return Abort()
	})
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.JSONEq(t, `{"user_id":"A"}`, string(res.Value))

	res, err = c.Transact(ctx, "queue/ticket", func(cur []byte, exists bool) Decision {
		return Keep()
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.True(t, res.Exists)

	res, err = c.Transact(ctx, "queue/ticket", func(cur []byte, exists bool) Decision {
		return Remove()
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.False(t, mr.Exists("t:queue:ticket"))
}

func TestTransactSideWritesCommitTogether(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "queue/ticket", []byte(`{"user_id":"A"}`)))
	require.NoError(t, c.Write(ctx, "stale", []byte(`1`)))

	res, err := c.Transact(ctx, "queue/ticket", func(cur []byte, exists bool) Decision {
		return Remove().With(
			Set("games/g1", []byte(`{"id":"g1"}`)),
			Set("playerGames/A", []byte(`{"game_id":"g1"}`)),
			Del("stale"),
		)
	})
	require.NoError(t, err)
	assert.True(t, res.Committed)

	v, ok, err := c.Read(ctx, "games/g1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"id":"g1"}`, string(v))
	_, ok, err = c.Read(ctx, "playerGames/A")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = c.Read(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("t:queue:ticket"))
}

func TestTransactSerializesConcurrentWriters(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()

	const workers = 12
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Transact(ctx, "counter", func(cur []byte, exists bool) Decision {
				n := 0
				if exists {
					n, _ = strconv.Atoi(string(cur))
				}
				return Put([]byte(strconv.Itoa(n + 1)))
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, ok, err := c.Read(ctx, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(workers), string(v))
}

type change struct {
	value  string
	exists bool
}

func TestSubscribeDeliversCurrentThenChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "games/g1", []byte(`"a"`)))

	got := make(chan change, 8)
	stop, err := c.Subscribe(ctx, "games/g1", func(v []byte, exists bool) {
		got <- change{string(v), exists}
	})
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, change{`"a"`, true}, recv(t, got))

	require.NoError(t, c.Write(ctx, "games/g1", []byte(`"b"`)))
	assert.Equal(t, change{`"b"`, true}, recv(t, got))

	// unchanged value is not delivered again
	require.NoError(t, c.Write(ctx, "games/g1", []byte(`"b"`)))
	require.NoError(t, c.Delete(ctx, "games/g1"))
	assert.Equal(t, change{"", false}, recv(t, got))
}

func TestSubscribeStopFromCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()

	got := make(chan change, 8)
	var stop func()
	var once sync.Once
	ready := make(chan struct{})
	stop, err := c.Subscribe(ctx, "k", func(v []byte, exists bool) {
		<-ready
		got <- change{string(v), exists}
		once.Do(stop)
	})
	require.NoError(t, err)
	close(ready)

	assert.Equal(t, change{"", false}, recv(t, got))
	require.NoError(t, c.Write(ctx, "k", []byte(`1`)))
	select {
	case ch := <-got:
		require.Failf(t, "unexpected delivery after stop", "%+v", ch)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeRetriesFailedRead(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()
	require.NoError(t, c.Write(ctx, "games/g1", []byte(`{"version":1}`)))

	got := make(chan change, 8)
	stop, err := c.Subscribe(ctx, "games/g1", func(v []byte, exists bool) {
		got <- change{string(v), exists}
	})
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, change{`{"version":1}`, true}, recv(t, got))

	// the notification arrives while reads fail
	mr.SetError("LOADING server is loading")
	require.NoError(t, mr.Set("t:games:g1", `{"version":2}`))
	mr.Publish(c.channel("games/g1"), "1")
	time.Sleep(50 * time.Millisecond)
	mr.SetError("")

	assert.Equal(t, change{`{"version":2}`, true}, recv(t, got))
}

func TestSubscribeResyncsWithoutNotification(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr, func(o *Options) { o.Resync = 20 * time.Millisecond })
	ctx := context.Background()

	got := make(chan change, 8)
	stop, err := c.Subscribe(ctx, "games/g1", func(v []byte, exists bool) {
		got <- change{string(v), exists}
	})
	require.NoError(t, err)
	defer stop()
	assert.Equal(t, change{"", false}, recv(t, got))

	// written behind the store's back, as if the publish was lost in a reconnect
	require.NoError(t, mr.Set("t:games:g1", `{"version":1}`))
	assert.Equal(t, change{`{"version":1}`, true}, recv(t, got))
}

func recv(t *testing.T, ch <-chan change) change {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for change")
		return change{}
	}
}

func TestMergeCreatesAndPatches(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	ctx := context.Background()

	require.NoError(t, c.Merge(ctx, "games/g1", map[string]any{"status": "active", "version": 1}))
	require.NoError(t, c.Merge(ctx, "games/g1", map[string]any{"winner_id": "B"}))

	v, ok, err := c.Read(ctx, "games/g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"status":"active","version":1,"winner_id":"B"}`, string(v))
}

func TestReadUnavailableAfterBoundedRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	mr.Close()

	_, _, err := c.Read(context.Background(), "games/g1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "got %v", err)
}

func TestClosedClientRejectsWrites(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestClient(t, mr)
	require.NoError(t, c.Close(context.Background()))
	assert.ErrorIs(t, c.Write(context.Background(), "k", []byte(`1`)), ErrClosed)
	assert.False(t, mr.Exists(c.presenceKey(c.ConnID())))
}

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop(nil)
	defer l.Stop()

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		i := i
		l.Post(func() {
			mu.Lock()
			seen = append(seen, i)
			mu.Unlock()
			if i == 49 {
				close(done)
			}
		})
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		require.Equal(t, i, v, "out of order: %v", seen)
	}
}

func TestLoopRecoversPanicAndStops(t *testing.T) {
	l := NewLoop(nil)
	done := make(chan struct{})
	l.Post(func() { panic("boom") })
	l.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "loop stalled after panic")
	}
	l.Stop()
	assert.False(t, l.Post(func() {}))
}
