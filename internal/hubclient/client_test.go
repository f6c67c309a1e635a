package hubclient

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/hub"
	"github.com/park285/cheese-blitz/internal/store"
	"github.com/park285/cheese-blitz/pkg/blitzdto"
)

type fixture struct {
	mr  *miniredis.Miniredis
	st  *store.Client
	hub *hub.Server
	cli *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	st, err := store.New(context.Background(), rdb, store.Options{Prefix: "t", RetryMax: 1, RetryBase: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })

	srv := hub.New(st)
	ln := fasthttputil.NewInmemoryListener()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeAPIListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	cli := NewClient("http://hub", WithRetry(2), WithDialer(func(string) (net.Conn, error) { return ln.Dial() }))
	return &fixture{mr: mr, st: st, hub: srv, cli: cli}
}

func (f *fixture) putSession(t *testing.T, s *domain.Session) {
	t.Helper()
	raw, err := domain.Encode(s)
	require.NoError(t, err)
	require.NoError(t, f.st.Write(context.Background(), domain.GameKey(s.ID), raw))
}

func TestClientReadsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	h, err := f.cli.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)

	_, waiting, err := f.cli.Queue(ctx)
	require.NoError(t, err)
	assert.False(t, waiting)

	raw, err := domain.Encode(&domain.Ticket{UserID: "A", Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, f.st.Write(ctx, domain.TicketKey, raw))
	q, waiting, err := f.cli.Queue(ctx)
	require.NoError(t, err)
	require.True(t, waiting)
	assert.Equal(t, "A", q.UserID)

	f.putSession(t, domain.NewSession("g1", "A", "B", domain.DefaultClockMillis, time.Now().UnixMilli()))
	g, err := f.cli.Game(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "A", g.WhiteID)
	assert.Equal(t, int64(1), g.Version)

	_, err = f.cli.Game(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClientRetriesThenReportsOutage(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	_, err := f.cli.Game(context.Background(), "g1")
	require.Error(t, err)
	var body blitzdto.ErrorBody
	require.True(t, errors.As(err, &body))
	assert.Equal(t, blitzdto.CodeUnavailable, body.Code)
	assert.True(t, body.Retryable)
}

func TestWatcherFollowsUntilFinished(t *testing.T) {
	f := newFixture(t)
	s := domain.NewSession("g1", "A", "B", domain.DefaultClockMillis, time.Now().UnixMilli())
	f.putSession(t, s)

	ts := httptest.NewServer(f.hub.WatchHandler())
	t.Cleanup(ts.Close)
	w := NewWatcher("ws"+strings.TrimPrefix(ts.URL, "http"), 0)

	var (
		mu    sync.Mutex
		views []blitzdto.GameView
	)
	seen := make(chan int64, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- w.Watch(ctx, "g1", func(v blitzdto.GameView) {
			mu.Lock()
			views = append(views, v)
			mu.Unlock()
			seen <- v.Version
		})
	}()

	require.Equal(t, int64(1), <-seen)
	s.Status = domain.StatusFinished
	s.WinnerID = "B"
	s.EndReason = domain.EndTimeout
	s.WhiteTimeRemaining = 0
	s.Version = 2
	f.putSession(t, s)
	require.Equal(t, int64(2), <-seen)

	require.NoError(t, <-done)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, "finished", views[1].Status)
	assert.Equal(t, "0:00", views[1].WhiteClock)
}

func TestWatcherGivesUp(t *testing.T) {
	w := NewWatcher("ws://127.0.0.1:1", 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.Watch(ctx, "g1", func(blitzdto.GameView) {})
	assert.ErrorIs(t, err, ErrWatchFailed)
}
