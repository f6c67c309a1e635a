package hubclient

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/pkg/blitzdto"
)

// ErrWatchFailed is returned once reconnecting gave up.
var ErrWatchFailed = errors.New("hub: watch failed")

type ViewCallback func(v blitzdto.GameView)

// Watcher follows one game on the hub's watch stream and reconnects on abnormal drops.
type Watcher struct {
	wsURL                string
	maxReconnectAttempts int
	pingInterval         time.Duration
	log                  *zap.Logger
}

func NewWatcher(wsURL string, maxReconnectAttempts int) *Watcher {
	return &Watcher{
		wsURL:                strings.TrimRight(wsURL, "/"),
		maxReconnectAttempts: maxReconnectAttempts,
		pingInterval:         30 * time.Second,
		log:                  obslog.Named("hubclient"),
	}
}

// Watch calls fn for every pushed view until the hub ends the stream (game finished or
// gone), ctx is done, or reconnecting fails. Views may repeat after a reconnect.
func (w *Watcher) Watch(ctx context.Context, gameID string, fn ViewCallback) error {
	target := w.wsURL + "/v1/watch/" + url.PathEscape(strings.TrimSpace(gameID))
	failures := 0
	for {
		received, err := w.stream(ctx, target, fn)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}
		if received {
			failures = 0
		}
		failures++
		if failures > w.maxReconnectAttempts {
			return errors.Join(ErrWatchFailed, err)
		}
		w.log.Warn("watch_reconnect", zap.String("game_id", gameID), zap.Int("attempt", failures), zap.Error(err))
		if err := sleepWithContext(ctx, backoffDuration(failures)); err != nil {
			return err
		}
	}
}

// stream runs one connection. nil means the hub closed the stream normally.
func (w *Watcher) stream(ctx context.Context, target string, fn ViewCallback) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	rctx, stop := context.WithCancel(ctx)
	defer stop()
	go w.pingLoop(rctx, conn)

	received := false
	for {
		var v blitzdto.GameView
		if err := wsjson.Read(rctx, conn, &v); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return received, nil
			}
			if isClosedConn(err) && ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, err
		}
		received = true
		fn(v)
	}
}

func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(w.pingInterval)
	defer t.Stop()
	consecutivePingFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err == nil {
				consecutivePingFailures = 0
				continue
			}
			consecutivePingFailures++
			if consecutivePingFailures >= 2 {
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}
