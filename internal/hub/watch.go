package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-blitz/internal/domain"
)

const (
	watchPrefix  = "/v1/watch/"
	writeTimeout = 5 * time.Second
)

// WatchHandler upgrades GET /v1/watch/{id} and pushes a GameView on every change of the
// session until it finishes, disappears, or the peer goes away.
func (s *Server) WatchHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, watchPrefix)
		if r.Method != http.MethodGet || id == r.URL.Path || id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		s.watch(w, r, id)
	})
}

// latest keeps only the newest value; the store loop never waits on a slow peer.
type latest struct {
	mu     sync.Mutex
	raw    []byte
	exists bool
	ready  chan struct{}
}

func (l *latest) set(raw []byte, exists bool) {
	l.mu.Lock()
	l.raw, l.exists = raw, exists
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest) get() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raw, l.exists
}

func (s *Server) watch(w http.ResponseWriter, r *http.Request, id string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.log.Warn("hub_watch_accept", zap.String("game_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// observers only listen; CloseRead cancels ctx once the peer closes
	ctx := conn.CloseRead(r.Context())

	upd := &latest{ready: make(chan struct{}, 1)}
	unsub, err := s.st.Subscribe(ctx, domain.GameKey(id), upd.set)
	if err != nil {
		s.log.Warn("hub_watch_subscribe", zap.String("game_id", id), zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "store unavailable")
		return
	}
	defer unsub()
	s.log.Info("hub_watch_open", zap.String("game_id", id))

	for {
		select {
		case <-ctx.Done():
			return
		case <-upd.ready:
		}
		raw, exists := upd.get()
		if !exists {
			_ = conn.Close(websocket.StatusNormalClosure, "game not found")
			return
		}
		rec, err := domain.DecodeSession(raw)
		if err != nil {
			s.log.Warn("hub_watch_bad_record", zap.String("game_id", id), zap.Error(err))
			continue
		}
		if err := s.push(ctx, conn, rec); err != nil {
			if !isPeerGone(err) {
				s.log.Warn("hub_watch_write", zap.String("game_id", id), zap.Error(err))
			}
			return
		}
		if !rec.Active() {
			_ = conn.Close(websocket.StatusNormalClosure, "game finished")
			return
		}
	}
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn, rec *domain.Session) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, s.gameView(rec))
}

func isPeerGone(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// ServeWatch serves the watch stream on addr until ctx is done.
func (s *Server) ServeWatch(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeWatchListener(ctx, ln)
}

func (s *Server) ServeWatchListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.WatchHandler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("hub_watch_listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Shutdown does not track hijacked websocket connections; they end with ctx
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
