// Package hub is the read-only observer process: it sweeps deferred writes of dead
// clients, serves session and queue status over HTTP and streams session changes over
// a websocket. It never validates or writes moves.
package hub

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/encoding/json"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/internal/pvpclock"
	"github.com/park285/cheese-blitz/internal/store"
	"github.com/park285/cheese-blitz/pkg/blitzdto"
)

const (
	gamesPrefix     = "/v1/games/"
	requestTimeout  = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Server struct {
	st    *store.Client
	clock clockwork.Clock
	log   *zap.Logger
}

type Option func(*Server)

func WithClock(c clockwork.Clock) Option { return func(s *Server) { s.clock = c } }

func New(st *store.Client, opts ...Option) *Server {
	s := &Server{st: st, clock: clockwork.NewRealClock(), log: obslog.Named("hub")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes the status API.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	if !ctx.IsGet() && !ctx.IsHead() {
		s.writeError(ctx, fasthttp.StatusMethodNotAllowed, blitzdto.ErrorBody{Code: blitzdto.CodeBadRequest, Message: "method not allowed"})
		return
	}
	path := string(ctx.Path())
	switch {
	case path == "/healthz":
		s.health(ctx)
	case path == "/v1/queue":
		s.queue(ctx)
	case strings.HasPrefix(path, gamesPrefix):
		s.game(ctx, strings.TrimPrefix(path, gamesPrefix))
	default:
		s.writeError(ctx, fasthttp.StatusNotFound, blitzdto.ErrorBody{Code: blitzdto.CodeNotFound, Message: "no such route"})
	}
}

func (s *Server) health(ctx *fasthttp.RequestCtx) {
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.st.Redis().Ping(rctx).Err(); err != nil {
		s.log.Warn("hub_health_redis", zap.Error(err))
		s.writeJSON(ctx, fasthttp.StatusServiceUnavailable, blitzdto.Health{Status: "degraded", Redis: err.Error()})
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, blitzdto.Health{Status: "ok", Redis: "ok"})
}

func (s *Server) queue(ctx *fasthttp.RequestCtx) {
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	raw, exists, err := s.st.Read(rctx, domain.TicketKey)
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	if !exists {
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}
	t, err := domain.DecodeTicket(raw)
	if err != nil {
		// matchmaking treats a malformed ticket as an empty queue
		s.log.Warn("hub_bad_ticket", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusNoContent)
		return
	}
	waiting := s.clock.Now().UnixMilli() - t.Timestamp
	if waiting < 0 {
		waiting = 0
	}
	s.writeJSON(ctx, fasthttp.StatusOK, blitzdto.QueueView{UserID: t.UserID, Timestamp: t.Timestamp, WaitingMs: waiting})
}

func (s *Server) game(ctx *fasthttp.RequestCtx, id string) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		s.writeError(ctx, fasthttp.StatusBadRequest, blitzdto.ErrorBody{Code: blitzdto.CodeBadRequest, Message: "invalid game id"})
		return
	}
	rctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	rec, err := s.loadGame(rctx, id)
	if err != nil {
		s.storeError(ctx, err)
		return
	}
	s.writeJSON(ctx, fasthttp.StatusOK, s.gameView(rec))
}

var errGameNotFound = errors.New("game not found")

func (s *Server) loadGame(ctx context.Context, id string) (*domain.Session, error) {
	raw, exists, err := s.st.Read(ctx, domain.GameKey(id))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errGameNotFound
	}
	return domain.DecodeSession(raw)
}

// gameView renders rec with both clocks live at the hub's now.
func (s *Server) gameView(rec *domain.Session) blitzdto.GameView {
	now := s.clock.Now()
	w, b := pvpclock.FromSession(rec).Remaining(now)
	return blitzdto.GameView{
		ID:                 rec.ID,
		WhiteID:            rec.WhiteID,
		BlackID:            rec.BlackID,
		Position:           rec.Position,
		ActiveColor:        string(rec.ActiveColor),
		WhiteTimeRemaining: w,
		BlackTimeRemaining: b,
		WhiteClock:         pvpclock.FormatClock(w),
		BlackClock:         pvpclock.FormatClock(b),
		Status:             string(rec.Status),
		WinnerID:           rec.WinnerID,
		EndReason:          string(rec.EndReason),
		LastMove:           rec.LastMove,
		MoveCount:          rec.MoveCount,
		Version:            rec.Version,
		ServedAt:           now.UnixMilli(),
	}
}

func (s *Server) storeError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, errGameNotFound):
		s.writeError(ctx, fasthttp.StatusNotFound, blitzdto.ErrorBody{Code: blitzdto.CodeNotFound, Message: err.Error()})
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		s.writeError(ctx, fasthttp.StatusServiceUnavailable, blitzdto.ErrorBody{Code: blitzdto.CodeUnavailable, Message: err.Error(), Retryable: true})
	default:
		s.log.Error("hub_request_failed", zap.ByteString("path", ctx.Path()), zap.Error(err))
		s.writeError(ctx, fasthttp.StatusInternalServerError, blitzdto.ErrorBody{Code: blitzdto.CodeInternal, Message: err.Error()})
	}
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, status int, body blitzdto.ErrorBody) {
	s.writeJSON(ctx, status, body)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		ctx.Error("encode response", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(payload)
}

// ServeAPI serves the status API on addr until ctx is done.
func (s *Server) ServeAPI(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeAPIListener(ctx, ln)
}

func (s *Server) ServeAPIListener(ctx context.Context, ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler,
		Name:         "blitz-hub",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("hub_api_listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.ShutdownWithContext(sctx); err != nil {
		return err
	}
	return <-errCh
}

// Run serves the API and the watch stream and sweeps deferred writes until ctx is done
// or one of them fails.
func (s *Server) Run(ctx context.Context, apiAddr, watchAddr string, reaperEvery time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ServeAPI(gctx, apiAddr) })
	g.Go(func() error { return s.ServeWatch(gctx, watchAddr) })
	g.Go(func() error {
		err := store.NewReaper(s.st, reaperEvery).Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}
