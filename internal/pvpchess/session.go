// Package pvpchess keeps one client's side of a shared game session: local move
// validation, versioned writes, reconciliation of the opponent's updates and termination.
package pvpchess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/internal/pvpcleanup"
	"github.com/park285/cheese-blitz/internal/pvpclock"
	"github.com/park285/cheese-blitz/internal/pvpmatch"
	"github.com/park285/cheese-blitz/internal/rules"
	"github.com/park285/cheese-blitz/internal/store"
)

const timeoutCommitDeadline = 10 * time.Second

type Option func(*Session)

func WithEngine(e rules.Engine) Option { return func(s *Session) { s.engine = e } }

func WithClock(c clockwork.Clock) Option { return func(s *Session) { s.clock = c } }

type Session struct {
	st      *store.Client
	cleanup *pvpcleanup.Manager
	engine  rules.Engine
	clock   clockwork.Clock
	watch   *pvpclock.Watch
	log     *zap.Logger

	gameID     string
	userID     string
	opponentID string
	color      domain.Color

	mu        sync.Mutex
	cur       *domain.Session
	inCheck   bool
	gone      bool
	closed    bool
	unsub     func()
	observers map[int]func(View)
	nextObs   int
	done      chan struct{}
	doneOnce  sync.Once
}

// New prepares userID's side of the matched game. Nothing touches the store until Start.
func New(st *store.Client, userID string, m pvpmatch.MatchResult, opts ...Option) *Session {
	s := &Session{
		st:         st,
		cleanup:    pvpcleanup.New(st),
		engine:     rules.NewStandard(),
		clock:      clockwork.NewRealClock(),
		gameID:     strings.TrimSpace(m.GameID),
		userID:     strings.TrimSpace(userID),
		opponentID: strings.TrimSpace(m.OpponentID),
		color:      m.Color,
		observers:  make(map[int]func(View)),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = obslog.Named("pvpchess").With(zap.String("game_id", s.gameID), zap.String("user_id", s.userID))
	s.watch = pvpclock.New(s.clock, s.onExpire)
	return s
}

func (s *Session) GameID() string { return s.gameID }

func (s *Session) Color() domain.Color { return s.color }

// Done is closed once the session is observed finished or destroyed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start loads the record, arms the disconnect forfeit and begins following remote updates.
func (s *Session) Start(ctx context.Context) error {
	raw, ok, err := s.st.Read(ctx, domain.GameKey(s.gameID))
	if err != nil {
		return fmt.Errorf("load game %s: %w", s.gameID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, s.gameID)
	}
	rec, err := domain.DecodeSession(raw)
	if err != nil {
		return fmt.Errorf("load game %s: %w", s.gameID, err)
	}
	if rec.ColorOf(s.userID) != s.color || rec.OpponentOf(s.userID) != s.opponentID {
		return fmt.Errorf("%w: %s as %s", ErrNotParticipant, s.userID, s.color.Name())
	}
	s.reconcile(rec)

	if rec.Active() {
		if err := s.cleanup.ArmForfeit(ctx, s.gameID, s.opponentID); err != nil {
			return err
		}
	}
	unsub, err := s.st.Subscribe(ctx, domain.GameKey(s.gameID), s.onRemote)
	if err != nil {
		return fmt.Errorf("follow game %s: %w", s.gameID, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return ErrClosed
	}
	s.unsub = unsub
	s.mu.Unlock()
	s.log.Info("game_start", zap.String("color", s.color.Name()), zap.String("opponent_id", s.opponentID))
	return nil
}

// TryMove submits a move for this client. It returns false without writing when it is
// not this client's turn, the game is over, the move is illegal, the mover's clock has
// run out, or the record moved on since the local view was taken.
func (s *Session) TryMove(ctx context.Context, from, to, promotion string) (bool, error) {
	base, err := s.snapshot()
	if err != nil {
		return false, err
	}
	if !base.Active() || base.ActiveColor != s.color {
		return false, nil
	}
	res := s.engine.ApplyMove(rules.Position(base.Position), from, to, promotion)
	if !res.Accepted {
		s.log.Debug("game_move_rejected", zap.String("from", from), zap.String("to", to))
		return false, nil
	}

	now := s.clock.Now().UnixMilli()
	elapsed := now - base.LastMoveTimestamp
	if elapsed < 0 {
		elapsed = 0
	}
	left := base.RemainingOf(s.color) - elapsed
	if left <= 0 {
		if _, err := s.finishTimeout(ctx, base); err != nil {
			return false, err
		}
		return false, nil
	}

	u := &domain.MoveUpdate{
		Position:           string(res.Position),
		ActiveColor:        s.color.Opponent(),
		WhiteTimeRemaining: base.WhiteTimeRemaining,
		BlackTimeRemaining: base.BlackTimeRemaining,
		LastMoveTimestamp:  now,
		LastMove:           res.UCI,
		Version:            base.Version + 1,
	}
	if s.color == domain.White {
		u.WhiteTimeRemaining = left
	} else {
		u.BlackTimeRemaining = left
	}
	switch {
	case res.Checkmate:
		u.Status, u.WinnerID, u.EndReason = domain.StatusFinished, ptr(s.userID), domain.EndCheckmate
	case res.Stalemate:
		u.Status, u.WinnerID, u.EndReason = domain.StatusFinished, ptr(""), domain.EndStalemate
	case res.Draw:
		u.Status, u.WinnerID, u.EndReason = domain.StatusFinished, ptr(""), domain.EndDraw
	}
	next, err := base.Apply(u)
	if err != nil {
		return false, err
	}

	committed, err := s.commit(ctx, base.Version, next)
	if err != nil || !committed {
		return false, err
	}
	s.mu.Lock()
	s.inCheck = res.InCheck
	s.mu.Unlock()
	s.reconcile(next)
	s.log.Info("game_move",
		zap.String("uci", res.UCI),
		zap.String("san", res.SAN),
		zap.Int64("version", next.Version),
		zap.String("clock", pvpclock.FormatClock(left)),
	)
	return true, nil
}

// HandleTimeout finishes the game when the side to move has run out of time. It reports
// whether this call committed the result.
func (s *Session) HandleTimeout(ctx context.Context) (bool, error) {
	base, err := s.snapshot()
	if err != nil {
		return false, err
	}
	if !base.Active() {
		return false, nil
	}
	return s.finishTimeout(ctx, base)
}

func (s *Session) finishTimeout(ctx context.Context, base *domain.Session) (bool, error) {
	side := base.ActiveColor
	now := s.clock.Now()
	if pvpclock.FromSession(base).RemainingOf(side, now) > 0 {
		return false, nil
	}
	winner := base.PlayerOf(side.Opponent())
	ok, err := s.finish(ctx, func(remote *domain.Session) bool {
		return remote.Version == base.Version &&
			pvpclock.FromSession(remote).RemainingOf(remote.ActiveColor, now) <= 0
	}, winner, domain.EndTimeout, func(out *domain.Session) {
		if side == domain.White {
			out.WhiteTimeRemaining = 0
		} else {
			out.BlackTimeRemaining = 0
		}
	})
	if ok {
		s.log.Info("game_timeout", zap.String("flagged", side.Name()), zap.String("winner_id", winner))
	}
	return ok, err
}

// Resign concedes the game to the opponent.
func (s *Session) Resign(ctx context.Context) (bool, error) {
	if _, err := s.snapshot(); err != nil {
		return false, err
	}
	ok, err := s.finish(ctx, nil, s.opponentID, domain.EndResignation, nil)
	if ok {
		s.log.Info("game_resign", zap.String("winner_id", s.opponentID))
	}
	return ok, err
}

// finish writes a terminal result if the remote record is still active and accepts it.
func (s *Session) finish(ctx context.Context, accept func(*domain.Session) bool, winnerID string, reason domain.EndReason, adjust func(*domain.Session)) (bool, error) {
	var out *domain.Session
	res, err := s.st.Transact(ctx, domain.GameKey(s.gameID), func(cur []byte, exists bool) store.Decision {
		out = nil
		if !exists {
			return store.Abort()
		}
		remote, err := domain.DecodeSession(cur)
		if err != nil || !remote.Active() {
			return store.Abort()
		}
		if accept != nil && !accept(remote) {
			return store.Abort()
		}
		fin, err := remote.Finish(winnerID, reason)
		if err != nil {
			return store.Abort()
		}
		if adjust != nil {
			adjust(fin)
		}
		raw, err := domain.Encode(fin)
		if err != nil {
			return store.Abort()
		}
		out = fin
		return store.Put(raw)
	})
	if err != nil {
		return false, fmt.Errorf("finish game %s: %w", s.gameID, err)
	}
	if !res.Committed || out == nil {
		return false, nil
	}
	s.reconcile(out)
	return true, nil
}

// commit writes next only if the record is still active at baseVersion.
func (s *Session) commit(ctx context.Context, baseVersion int64, next *domain.Session) (bool, error) {
	raw, err := domain.Encode(next)
	if err != nil {
		return false, err
	}
	res, err := s.st.Transact(ctx, domain.GameKey(s.gameID), func(cur []byte, exists bool) store.Decision {
		if !exists {
			return store.Abort()
		}
		remote, err := domain.DecodeSession(cur)
		if err != nil || !remote.Active() || remote.Version != baseVersion {
			return store.Abort()
		}
		return store.Put(raw)
	})
	if err != nil {
		return false, fmt.Errorf("commit move %s: %w", s.gameID, err)
	}
	if !res.Committed {
		s.log.Info("game_move_stale", zap.Int64("base_version", baseVersion))
	}
	return res.Committed, nil
}

func (s *Session) onRemote(raw []byte, exists bool) {
	if !exists {
		s.mu.Lock()
		s.gone = true
		s.mu.Unlock()
		s.watch.Stop()
		s.markDone()
		s.publish()
		return
	}
	rec, err := domain.DecodeSession(raw)
	if err != nil {
		s.log.Warn("game_remote_malformed", zap.Error(err))
		return
	}
	s.reconcile(rec)
}

// reconcile replaces the local view with rec wholesale unless rec is older.
func (s *Session) reconcile(rec *domain.Session) {
	s.mu.Lock()
	prev := s.cur
	if prev != nil && rec.Version < prev.Version {
		s.mu.Unlock()
		return
	}
	if prev != nil && rec.Version == prev.Version+1 && rec.MoveCount == prev.MoveCount+1 && rec.LastMove != "" {
		s.inCheck = s.replay(prev, rec)
	} else if prev == nil || rec.MoveCount != prev.MoveCount {
		s.inCheck = false
	}
	s.cur = rec.Clone()
	finishedNow := !rec.Active() && (prev == nil || prev.Active())
	s.mu.Unlock()

	if rec.Active() {
		s.watch.Reset(pvpclock.FromSession(rec))
	} else {
		s.watch.Stop()
		s.markDone()
		if finishedNow {
			s.log.Info("game_finished",
				zap.String("winner_id", rec.WinnerID),
				zap.String("end_reason", string(rec.EndReason)),
				zap.Int("moves", rec.MoveCount),
			)
		}
	}
	s.publish()
}

// replay re-derives the opponent's move locally. Disagreement is logged only; both
// clients trust each other.
func (s *Session) replay(prev, rec *domain.Session) bool {
	mv := rec.LastMove
	if len(mv) < 4 {
		return false
	}
	res := s.engine.ApplyMove(rules.Position(prev.Position), mv[:2], mv[2:4], mv[4:])
	if !res.Accepted || string(res.Position) != rec.Position {
		s.log.Warn("game_remote_move_mismatch", zap.String("uci", mv), zap.Int64("version", rec.Version))
		return false
	}
	return res.InCheck
}

func (s *Session) onExpire(side domain.Color) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeoutCommitDeadline)
		defer cancel()
		if _, err := s.HandleTimeout(ctx); err != nil && !errors.Is(err, ErrClosed) {
			s.log.Warn("game_timeout_error", zap.String("side", side.Name()), zap.Error(err))
		}
	}()
}

// View returns the current local view with live clocks.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() View {
	v := View{GameID: s.gameID, MyColor: s.color, OpponentID: s.opponentID, InCheck: s.inCheck, Gone: s.gone}
	if s.cur == nil {
		return v
	}
	c := s.cur
	v.Position = c.Position
	v.ActiveColor = c.ActiveColor
	v.WhiteMs, v.BlackMs = pvpclock.FromSession(c).Remaining(s.clock.Now())
	v.Status = c.Status
	v.WinnerID = c.WinnerID
	v.EndReason = c.EndReason
	v.LastMove = c.LastMove
	v.MoveCount = c.MoveCount
	v.Version = c.Version
	return v
}

// OnChange registers fn for every local view change. Calls run on the store client's
// event loop. The returned func unregisters.
func (s *Session) OnChange(fn func(View)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) publish() {
	s.mu.Lock()
	v := s.viewLocked()
	fns := make([]func(View), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	s.st.Loop().Post(func() {
		for _, fn := range fns {
			fn(v)
		}
	})
}

// LegalMoves lists this client's legal moves from square, or every legal move when
// square is empty. Nothing is returned when it is not this client's turn.
func (s *Session) LegalMoves(square string) []rules.Move {
	s.mu.Lock()
	c := s.cur
	s.mu.Unlock()
	if c == nil || !c.Active() || c.ActiveColor != s.color {
		return nil
	}
	return s.engine.LegalMoves(rules.Position(c.Position), square)
}

// Close detaches from the game. Leaving a running game concedes it; a finished game has
// its forfeit disarmed and is released, so the record goes away once both sides closed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	cur := s.cur
	s.mu.Unlock()

	if cur != nil && cur.Active() {
		if _, err := s.Resign(ctx); err != nil {
			s.log.Warn("game_leave_resign_error", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.closed = true
	unsub := s.unsub
	s.unsub = nil
	cur = s.cur
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.watch.Stop()
	s.markDone()

	if cur != nil && cur.Active() {
		// resign failed; the armed forfeit settles the game if this connection drops
		s.log.Info("game_left_active")
		return nil
	}
	if err := errors.Join(
		s.cleanup.DisarmForfeit(ctx, s.gameID),
		s.cleanup.DropPointer(ctx, s.userID),
	); err != nil {
		return err
	}
	if _, err := s.cleanup.ReleaseSession(ctx, s.gameID, s.userID); err != nil {
		return err
	}
	s.log.Info("game_closed")
	return nil
}

func (s *Session) snapshot() (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.cur == nil {
		return nil, fmt.Errorf("%w: %s not started", ErrNotFound, s.gameID)
	}
	return s.cur.Clone(), nil
}

func (s *Session) markDone() { s.doneOnce.Do(func() { close(s.done) }) }

func ptr(s string) *string { return &s }
