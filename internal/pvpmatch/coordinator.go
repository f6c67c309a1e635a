// Package pvpmatch pairs two waiting clients into exactly one session through the
// single-slot ticket record.
package pvpmatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/internal/pvpcleanup"
	"github.com/park285/cheese-blitz/internal/store"
)

const consumeTimeout = 5 * time.Second

type Coordinator struct {
	st          *store.Client
	cleanup     *pvpcleanup.Manager
	clock       clockwork.Clock
	clockMillis int64
	newID       func() string
	log         *zap.Logger
}

type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option { return func(co *Coordinator) { co.clock = c } }

// WithInitialClock sets the per-side budget of sessions this coordinator creates.
func WithInitialClock(ms int64) Option {
	return func(co *Coordinator) {
		if ms > 0 {
			co.clockMillis = ms
		}
	}
}

func WithIDGenerator(fn func() string) Option { return func(co *Coordinator) { co.newID = fn } }

func NewCoordinator(st *store.Client, opts ...Option) *Coordinator {
	c := &Coordinator{
		st:          st,
		cleanup:     pvpcleanup.New(st),
		clock:       clockwork.NewRealClock(),
		clockMillis: domain.DefaultClockMillis,
		newID:       uuid.NewString,
		log:         obslog.Named("pvpmatch"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Join enters matchmaking. When the ticket slot is free the caller waits (white); when
// another user waits the caller pairs with them (black) and the session, the waiter's
// pointer and the ticket removal commit in one transaction.
func (c *Coordinator) Join(ctx context.Context, userID string, onMatched OnMatched) (*Handle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || onMatched == nil {
		return nil, ErrInvalidArgs
	}
	now := c.clock.Now().UnixMilli()
	gameID := c.newID()

	var (
		outcome  Outcome
		paired   MatchResult
		ticketAt int64
		encErr   error
	)
	_, err := c.st.Transact(ctx, domain.TicketKey, func(cur []byte, exists bool) store.Decision {
		encErr = nil
		if exists {
			t, derr := domain.DecodeTicket(cur)
			switch {
			case derr != nil:
				c.log.Warn("match_ticket_malformed", zap.Error(derr))
			case t.UserID == userID:
				outcome, ticketAt = OutcomeAlreadyWaiting, t.Timestamp
				return store.Keep()
			default:
				sess := domain.NewSession(gameID, t.UserID, userID, c.clockMillis, now)
				sraw, err := domain.Encode(sess)
				if err != nil {
					encErr = err
					return store.Abort()
				}
				praw, err := domain.Encode(&domain.Pointer{
					GameID:     gameID,
					Color:      domain.White,
					OpponentID: userID,
					TicketAt:   t.Timestamp,
				})
				if err != nil {
					encErr = err
					return store.Abort()
				}
				outcome = OutcomePaired
				paired = MatchResult{GameID: gameID, Color: domain.Black, OpponentID: t.UserID}
				return store.Remove().With(
					store.Set(domain.GameKey(gameID), sraw),
					store.Set(domain.PointerKey(t.UserID), praw),
				)
			}
		}
		raw, err := domain.Encode(&domain.Ticket{UserID: userID, Timestamp: now})
		if err != nil {
			encErr = err
			return store.Abort()
		}
		outcome, ticketAt = OutcomeWaiting, now
		// a pointer left from an earlier game must not match the new ticket
		return store.Put(raw).With(store.Del(domain.PointerKey(userID)))
	})
	if err != nil {
		c.log.Warn("match_join_error", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if encErr != nil {
		return nil, encErr
	}

	h := &Handle{c: c, userID: userID, outcome: outcome, ticketAt: ticketAt, onMatched: onMatched}
	if outcome == OutcomePaired {
		c.log.Info("match_paired",
			zap.String("game_id", paired.GameID),
			zap.String("white_id", paired.OpponentID),
			zap.String("black_id", userID),
		)
		h.deliver(paired)
		return h, nil
	}

	c.log.Info("match_waiting", zap.String("user_id", userID), zap.String("outcome", string(outcome)))
	if err := c.cleanup.ArmTicketRelease(ctx, userID); err != nil {
		c.rollback(ctx, userID)
		return nil, err
	}
	unsub, err := c.st.Subscribe(ctx, domain.PointerKey(userID), h.onPointer)
	if err != nil {
		c.rollback(ctx, userID)
		return nil, err
	}
	h.setUnsub(unsub)
	return h, nil
}

// rollback withdraws a ticket whose waiter could not be set up; a ticket without its
// release hook would outlive a crash.
func (c *Coordinator) rollback(ctx context.Context, userID string) {
	if err := c.cleanup.LeaveQueue(context.WithoutCancel(ctx), userID); err != nil {
		c.log.Warn("match_rollback_error", zap.String("user_id", userID), zap.Error(err))
	}
}

// Leave removes userID's own ticket and pointer. Another user's ticket is never touched.
func (c *Coordinator) Leave(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidArgs
	}
	if err := c.cleanup.LeaveQueue(ctx, userID); err != nil {
		return err
	}
	c.log.Info("match_leave", zap.String("user_id", userID))
	return nil
}

// Handle is one pending Join.
type Handle struct {
	c         *Coordinator
	userID    string
	outcome   Outcome
	ticketAt  int64
	onMatched OnMatched

	mu        sync.Mutex
	unsub     func()
	result    *MatchResult
	cancelled bool
}

// Outcome reports which branch Join took.
func (h *Handle) Outcome() Outcome { return h.outcome }

// Result returns the match once delivered.
func (h *Handle) Result() (MatchResult, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result == nil {
		return MatchResult{}, false
	}
	return *h.result, true
}

// Cancel stops waiting and removes the caller's transient records. A match that already
// committed is not undone. Idempotent.
func (h *Handle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	h.cancelled = true
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	return h.c.cleanup.LeaveQueue(ctx, h.userID)
}

func (h *Handle) setUnsub(fn func()) {
	h.mu.Lock()
	if h.cancelled || h.result != nil {
		h.mu.Unlock()
		fn()
		return
	}
	h.unsub = fn
	h.mu.Unlock()
}

func (h *Handle) onPointer(raw []byte, exists bool) {
	if !exists {
		return
	}
	p, err := domain.DecodePointer(raw)
	if err != nil {
		h.c.log.Warn("match_pointer_malformed", zap.String("user_id", h.userID), zap.Error(err))
		return
	}
	if p.TicketAt != h.ticketAt {
		h.c.log.Debug("match_pointer_stale", zap.String("user_id", h.userID), zap.String("game_id", p.GameID))
		return
	}

	h.mu.Lock()
	if h.cancelled || h.result != nil {
		h.mu.Unlock()
		return
	}
	res := MatchResult{GameID: p.GameID, Color: p.Color, OpponentID: p.OpponentID}
	h.result = &res
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumeTimeout)
	defer cancel()
	if err := errors.Join(
		h.c.cleanup.DropPointer(ctx, h.userID),
		h.c.cleanup.DisarmTicketRelease(ctx, h.userID),
	); err != nil {
		h.c.log.Warn("match_pointer_consume_error", zap.String("user_id", h.userID), zap.Error(err))
	}
	h.c.log.Info("match_found", zap.String("user_id", h.userID), zap.String("game_id", res.GameID), zap.String("color", res.Color.Name()))
	h.onMatched(res)
}

func (h *Handle) deliver(res MatchResult) {
	h.mu.Lock()
	h.result = &res
	h.mu.Unlock()
	h.c.st.Loop().Post(func() { h.onMatched(res) })
}
