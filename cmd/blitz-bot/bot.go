package main

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/builder"
	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/pvpchess"
	"github.com/park285/cheese-blitz/internal/pvpmatch"
)

const (
	closeTimeout = 5 * time.Second
	retryDelay   = 50 * time.Millisecond
)

// bot joins matchmaking once and plays random legal moves until the game ends.
type bot struct {
	deps   *builder.Deps
	userID string
	think  time.Duration
	rng    *rand.Rand
	log    *zap.Logger
}

func newBot(deps *builder.Deps, userID string, think time.Duration, log *zap.Logger) *bot {
	return &bot{
		deps:   deps,
		userID: userID,
		think:  think,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		log:    log.With(zap.String("user_id", userID)),
	}
}

func (b *bot) say(key string, data map[string]any) string {
	data["UserID"] = b.userID
	return b.deps.Messages.RenderOr(key, data, key)
}

// play returns the final view. Cancelling ctx leaves the queue or concedes the game.
func (b *bot) play(ctx context.Context) (pvpchess.View, error) {
	matched := make(chan pvpmatch.MatchResult, 1)
	h, err := b.deps.Matcher.Join(ctx, b.userID, func(m pvpmatch.MatchResult) { matched <- m })
	if err != nil {
		return pvpchess.View{}, err
	}
	if h.Outcome() != pvpmatch.OutcomePaired {
		b.log.Info("bot_waiting", zap.String("text", b.say("bot.waiting", map[string]any{})))
	}

	var m pvpmatch.MatchResult
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		return pvpchess.View{}, errors.Join(ctx.Err(), h.Cancel(cctx))
	case m = <-matched:
	}
	b.log.Info("bot_matched", zap.String("game_id", m.GameID), zap.String("text", b.say("bot.matched", map[string]any{
		"Color": m.Color.Name(), "OpponentID": m.OpponentID, "GameID": m.GameID,
	})))

	s := b.deps.NewSession(b.userID, m)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.Close(cctx); err != nil {
			b.log.Warn("bot_close_error", zap.Error(err))
		}
	}()

	changed := make(chan struct{}, 1)
	stop := s.OnChange(func(pvpchess.View) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer stop()
	if err := s.Start(ctx); err != nil {
		return pvpchess.View{}, err
	}

	for {
		v := s.View()
		if v.Finished() || v.Gone {
			b.log.Info("bot_finished", zap.String("result", v.ResultKey()), zap.String("text", b.say("bot.finished", map[string]any{
				"Result": b.deps.Messages.RenderOr("outcome."+v.ResultKey(), nil, b.deps.Messages.RenderOr("outcome.unknown", nil, "")),
			})))
			return v, nil
		}
		var retry <-chan time.Time
		if v.MyTurn() {
			moved, err := b.move(ctx, s)
			if err != nil {
				return s.View(), err
			}
			if moved {
				continue
			}
			retry = time.After(retryDelay)
		}
		select {
		case <-ctx.Done():
			return s.View(), ctx.Err()
		case <-s.Done():
		case <-changed:
		case <-retry:
		}
	}
}

// move plays one random legal move. false means nothing was written and the bot should
// wait for the record to change.
func (b *bot) move(ctx context.Context, s *pvpchess.Session) (bool, error) {
	if b.think > 0 {
		t := time.NewTimer(b.think)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
	moves := s.LegalMoves("")
	if len(moves) == 0 {
		return false, nil
	}
	mv := moves[b.rng.IntN(len(moves))]
	ok, err := s.TryMove(ctx, mv.From, mv.To, mv.Promotion)
	if err != nil || !ok {
		return false, err
	}
	v := s.View()
	b.log.Debug("bot_move", zap.String("text", b.say("bot.move", map[string]any{
		"Move": mv.UCI, "RemainingMs": myClock(v),
	})))
	return true, nil
}

func myClock(v pvpchess.View) int64 {
	if v.MyColor == domain.White {
		return v.WhiteMs
	}
	return v.BlackMs
}
