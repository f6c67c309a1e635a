// Package pvpcleanup registers disconnect forfeits and removes the transient records a
// client leaves behind. Every operation is idempotent.
package pvpcleanup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/park285/cheese-blitz/internal/domain"
	"github.com/park285/cheese-blitz/internal/obslog"
	"github.com/park285/cheese-blitz/internal/store"
)

type Manager struct {
	st  *store.Client
	log *zap.Logger
}

func New(st *store.Client) *Manager {
	return &Manager{st: st, log: obslog.Named("pvpcleanup")}
}

// ArmForfeit makes the store finish gameID in opponentID's favor if this client's
// connection is lost while the game is still active.
func (m *Manager) ArmForfeit(ctx context.Context, gameID, opponentID string) error {
	err := m.st.DeferOnDisconnect(ctx, domain.GameKey(gameID), store.Deferred{
		Patch: map[string]any{
			"status":     string(domain.StatusFinished),
			"winner_id":  opponentID,
			"end_reason": string(domain.EndDisconnect),
		},
		When: map[string]any{"status": string(domain.StatusActive)},
		Incr: "version",
	})
	if err != nil {
		return fmt.Errorf("arm forfeit %s: %w", gameID, err)
	}
	m.log.Debug("forfeit_armed", zap.String("game_id", gameID), zap.String("winner_if_lost", opponentID))
	return nil
}

func (m *Manager) DisarmForfeit(ctx context.Context, gameID string) error {
	if err := m.st.CancelDeferred(ctx, domain.GameKey(gameID)); err != nil {
		return fmt.Errorf("disarm forfeit %s: %w", gameID, err)
	}
	m.log.Debug("forfeit_disarmed", zap.String("game_id", gameID))
	return nil
}

// ticketHook names userID's release entry so several users waiting through one client
// keep separate hooks.
func ticketHook(userID string) string { return domain.TicketKey + "#" + userID }

// ArmTicketRelease deletes the ticket on disconnect, but only while it still names userID.
func (m *Manager) ArmTicketRelease(ctx context.Context, userID string) error {
	err := m.st.DeferOnDisconnectAs(ctx, ticketHook(userID), domain.TicketKey, store.Deferred{
		Delete: true,
		When:   map[string]any{"user_id": userID},
	})
	if err != nil {
		return fmt.Errorf("arm ticket release: %w", err)
	}
	return nil
}

func (m *Manager) DisarmTicketRelease(ctx context.Context, userID string) error {
	if err := m.st.CancelDeferred(ctx, ticketHook(userID)); err != nil {
		return fmt.Errorf("disarm ticket release: %w", err)
	}
	return nil
}

// ReleaseTicket deletes the ticket iff it names userID. Another user's ticket is never
// touched.
func (m *Manager) ReleaseTicket(ctx context.Context, userID string) (bool, error) {
	res, err := m.st.Transact(ctx, domain.TicketKey, func(cur []byte, exists bool) store.Decision {
		if !exists {
			return store.Abort()
		}
		t, err := domain.DecodeTicket(cur)
		if err != nil || t.UserID != userID {
			return store.Abort()
		}
		return store.Remove()
	})
	if err != nil {
		return false, fmt.Errorf("release ticket: %w", err)
	}
	if res.Committed {
		m.log.Info("ticket_released", zap.String("user_id", userID))
	}
	return res.Committed, nil
}

func (m *Manager) DropPointer(ctx context.Context, userID string) error {
	if err := m.st.Delete(ctx, domain.PointerKey(userID)); err != nil {
		return fmt.Errorf("drop pointer: %w", err)
	}
	return nil
}

// LeaveQueue releases the caller's ticket, drops its pointer and the ticket hook.
func (m *Manager) LeaveQueue(ctx context.Context, userID string) error {
	_, errTicket := m.ReleaseTicket(ctx, userID)
	return errors.Join(
		errTicket,
		m.DropPointer(ctx, userID),
		m.DisarmTicketRelease(ctx, userID),
	)
}

// ReleaseSession records that userID is done with gameID. The record is deleted once both
// participants released it. It reports whether this call deleted the record.
func (m *Manager) ReleaseSession(ctx context.Context, gameID, userID string) (bool, error) {
	var deleted bool
	res, err := m.st.Transact(ctx, domain.GameKey(gameID), func(cur []byte, exists bool) store.Decision {
		deleted = false
		if !exists {
			return store.Abort()
		}
		s, err := domain.DecodeSession(cur)
		if err != nil || s.ColorOf(userID) == "" || s.Released(userID) {
			return store.Abort()
		}
		out := s.Clone()
		out.ReleasedBy = append(out.ReleasedBy, userID)
		if out.Released(out.WhiteID) && out.Released(out.BlackID) {
			deleted = true
			return store.Remove()
		}
		raw, err := domain.Encode(out)
		if err != nil {
			return store.Abort()
		}
		return store.Put(raw)
	})
	if err != nil {
		return false, fmt.Errorf("release session %s: %w", gameID, err)
	}
	deleted = deleted && res.Committed
	if deleted {
		m.log.Info("session_destroyed", zap.String("game_id", gameID))
	}
	return deleted, nil
}
