package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRecord is wrapped by every validation failure at the store boundary.
var ErrInvalidRecord = errors.New("invalid record")

var (
	ErrSessionFinished = errors.New("session already finished")
	ErrStaleUpdate     = errors.New("stale update")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

// Ticket marks the single client waiting for an opponent.
type Ticket struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

func (t *Ticket) Validate() error {
	if t == nil {
		return invalid("nil ticket")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return invalid("ticket without user_id")
	}
	if t.Timestamp <= 0 {
		return invalid("ticket without timestamp")
	}
	return nil
}

// Pointer tells a waiting client which session it was placed into.
type Pointer struct {
	GameID     string `json:"game_id"`
	Color      Color  `json:"color"`
	OpponentID string `json:"opponent_id"`
	// TicketAt is the timestamp of the ticket the pairing consumed.
	TicketAt int64 `json:"ticket_at"`
}

func (p *Pointer) Validate() error {
	if p == nil {
		return invalid("nil pointer")
	}
	if strings.TrimSpace(p.GameID) == "" {
		return invalid("pointer without game_id")
	}
	if !p.Color.Valid() {
		return invalid("pointer color %q", p.Color)
	}
	if strings.TrimSpace(p.OpponentID) == "" {
		return invalid("pointer without opponent_id")
	}
	return nil
}

// Session is the jointly written record of one game.
type Session struct {
	ID                 string    `json:"id"`
	WhiteID            string    `json:"white_id"`
	BlackID            string    `json:"black_id"`
	Position           string    `json:"position"`
	ActiveColor        Color     `json:"active_color"`
	WhiteTimeRemaining int64     `json:"white_time_remaining"`
	BlackTimeRemaining int64     `json:"black_time_remaining"`
	LastMoveTimestamp  int64     `json:"last_move_timestamp"`
	Status             Status    `json:"status"`
	WinnerID           string    `json:"winner_id"`
	EndReason          EndReason `json:"end_reason,omitempty"`
	Version            int64     `json:"version"`
	LastMove           string    `json:"last_move,omitempty"`
	MoveCount          int       `json:"move_count"`
	CreatedAt          int64     `json:"created_at"`
	ReleasedBy         []string  `json:"released_by,omitempty"`
}

// NewSession builds the initial record. The ticket holder plays white.
func NewSession(id, whiteID, blackID string, clockMillis, now int64) *Session {
	if clockMillis <= 0 {
		clockMillis = DefaultClockMillis
	}
	return &Session{
		ID:                 strings.TrimSpace(id),
		WhiteID:            strings.TrimSpace(whiteID),
		BlackID:            strings.TrimSpace(blackID),
		Position:           StartFEN,
		ActiveColor:        White,
		WhiteTimeRemaining: clockMillis,
		BlackTimeRemaining: clockMillis,
		LastMoveTimestamp:  now,
		Status:             StatusActive,
		Version:            1,
		CreatedAt:          now,
	}
}

func (s *Session) Validate() error {
	if s == nil {
		return invalid("nil session")
	}
	if strings.TrimSpace(s.ID) == "" {
		return invalid("session without id")
	}
	if s.WhiteID == "" || s.BlackID == "" {
		return invalid("session %s missing participant", s.ID)
	}
	if s.WhiteID == s.BlackID {
		return invalid("session %s has identical participants", s.ID)
	}
	if strings.TrimSpace(s.Position) == "" {
		return invalid("session %s without position", s.ID)
	}
	if !s.ActiveColor.Valid() {
		return invalid("session %s active_color %q", s.ID, s.ActiveColor)
	}
	if s.WhiteTimeRemaining < 0 || s.BlackTimeRemaining < 0 {
		return invalid("session %s negative clock", s.ID)
	}
	switch s.Status {
	case StatusActive, StatusFinished:
	default:
		return invalid("session %s status %q", s.ID, s.Status)
	}
	if s.WinnerID != "" && s.WinnerID != s.WhiteID && s.WinnerID != s.BlackID {
		return invalid("session %s winner %q is not a participant", s.ID, s.WinnerID)
	}
	return nil
}

// ColorOf returns the side userID plays, or "" when not a participant.
func (s *Session) ColorOf(userID string) Color {
	switch strings.TrimSpace(userID) {
	case s.WhiteID:
		return White
	case s.BlackID:
		return Black
	default:
		return ""
	}
}

// PlayerOf returns the participant id playing c.
func (s *Session) PlayerOf(c Color) string {
	if c == White {
		return s.WhiteID
	}
	return s.BlackID
}

func (s *Session) OpponentOf(userID string) string {
	switch strings.TrimSpace(userID) {
	case s.WhiteID:
		return s.BlackID
	case s.BlackID:
		return s.WhiteID
	default:
		return ""
	}
}

func (s *Session) Active() bool { return s.Status == StatusActive }

// RemainingOf returns the stored (not live) remaining time of c.
func (s *Session) RemainingOf(c Color) int64 {
	if c == White {
		return s.WhiteTimeRemaining
	}
	return s.BlackTimeRemaining
}

func (s *Session) Released(userID string) bool {
	for _, id := range s.ReleasedBy {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.ReleasedBy = append([]string(nil), s.ReleasedBy...)
	return &c
}

// Finish returns a finished copy. Finishing a finished session is an error.
func (s *Session) Finish(winnerID string, reason EndReason) (*Session, error) {
	if !s.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionFinished, s.ID)
	}
	out := s.Clone()
	out.Status = StatusFinished
	out.WinnerID = winnerID
	out.EndReason = reason
	out.Version = s.Version + 1
	return out, out.Validate()
}

// MoveUpdate is the delta a committed move applies to a session.
type MoveUpdate struct {
	Position           string    `json:"position"`
	ActiveColor        Color     `json:"active_color"`
	WhiteTimeRemaining int64     `json:"white_time_remaining"`
	BlackTimeRemaining int64     `json:"black_time_remaining"`
	LastMoveTimestamp  int64     `json:"last_move_timestamp"`
	Status             Status    `json:"status,omitempty"`
	WinnerID           *string   `json:"winner_id,omitempty"`
	EndReason          EndReason `json:"end_reason,omitempty"`
	LastMove           string    `json:"last_move,omitempty"`
	// Version is the version the update produces; it must be exactly one above the base.
	Version int64 `json:"version"`
}

// Apply returns the session with u applied. The base must be active and exactly one
// version behind u.
func (s *Session) Apply(u *MoveUpdate) (*Session, error) {
	if u == nil {
		return nil, invalid("nil move update")
	}
	if !s.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionFinished, s.ID)
	}
	if u.Version != s.Version+1 {
		return nil, fmt.Errorf("%w: base version %d, update version %d", ErrStaleUpdate, s.Version, u.Version)
	}
	out := s.Clone()
	out.Position = u.Position
	out.ActiveColor = u.ActiveColor
	out.WhiteTimeRemaining = u.WhiteTimeRemaining
	out.BlackTimeRemaining = u.BlackTimeRemaining
	out.LastMoveTimestamp = u.LastMoveTimestamp
	out.LastMove = u.LastMove
	out.MoveCount = s.MoveCount + 1
	out.Version = u.Version
	if u.Status != "" {
		out.Status = u.Status
	}
	if u.WinnerID != nil {
		out.WinnerID = *u.WinnerID
	}
	if u.EndReason != "" {
		out.EndReason = u.EndReason
	}
	return out, out.Validate()
}
