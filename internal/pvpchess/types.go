package pvpchess

import (
	"errors"

	"github.com/park285/cheese-blitz/internal/domain"
)

var (
	ErrNotFound       = errors.New("game not found")
	ErrNotParticipant = errors.New("user is not a participant of the game")
	ErrClosed         = errors.New("game session closed")
)

// View is one client's snapshot of a session. Clocks are live at the time it was taken.
type View struct {
	GameID      string
	MyColor     domain.Color
	OpponentID  string
	Position    string
	ActiveColor domain.Color
	WhiteMs     int64
	BlackMs     int64
	Status      domain.Status
	WinnerID    string
	EndReason   domain.EndReason
	InCheck     bool
	LastMove    string
	MoveCount   int
	Version     int64
	// Gone is set once the record was destroyed after both participants released it.
	Gone bool
}

func (v View) MyTurn() bool { return v.Status == domain.StatusActive && v.ActiveColor == v.MyColor }

func (v View) Finished() bool { return v.Status == domain.StatusFinished }

// ResultKey names the outcome from this viewer's side, e.g. "win_checkmate",
// "loss_timeout", "draw_stalemate". Empty while the game runs.
func (v View) ResultKey() string {
	if !v.Finished() {
		return ""
	}
	reason := string(v.EndReason)
	if reason == "" {
		reason = string(domain.EndDraw)
	}
	switch {
	case v.WinnerID == "":
		return "draw_" + reason
	case v.WinnerID == v.OpponentID:
		return "loss_" + reason
	default:
		return "win_" + reason
	}
}
