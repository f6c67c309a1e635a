package domain

import "strings"

// Color identifies a side. Values match the FEN side-to-move field.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

func (c Color) Valid() bool { return c == White || c == Black }

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) Name() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return ""
	}
}

// ParseColor accepts "w", "white", "b", "black" (case-insensitive).
func ParseColor(s string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "w", "white":
		return White, true
	case "b", "black":
		return Black, true
	default:
		return "", false
	}
}

// Status is the lifecycle of a session. active → finished only.
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// EndReason records why a session finished.
type EndReason string

const (
	EndNone        EndReason = ""
	EndCheckmate   EndReason = "checkmate"
	EndStalemate   EndReason = "stalemate"
	EndDraw        EndReason = "draw"
	EndTimeout     EndReason = "timeout"
	EndDisconnect  EndReason = "disconnect"
	EndResignation EndReason = "resignation"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// DefaultClockMillis is the per-side budget of a 5+0 game.
const DefaultClockMillis int64 = 5 * 60 * 1000

// Logical record keys.
const TicketKey = "queue/ticket"

func GameKey(id string) string { return "games/" + strings.TrimSpace(id) }

func PointerKey(userID string) string { return "playerGames/" + strings.TrimSpace(userID) }
