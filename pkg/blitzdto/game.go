package blitzdto

// GameView is a session as observers see it. Clocks are live at ServedAt.
type GameView struct {
	ID                 string `json:"id"`
	WhiteID            string `json:"white_id"`
	BlackID            string `json:"black_id"`
	Position           string `json:"position"`
	ActiveColor        string `json:"active_color"`
	WhiteTimeRemaining int64  `json:"white_time_remaining"`
	BlackTimeRemaining int64  `json:"black_time_remaining"`
	WhiteClock         string `json:"white_clock"`
	BlackClock         string `json:"black_clock"`
	Status             string `json:"status"`
	WinnerID           string `json:"winner_id"`
	EndReason          string `json:"end_reason,omitempty"`
	LastMove           string `json:"last_move,omitempty"`
	MoveCount          int    `json:"move_count"`
	Version            int64  `json:"version"`
	ServedAt           int64  `json:"served_at"`
}

// QueueView describes the waiting ticket.
type QueueView struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
	WaitingMs int64  `json:"waiting_ms"`
}

type Health struct {
	Status string `json:"status"`
	Redis  string `json:"redis"`
}
