package pvpmatch

import "github.com/park285/cheese-blitz/internal/domain"

// MatchResult is what a client needs to open its side of a session.
type MatchResult struct {
	GameID     string
	Color      domain.Color
	OpponentID string
}

// OnMatched runs once per handle, on the client's event loop.
type OnMatched func(MatchResult)

// Outcome of a Join.
type Outcome string

const (
	OutcomeWaiting        Outcome = "waiting"
	OutcomeAlreadyWaiting Outcome = "already_waiting"
	OutcomePaired         Outcome = "paired"
)

// Errors
var ErrInvalidArgs = errf("invalid arguments")

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }
