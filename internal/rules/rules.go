// Package rules adapts github.com/corentings/chess/v2 to the move-legality capability the
// session state machine depends on. Positions travel as FEN strings.
package rules

import (
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-blitz/internal/domain"
)

var ErrInvalidPosition = errors.New("invalid position")

// Position is a FEN-encoded board state.
type Position string

type Move struct {
	From      string
	To        string
	Promotion string
	UCI       string
}

// Result describes an attempted move. Everything but Accepted is zero when the move
// was rejected.
type Result struct {
	Accepted  bool
	Position  Position
	UCI       string
	SAN       string
	Checkmate bool
	Stalemate bool
	// Draw is insufficient material or the 75-move rule. Positions carry no history,
	// so repetition is never reported.
	Draw      bool
	InCheck   bool
}

type Engine interface {
	LoadPosition(encoded string) (Position, error)
	LegalMoves(pos Position, square string) []Move
	ApplyMove(pos Position, from, to, promotion string) Result
	TurnToMove(pos Position) domain.Color
}

// Standard implements Engine with standard chess rules.
type Standard struct{}

func NewStandard() Standard { return Standard{} }

func (Standard) LoadPosition(encoded string) (Position, error) {
	game, err := load(Position(encoded))
	if err != nil {
		return "", err
	}
	return Position(game.Position().String()), nil
}

func (Standard) LegalMoves(pos Position, square string) []Move {
	game, err := load(pos)
	if err != nil {
		return nil
	}
	square = strings.ToLower(strings.TrimSpace(square))
	var out []Move
	for _, mv := range game.ValidMoves() {
		if square != "" && mv.S1().String() != square {
			continue
		}
		out = append(out, toMove(mv.String()))
	}
	return out
}

func (Standard) ApplyMove(pos Position, from, to, promotion string) Result {
	game, err := load(pos)
	if err != nil {
		return Result{}
	}
	uci := strings.ToLower(strings.TrimSpace(from) + strings.TrimSpace(to) + strings.TrimSpace(promotion))
	if !isLegal(game, uci) {
		// a bare pawn move to the last rank defaults to a queen
		if promotion == "" && isLegal(game, uci+"q") {
			uci += "q"
		} else {
			return Result{}
		}
	}

	before := game.Position()
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Result{}
	}
	last := lastMove(game)
	if last == nil {
		return Result{}
	}

	res := Result{
		Accepted: true,
		Position: Position(game.Position().String()),
		UCI:      uci,
		SAN:      nchess.AlgebraicNotation{}.Encode(before, last),
		InCheck:  last.HasTag(nchess.Check),
	}
	switch game.Outcome() {
	case nchess.WhiteWon, nchess.BlackWon:
		res.Checkmate = game.Method() == nchess.Checkmate
	case nchess.Draw:
		if game.Method() == nchess.Stalemate {
			res.Stalemate = true
		} else {
			res.Draw = true
		}
	}
	return res
}

func (Standard) TurnToMove(pos Position) domain.Color {
	game, err := load(pos)
	if err != nil {
		return ""
	}
	return colorFrom(game.Position().Turn())
}

func load(pos Position) (*nchess.Game, error) {
	fen := strings.TrimSpace(string(pos))
	if fen == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPosition)
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	return nchess.NewGame(opt), nil
}

func isLegal(game *nchess.Game, uci string) bool {
	for _, mv := range game.ValidMoves() {
		if mv.String() == uci {
			return true
		}
	}
	return false
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func toMove(uci string) Move {
	m := Move{UCI: uci}
	if len(uci) >= 4 {
		m.From, m.To = uci[:2], uci[2:4]
		m.Promotion = uci[4:]
	}
	return m
}

func colorFrom(c nchess.Color) domain.Color {
	if c == nchess.White {
		return domain.White
	}
	return domain.Black
}
