package domain

import (
	"errors"
	"testing"
)

func TestSessionApply(t *testing.T) {
	s := NewSession("g1", "A", "B", 0, 1000)
	if s.WhiteTimeRemaining != DefaultClockMillis || s.BlackTimeRemaining != DefaultClockMillis {
		t.Fatalf("unexpected clocks: %d/%d", s.WhiteTimeRemaining, s.BlackTimeRemaining)
	}
	u := &MoveUpdate{
		Position:           "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1",
		ActiveColor:        Black,
		WhiteTimeRemaining: 299000,
		BlackTimeRemaining: DefaultClockMillis,
		LastMoveTimestamp:  2000,
		LastMove:           "e2e4",
		Version:            2,
	}
	next, err := s.Apply(u)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if next.ActiveColor != Black || next.WhiteTimeRemaining != 299000 || next.MoveCount != 1 || next.Version != 2 {
		t.Fatalf("unexpected session after apply: %+v", next)
	}
	if s.Version != 1 || s.ActiveColor != White {
		t.Fatalf("Apply mutated the base session")
	}

	// same update again is stale
	if _, err := next.Apply(u); err == nil {
		t.Fatalf("expected stale update rejection")
	}
}

func TestSessionFinishIsMonotonic(t *testing.T) {
	s := NewSession("g1", "A", "B", 0, 1000)
	done, err := s.Finish("A", EndTimeout)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if done.Status != StatusFinished || done.WinnerID != "A" || done.Version != 2 {
		t.Fatalf("unexpected finished session: %+v", done)
	}
	if _, err := done.Finish("B", EndDisconnect); err == nil {
		t.Fatalf("expected error finishing twice")
	}
	if _, err := s.Finish("C", EndTimeout); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected invalid winner error, got %v", err)
	}
}

func TestDecodeRejectsLooseShapes(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"no user":       `{"timestamp": 5}`,
		"no timestamp":  `{"user_id": "A"}`,
		"not an object": `[1,2]`,
	}
	for name, raw := range cases {
		if _, err := DecodeTicket([]byte(raw)); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("%s: expected ErrInvalidRecord, got %v", name, err)
		}
	}

	if _, err := DecodePointer([]byte(`{"game_id":"g","color":"x","opponent_id":"B"}`)); err == nil {
		t.Fatalf("expected invalid pointer color")
	}
	if _, err := DecodeSession([]byte(`{"id":"g","white_id":"A","black_id":"A","position":"x","active_color":"w","status":"active"}`)); err == nil {
		t.Fatalf("expected identical participants to be rejected")
	}
}

func TestEncodeDecodeSession(t *testing.T) {
	s := NewSession("g1", "A", "B", 60000, 1000)
	raw, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeSession(raw)
	if err != nil {
		t.Fatalf("DecodeSession: %v", err)
	}
	if got.ColorOf("A") != White || got.ColorOf("B") != Black || got.ColorOf("C") != "" {
		t.Fatalf("unexpected colors")
	}
	if got.OpponentOf("B") != "A" || got.PlayerOf(Black) != "B" {
		t.Fatalf("unexpected participant lookup")
	}
}

func TestParseColor(t *testing.T) {
	if c, ok := ParseColor(" White "); !ok || c != White {
		t.Fatalf("white parse failed")
	}
	if c, ok := ParseColor("b"); !ok || c != Black || c.Opponent() != White {
		t.Fatalf("black parse failed")
	}
	if _, ok := ParseColor("random"); ok {
		t.Fatalf("random must not parse")
	}
}
