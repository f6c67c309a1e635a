package pvpclock

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-blitz/internal/domain"
)

var t0 = time.UnixMilli(1_700_000_000_000)

func TestRemainingRunsOnlyActiveSide(t *testing.T) {
	s := Snapshot{Active: domain.White, WhiteMs: 300000, BlackMs: 300000, LastMoveAt: t0.UnixMilli(), Running: true}
	w, b := s.Remaining(t0.Add(1500 * time.Millisecond))
	if w != 298500 || b != 300000 {
		t.Fatalf("remaining = %d/%d", w, b)
	}
	w, _ = s.Remaining(t0.Add(10 * time.Minute))
	if w != 0 {
		t.Fatalf("clamp failed: %d", w)
	}
	// clocks never run backwards when the local clock lags the writer
	w, _ = s.Remaining(t0.Add(-time.Second))
	if w != 300000 {
		t.Fatalf("negative elapsed: %d", w)
	}
	s.Running = false
	w, _ = s.Remaining(t0.Add(time.Minute))
	if w != 300000 {
		t.Fatalf("stopped clock moved: %d", w)
	}
}

func newWatch(t *testing.T) (*Watch, *clockwork.FakeClock, chan domain.Color) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(t0)
	fired := make(chan domain.Color, 4)
	w := New(fc, func(c domain.Color) { fired <- c })
	t.Cleanup(w.Stop)
	return w, fc, fired
}

func waitTimer(t *testing.T, fc *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("timer not armed: %v", err)
	}
}

func expectFire(t *testing.T, ch <-chan domain.Color, want domain.Color) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("fired for %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout did not fire")
	}
}

func expectQuiet(t *testing.T, ch <-chan domain.Color) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected fire for %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchFiresOnce(t *testing.T) {
	w, fc, fired := newWatch(t)
	snap := Snapshot{Active: domain.Black, WhiteMs: 5000, BlackMs: 1000, LastMoveAt: t0.UnixMilli(), Running: true}
	w.Reset(snap)
	waitTimer(t, fc)

	fc.Advance(999 * time.Millisecond)
	expectQuiet(t, fired)
	fc.Advance(time.Millisecond)
	expectFire(t, fired, domain.Black)

	// same authoritative snapshot keeps the latch
	w.Reset(snap)
	fc.Advance(time.Minute)
	expectQuiet(t, fired)
	if !w.Fired() {
		t.Fatalf("latch should be set")
	}
}

func TestWatchResetRearms(t *testing.T) {
	w, fc, fired := newWatch(t)
	w.Reset(Snapshot{Active: domain.White, WhiteMs: 2000, BlackMs: 2000, LastMoveAt: t0.UnixMilli(), Running: true})
	waitTimer(t, fc)
	fc.Advance(time.Second)

	// white moved: black's clock now runs from here
	w.Reset(Snapshot{Active: domain.Black, WhiteMs: 1000, BlackMs: 2000, LastMoveAt: fc.Now().UnixMilli(), Running: true})
	waitTimer(t, fc)
	fc.Advance(1500 * time.Millisecond)
	expectQuiet(t, fired)
	fc.Advance(500 * time.Millisecond)
	expectFire(t, fired, domain.Black)
	if w.Fired() != true {
		t.Fatalf("latch not set")
	}
}

func TestWatchExpiredSnapshotFiresImmediately(t *testing.T) {
	w, _, fired := newWatch(t)
	w.Reset(Snapshot{Active: domain.White, WhiteMs: 500, BlackMs: 500, LastMoveAt: t0.Add(-time.Second).UnixMilli(), Running: true})
	expectFire(t, fired, domain.White)
}

func TestWatchStop(t *testing.T) {
	w, fc, fired := newWatch(t)
	w.Reset(Snapshot{Active: domain.White, WhiteMs: 1000, BlackMs: 1000, LastMoveAt: t0.UnixMilli(), Running: true})
	waitTimer(t, fc)
	w.Stop()
	fc.Advance(time.Minute)
	expectQuiet(t, fired)

	w.Reset(Snapshot{Active: domain.Black, WhiteMs: 0, BlackMs: 0, LastMoveAt: t0.UnixMilli(), Running: true})
	expectQuiet(t, fired)
}

func TestWatchNotRunning(t *testing.T) {
	w, fc, fired := newWatch(t)
	w.Reset(Snapshot{Active: domain.White, WhiteMs: 1, BlackMs: 1, LastMoveAt: t0.UnixMilli(), Running: false})
	fc.Advance(time.Minute)
	expectQuiet(t, fired)
}

func TestFormatClock(t *testing.T) {
	cases := map[int64]string{
		300000: "5:00",
		299000: "4:59",
		298001: "4:59",
		59001:  "1:00",
		1:      "0:01",
		0:      "0:00",
		-5:     "0:00",
	}
	for ms, want := range cases {
		if got := FormatClock(ms); got != want {
			t.Fatalf("FormatClock(%d) = %q, want %q", ms, got, want)
		}
	}
}
