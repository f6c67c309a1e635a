// Package pvpclock derives live countdowns from the authoritative session clocks and
// fires a timeout exactly once per expiry.
package pvpclock

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/park285/cheese-blitz/internal/domain"
)

// Snapshot is the clock state carried by a session record.
type Snapshot struct {
	Active     domain.Color
	WhiteMs    int64
	BlackMs    int64
	LastMoveAt int64 // unix ms
	Running    bool
}

// FromSession takes the clock fields of s. Finished sessions are not running.
func FromSession(s *domain.Session) Snapshot {
	return Snapshot{
		Active:     s.ActiveColor,
		WhiteMs:    s.WhiteTimeRemaining,
		BlackMs:    s.BlackTimeRemaining,
		LastMoveAt: s.LastMoveTimestamp,
		Running:    s.Active(),
	}
}

// Remaining returns both live clocks at now. Only the active side runs; both clamp at 0.
func (s Snapshot) Remaining(now time.Time) (whiteMs, blackMs int64) {
	whiteMs, blackMs = s.WhiteMs, s.BlackMs
	if !s.Running {
		return clamp(whiteMs), clamp(blackMs)
	}
	elapsed := now.UnixMilli() - s.LastMoveAt
	if elapsed < 0 {
		elapsed = 0
	}
	if s.Active == domain.White {
		whiteMs -= elapsed
	} else {
		blackMs -= elapsed
	}
	return clamp(whiteMs), clamp(blackMs)
}

func (s Snapshot) RemainingOf(c domain.Color, now time.Time) int64 {
	w, b := s.Remaining(now)
	if c == domain.White {
		return w
	}
	return b
}

func clamp(ms int64) int64 {
	if ms < 0 {
		return 0
	}
	return ms
}

// Watch schedules the timeout of the current snapshot.
type Watch struct {
	clock    clockwork.Clock
	onExpire func(domain.Color)

	mu      sync.Mutex
	snap    Snapshot
	hasSnap bool
	timer   clockwork.Timer
	gen     uint64
	fired   bool
	stopped bool
}

// New returns an idle watch. onExpire receives the side whose clock ran out; it runs on
// a timer goroutine.
func New(clock clockwork.Clock, onExpire func(domain.Color)) *Watch {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watch{clock: clock, onExpire: onExpire}
}

// Reset re-arms the watch for s. An identical snapshot keeps the current schedule and
// latch; any other snapshot clears the latch.
func (w *Watch) Reset(s Snapshot) {
	w.mu.Lock()
	if w.stopped || (w.hasSnap && w.snap == s) {
		w.mu.Unlock()
		return
	}
	w.snap, w.hasSnap, w.fired = s, true, false
	w.gen++
	gen := w.gen
	old := w.timer
	w.timer = nil
	w.mu.Unlock()

	// timers are touched outside mu: a fake clock may run callbacks synchronously
	if old != nil {
		old.Stop()
	}
	if !s.Running {
		return
	}
	left := time.Duration(s.RemainingOf(s.Active, w.clock.Now())) * time.Millisecond
	if left <= 0 {
		go w.fire(gen)
		return
	}
	t := w.clock.AfterFunc(left, func() { w.fire(gen) })

	w.mu.Lock()
	if w.gen != gen || w.stopped {
		w.mu.Unlock()
		t.Stop()
		return
	}
	w.timer = t
	w.mu.Unlock()
}

func (w *Watch) fire(gen uint64) {
	w.mu.Lock()
	if w.stopped || w.gen != gen || w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	side := w.snap.Active
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire(side)
	}
}

// Stop cancels any pending timeout. A stopped watch ignores Reset.
func (w *Watch) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.gen++
	t := w.timer
	w.timer = nil
	w.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// Remaining returns the live clocks of the current snapshot.
func (w *Watch) Remaining() (whiteMs, blackMs int64) {
	w.mu.Lock()
	s := w.snap
	w.mu.Unlock()
	return s.Remaining(w.clock.Now())
}

// Fired reports whether the timeout of the current snapshot already fired.
func (w *Watch) Fired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// FormatClock renders ms as m:ss, rounding partial seconds up.
func FormatClock(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := (ms + 999) / 1000
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
