package session

import (
	"sync"
	"time"
)

// turnTimer owns the single logical deadline of a session's current turn.
// Every (re)schedule bumps the generation; ticks carry the generation they
// were armed with so the actor can drop stale ones. The grace timer posts an
// early tick with the same generation when the current player disconnects.
type turnTimer struct {
	mu       sync.Mutex
	gen      uint64
	deadline time.Time
	timer    *time.Timer
	grace    *time.Timer
	post     func(gen uint64)
}

func newTurnTimer(post func(gen uint64)) *turnTimer {
	return &turnTimer{post: post}
}

// Schedule arms the deadline timer for a new turn and returns the generation
// and absolute deadline.
func (t *turnTimer) Schedule(d time.Duration) (uint64, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked()
	t.gen++
	gen := t.gen
	t.deadline = time.Now().Add(d)
	t.timer = time.AfterFunc(d, func() { t.fire(gen) })
	return gen, t.deadline
}

// Grace arms the disconnect grace timer without touching the main deadline.
// Whichever fires first wins; the generation guard makes the second a no-op.
func (t *turnTimer) Grace(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return
	}
	gen := t.gen
	if t.grace != nil {
		t.grace.Stop()
	}
	t.grace = time.AfterFunc(d, func() { t.fire(gen) })
}

// CancelGrace stops a pending grace timer, e.g. on reconnect
func (t *turnTimer) CancelGrace() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
}

// Pause stops the timers and returns the remaining duration so a resume can
// re-base the deadline by the paused span.
func (t *turnTimer) Pause() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := time.Until(t.deadline)
	if remaining < 0 {
		remaining = 0
	}
	t.stopLocked()
	// Invalidate any tick already in flight.
	t.gen++
	return remaining
}

// Stop cancels all timers
func (t *turnTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.gen++
}

// Deadline returns the current absolute deadline
func (t *turnTimer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline
}

func (t *turnTimer) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
}

// fire posts a tick unless the generation is stale. Double-fires of the same
// generation (deadline and grace racing) are resolved by the actor, which
// drops the second after advancing the turn.
func (t *turnTimer) fire(gen uint64) {
	t.mu.Lock()
	current := t.gen
	t.mu.Unlock()
	if gen != current {
		return
	}
	t.post(gen)
}
