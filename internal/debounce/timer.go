// Package debounce provides a one-shot timer that can be re-armed and
// cancelled. It is used for the typing indicator timeout and the reconnect
// backoff.
package debounce

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer calls fire once after it has been armed and not re-armed or
// cancelled for the configured delay.
type Timer struct {
	clock clockwork.Clock
	delay time.Duration
	fire  func()

	mu    sync.Mutex
	timer clockwork.Timer
	gen   uint64
	armed bool
}

func New(clock clockwork.Clock, delay time.Duration, fire func()) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{
		clock: clock,
		delay: delay,
		fire:  fire,
	}
}

// Arm (re)starts the countdown with the default delay.
func (t *Timer) Arm() {
	t.ArmAfter(t.delay)
}

// ArmAfter (re)starts the countdown with delay d.
func (t *Timer) ArmAfter(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.timer = t.clock.AfterFunc(d, func() { t.expire(gen) })
}

// Cancel stops the countdown. It reports whether the timer was armed.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasArmed := t.armed
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.armed = false
	return wasArmed
}

// Armed reports whether the countdown is running.
func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	// A stale callback from a timer that was re-armed or cancelled after
	// it had already fired.
	if gen != t.gen || !t.armed {
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.timer = nil
	t.mu.Unlock()

	t.fire()
}
