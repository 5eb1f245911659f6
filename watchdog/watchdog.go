// Package watchdog provides a resettable idle timer and a countdown
// deadline with a warning threshold.
package watchdog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Watchdog calls a function once after a period with no Poke.
type Watchdog struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	timer     clockwork.Timer
	timeout   time.Duration
	onTimeout func()
	gen       uint64
	armed     bool
}

// New returns a disarmed watchdog. A nil clock uses the wall clock.
func New(clock clockwork.Clock) *Watchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{clock: clock}
}

// Arm starts the idle timer, replacing any previous arming.
func (w *Watchdog) Arm(timeout time.Duration, onTimeout func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.timeout = timeout
	w.onTimeout = onTimeout
	w.armed = true
	w.startLocked()
}

// Poke restarts the idle timer. It reports false if the watchdog is not armed.
func (w *Watchdog) Poke() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.armed {
		return false
	}
	w.stopLocked()
	w.startLocked()
	return true
}

// Disarm cancels the timer. onTimeout will not run afterwards unless the
// watchdog is armed again.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.armed = false
	w.onTimeout = nil
}

// Armed reports whether a timeout is pending.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}

func (w *Watchdog) startLocked() {
	w.gen++
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if !w.armed || gen != w.gen {
		w.mu.Unlock()
		return
	}
	fn := w.onTimeout
	w.armed = false
	w.onTimeout = nil
	w.timer = nil
	w.mu.Unlock()

	if fn != nil {
		fn()
	}
}
