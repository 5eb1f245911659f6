package watchdog

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Deadline is a countdown of a fixed length with a warning threshold. It is
// not safe for concurrent use.
type Deadline struct {
	clock    clockwork.Clock
	total    time.Duration
	warn     time.Duration
	deadline time.Time
}

// NewDeadline starts a countdown of total ending at now+total.
func NewDeadline(clock clockwork.Clock, total, warn time.Duration) *Deadline {
	d := &Deadline{clock: clock, total: total, warn: warn}
	d.Reset()
	return d
}

// Reset restarts the countdown at its full length.
func (d *Deadline) Reset() {
	d.deadline = d.clock.Now().Add(d.total)
}

// At returns the absolute deadline.
func (d *Deadline) At() time.Time { return d.deadline }

// Remaining returns time left, clamped at zero.
func (d *Deadline) Remaining() time.Duration {
	r := d.deadline.Sub(d.clock.Now())
	if r < 0 {
		return 0
	}
	return r
}

// SecondsRemaining rounds the remaining time up to whole seconds.
func (d *Deadline) SecondsRemaining() int {
	return int((d.Remaining() + time.Second - 1) / time.Second)
}

// Warning reports whether the countdown is inside the warning threshold.
func (d *Deadline) Warning() bool {
	r := d.Remaining()
	return r > 0 && r <= d.warn
}

// Expired reports whether the deadline has passed.
func (d *Deadline) Expired() bool {
	return d.Remaining() == 0
}
