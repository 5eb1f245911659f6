package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond)
}

func TestWatchdog_FiresOnceAfterTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(clock)
	var fired atomic.Int32

	w.Arm(30*time.Second, func() { fired.Add(1) })
	assert.True(t, w.Armed())

	clock.Advance(29 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(time.Second)
	waitFor(t, func() bool { return fired.Load() == 1 })
	assert.False(t, w.Armed())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(1), fired.Load())
	assert.False(t, w.Poke(), "poke after timeout must not rearm")
}

func TestWatchdog_PokeRestarts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(clock)
	var fired atomic.Int32

	w.Arm(10*time.Second, func() { fired.Add(1) })
	for i := 0; i < 5; i++ {
		clock.Advance(8 * time.Second)
		require.True(t, w.Poke())
	}
	assert.Equal(t, int32(0), fired.Load())

	clock.Advance(10 * time.Second)
	waitFor(t, func() bool { return fired.Load() == 1 })
}

func TestWatchdog_Disarm(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(clock)
	var fired atomic.Int32

	w.Arm(time.Second, func() { fired.Add(1) })
	w.Disarm()
	w.Disarm()
	assert.False(t, w.Armed())
	assert.False(t, w.Poke())

	clock.Advance(time.Minute)
	assert.Equal(t, int32(0), fired.Load())
}

func TestWatchdog_RearmReplacesCallback(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w := New(clock)
	var first, second atomic.Int32

	w.Arm(time.Second, func() { first.Add(1) })
	w.Arm(5*time.Second, func() { second.Add(1) })

	clock.Advance(time.Second)
	assert.Equal(t, int32(0), first.Load())
	clock.Advance(4 * time.Second)
	waitFor(t, func() bool { return second.Load() == 1 })
	assert.Equal(t, int32(0), first.Load())
}

func TestWatchdog_RepeatedConstruction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	for i := 0; i < 100; i++ {
		w := New(clock)
		w.Arm(time.Hour, func() { t.Error("unexpected timeout") })
		w.Disarm()
	}
	clock.Advance(2 * time.Hour)
}

func TestDeadline(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := NewDeadline(clock, 60*time.Second, 10*time.Second)

	assert.Equal(t, 60, d.SecondsRemaining())
	assert.False(t, d.Warning())
	assert.Equal(t, clock.Now().Add(time.Minute), d.At())

	clock.Advance(49 * time.Second)
	assert.Equal(t, 11, d.SecondsRemaining())
	assert.False(t, d.Warning())

	clock.Advance(time.Second)
	assert.Equal(t, 10, d.SecondsRemaining())
	assert.True(t, d.Warning())

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 10, d.SecondsRemaining(), "partial seconds round up")

	d.Reset()
	assert.Equal(t, 60, d.SecondsRemaining())
	assert.False(t, d.Warning())

	clock.Advance(2 * time.Minute)
	assert.True(t, d.Expired())
	assert.False(t, d.Warning())
	assert.Equal(t, 0, d.SecondsRemaining())
	assert.Equal(t, time.Duration(0), d.Remaining())
}
