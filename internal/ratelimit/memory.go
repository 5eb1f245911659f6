package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Memory is a process-local Limiter.
type Memory struct {
	mu       sync.Mutex
	policy   Policy
	clock    clockwork.Clock
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory returns an in-memory limiter. A nil clock uses the wall clock.
func NewMemory(policy Policy, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		policy:   policy.withDefaults(),
		clock:    clock,
		attempts: make(map[string]*attemptRecord),
	}
}

func (m *Memory) Check(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attempts[key]
	if !ok {
		return false, 0, nil
	}
	now := m.clock.Now()
	// Expire stale records.
	if now.Sub(rec.lastFailure) > m.policy.Expiry {
		delete(m.attempts, key)
		return false, 0, nil
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now), nil
	}
	return false, 0, nil
}

func (m *Memory) RecordFailure(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		m.attempts[key] = rec
	}
	now := m.clock.Now()
	rec.failures++
	rec.lastFailure = now
	if d := m.policy.lockout(rec.failures); d > 0 {
		rec.lockedUntil = now.Add(d)
	}
	return nil
}

func (m *Memory) RecordSuccess(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	return nil
}

// Sweep removes expired records. Call periodically from a background goroutine.
func (m *Memory) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for key, rec := range m.attempts {
		if now.Sub(rec.lastFailure) > m.policy.Expiry {
			delete(m.attempts, key)
		}
	}
}

// Len reports how many keys are tracked.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}
