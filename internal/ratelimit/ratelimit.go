// Package ratelimit throttles repeated failures per key with exponential
// backoff. It backs the unlock password check.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

// Policy controls when lockout starts and how long it lasts.
type Policy struct {
	// MaxFailures is the number of consecutive failures before lockout begins.
	MaxFailures int
	// BaseLockout is the initial lockout duration after MaxFailures is reached.
	BaseLockout time.Duration
	// MaxLockout caps the exponential backoff.
	MaxLockout time.Duration
	// Expiry is how long after the last failure before the record is forgotten.
	Expiry time.Duration
}

// DefaultPolicy mirrors the login limits: 5 failures, 1m doubling to 15m.
func DefaultPolicy() Policy {
	return Policy{
		MaxFailures: 5,
		BaseLockout: 1 * time.Minute,
		MaxLockout:  15 * time.Minute,
		Expiry:      1 * time.Hour,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxFailures <= 0 {
		p.MaxFailures = d.MaxFailures
	}
	if p.BaseLockout <= 0 {
		p.BaseLockout = d.BaseLockout
	}
	if p.MaxLockout <= 0 {
		p.MaxLockout = d.MaxLockout
	}
	if p.Expiry <= 0 {
		p.Expiry = d.Expiry
	}
	return p
}

// lockout returns the lockout for the given failure count, or zero when the
// count is still under the threshold.
// Exponential backoff: BaseLockout * 2^(failures - MaxFailures), capped.
func (p Policy) lockout(failures int) time.Duration {
	if failures < p.MaxFailures {
		return 0
	}
	shift := failures - p.MaxFailures
	d := p.BaseLockout
	for i := 0; i < shift; i++ {
		d *= 2
		if d > p.MaxLockout {
			return p.MaxLockout
		}
	}
	return d
}

// Limiter tracks failures per key.
type Limiter interface {
	// Check reports whether key is locked out and for how long.
	Check(ctx context.Context, key string) (blocked bool, retryAfter time.Duration, err error)
	// RecordFailure counts a failure and applies backoff once the threshold is hit.
	RecordFailure(ctx context.Context, key string) error
	// RecordSuccess clears state for key.
	RecordSuccess(ctx context.Context, key string) error
}

// RetryAfterSeconds formats d for a Retry-After header, never below one second.
func RetryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
