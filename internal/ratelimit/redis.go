package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares failure counters between server instances. Each key has a
// counter that expires Policy.Expiry after the last failure and, once the
// threshold is reached, a lock key whose TTL is the remaining lockout.
type Redis struct {
	client *redis.Client
	policy Policy
	prefix string
}

var _ Limiter = (*Redis)(nil)

// NewRedis returns a Redis-backed limiter using keys under prefix.
func NewRedis(client *redis.Client, policy Policy, prefix string) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{client: client, policy: policy.withDefaults(), prefix: prefix}
}

func (r *Redis) failKey(key string) string { return r.prefix + "fail:" + key }
func (r *Redis) lockKey(key string) string { return r.prefix + "lock:" + key }

func (r *Redis) Check(ctx context.Context, key string) (bool, time.Duration, error) {
	ttl, err := r.client.PTTL(ctx, r.lockKey(key)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("checking lockout: %w", err)
	}
	// PTTL reports -2 for a missing key and -1 for a key without expiry.
	if ttl <= 0 {
		return false, 0, nil
	}
	return true, ttl, nil
}

func (r *Redis) RecordFailure(ctx context.Context, key string) error {
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, r.failKey(key))
		pipe.PExpire(ctx, r.failKey(key), r.policy.Expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}
	if d := r.policy.lockout(int(incr.Val())); d > 0 {
		if err := r.client.Set(ctx, r.lockKey(key), incr.Val(), d).Err(); err != nil {
			return fmt.Errorf("setting lockout: %w", err)
		}
	}
	return nil
}

func (r *Redis) RecordSuccess(ctx context.Context, key string) error {
	err := r.client.Del(ctx, r.failKey(key), r.lockKey(key)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clearing failures: %w", err)
	}
	return nil
}
