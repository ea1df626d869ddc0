// Package locking provides the distributed per-instance lock that keeps
// orchestration single-writer across processes.
package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// InstanceLockKey formats the lock key for an instance.
func InstanceLockKey(instanceID string) string {
	return fmt.Sprintf("lock:instance:%s", instanceID)
}

// Locker acquires and releases leased locks. Acquisition is
// non-blocking: contention is reported, not waited out.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (release func(), acquired bool)
}

// RedisLocker implements Locker with SET NX PX. Each acquisition stores a
// unique token; release deletes the key only when the token still
// matches, so an expired lease taken over by another holder is never
// released by the original owner.
type RedisLocker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisLocker builds a locker on an existing client.
func NewRedisLocker(client *redis.Client, logger zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client: client,
		logger: logger.With().Str("component", "locking").Logger(),
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Acquire takes the lock if free. Errors talking to Redis count as
// contention: the caller retries via broker redelivery either way.
func (l *RedisLocker) Acquire(ctx context.Context, key string, lease time.Duration) (func(), bool) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		l.logger.Error().Err(err).Str("lock_key", key).Msg("lock acquisition failed")
		return nil, false
	}
	if !ok {
		l.logger.Debug().Str("lock_key", key).Msg("lock held elsewhere")
		return nil, false
	}

	release := func() {
		// Best-effort: a fresh context so release still runs when the
		// caller's context is already cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := releaseScript.Run(ctx, l.client, []string{key}, token).Result(); err != nil {
			l.logger.Warn().Err(err).Str("lock_key", key).Msg("lock release failed")
		}
	}
	return release, true
}
