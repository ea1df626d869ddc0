package locking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, zerolog.Nop()), srv
}

func TestAcquireIsExclusive(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	key := InstanceLockKey("inst-1")

	release, ok := locker.Acquire(ctx, key, 30*time.Second)
	require.True(t, ok)

	_, ok = locker.Acquire(ctx, key, 30*time.Second)
	assert.False(t, ok)

	release()

	release2, ok := locker.Acquire(ctx, key, 30*time.Second)
	require.True(t, ok)
	release2()
}

func TestReleaseIgnoresTakenOverLock(t *testing.T) {
	locker, srv := newTestLocker(t)
	ctx := context.Background()
	key := InstanceLockKey("inst-2")

	release, ok := locker.Acquire(ctx, key, time.Second)
	require.True(t, ok)

	// Lease expires and another holder takes the lock.
	srv.FastForward(2 * time.Second)
	release2, ok := locker.Acquire(ctx, key, 30*time.Second)
	require.True(t, ok)

	// The stale release must not free the new holder's lock.
	release()
	_, ok = locker.Acquire(ctx, key, 30*time.Second)
	assert.False(t, ok)
	release2()
}

func TestLockKeyFormat(t *testing.T) {
	assert.Equal(t, "lock:instance:abc", InstanceLockKey("abc"))
}
