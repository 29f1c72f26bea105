package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertExclusive(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "dedup:alice:abc")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestRegistry_Exclusive(t *testing.T) {
	r := NewRegistry()
	assertExclusive(t, r)
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_IndependentKeys(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	unlockA, err := r.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := r.Lock(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	unlockA()
	unlockB()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_ContextCancelWhileWaiting(t *testing.T) {
	r := NewRegistry()
	unlock, err := r.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // 幂等
	assert.Equal(t, 0, r.Len())
}

func newRedisLocker(t *testing.T, cfg RedisConfig) *RedisLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil, logger.NewNop())
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, cfg, logger.NewNop())
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l := newRedisLocker(t, RedisConfig{TTL: time.Minute, RetryDelay: time.Millisecond})
	assertExclusive(t, l)
}

func TestRedisLocker_WaitTimeout(t *testing.T) {
	l := newRedisLocker(t, RedisConfig{TTL: time.Minute, RetryDelay: time.Millisecond, WaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "quota:alice")
	require.NoError(t, err)
	defer unlock()

	_, err = l.Lock(ctx, "quota:alice")
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)
}

func TestRedisLocker_DoneContextIsNotAcquired(t *testing.T) {
	l := newRedisLocker(t, RedisConfig{TTL: time.Minute, RetryDelay: time.Millisecond, WaitTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	unlock, err := l.Lock(ctx, "dedup:alice:abc")
	assert.Nil(t, unlock)
	assert.ErrorIs(t, err, redis.ErrLockNotAcquired)
	assert.ErrorContains(t, err, context.Canceled.Error())
}
