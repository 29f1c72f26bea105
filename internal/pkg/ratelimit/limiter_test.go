package ratelimit

import (
	"context"
	"fmt"
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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type limiterFactory func(t *testing.T, cfg Config, clock *fakeClock) Limiter

func backends() map[string]limiterFactory {
	return map[string]limiterFactory{
		"memory": func(t *testing.T, cfg Config, clock *fakeClock) Limiter {
			l, err := NewMemoryLimiter(cfg, WithClock(clock.Now))
			require.NoError(t, err)
			return l
		},
		"redis": func(t *testing.T, cfg Config, clock *fakeClock) Limiter {
			mr := miniredis.RunT(t)
			client := redis.NewFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil, logger.NewNop())
			t.Cleanup(func() { _ = client.Close() })
			l, err := NewRedisLimiter(client, cfg, WithClock(clock.Now))
			require.NoError(t, err)
			return l
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{MaxCalls: 0, Window: time.Second}.Validate())
	assert.Error(t, Config{MaxCalls: 1}.Validate())
}

func TestLimiter_SlidingWindow(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := factory(t, DefaultConfig(), clock)
			ctx := context.Background()

			d, err := l.Allow(ctx, "user:alice")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 1, d.Remaining)

			clock.Advance(400 * time.Millisecond)
			d, err = l.Allow(ctx, "user:alice")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)

			clock.Advance(100 * time.Millisecond)
			d, err = l.Allow(ctx, "user:alice")
			require.NoError(t, err)
			assert.False(t, d.Allowed, "third call inside the window must be rejected")
			assert.Equal(t, 2, d.Limit)
			assert.Equal(t, time.Second, d.Window)

			// 第一条记录在 t0+1s 滑出窗口
			clock.Advance(500 * time.Millisecond)
			d, err = l.Allow(ctx, "user:alice")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "call after the oldest stamp slides out must be admitted")

			// 此时窗口内是 t0+400ms 和 t0+1s
			d, err = l.Allow(ctx, "user:alice")
			require.NoError(t, err)
			assert.False(t, d.Allowed)
		})
	}
}

func TestLimiter_RejectionNotRecorded(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := factory(t, Config{MaxCalls: 1, Window: time.Second}, clock)
			ctx := context.Background()

			d, _ := l.Allow(ctx, "ip:10.0.0.1")
			require.True(t, d.Allowed)

			for i := 0; i < 5; i++ {
				clock.Advance(150 * time.Millisecond)
				d, err := l.Allow(ctx, "ip:10.0.0.1")
				require.NoError(t, err)
				assert.False(t, d.Allowed)
			}

			clock.Advance(250 * time.Millisecond)
			d, err := l.Allow(ctx, "ip:10.0.0.1")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestLimiter_IdentitiesIndependent(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, Config{MaxCalls: 1, Window: time.Second}, newFakeClock())
			ctx := context.Background()

			a, _ := l.Allow(ctx, "user:a")
			b, _ := l.Allow(ctx, "user:b")
			assert.True(t, a.Allowed)
			assert.True(t, b.Allowed)
		})
	}
}

func TestLimiter_InfoAndReset(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			l := factory(t, DefaultConfig(), clock)
			ctx := context.Background()

			d, err := l.Info(ctx, "user:a")
			require.NoError(t, err)
			assert.Equal(t, 2, d.Remaining)
			assert.True(t, d.ResetAt.IsZero())

			start := clock.Now()
			_, err = l.Allow(ctx, "user:a")
			require.NoError(t, err)

			d, err = l.Info(ctx, "user:a")
			require.NoError(t, err)
			assert.Equal(t, 1, d.Remaining)
			assert.True(t, d.Allowed)
			assert.Equal(t, start.Add(time.Second).UnixMilli(), d.ResetAt.UnixMilli())

			// Info 不记录调用
			d, _ = l.Info(ctx, "user:a")
			assert.Equal(t, 1, d.Remaining)

			require.NoError(t, l.Reset(ctx, "user:a"))
			d, _ = l.Info(ctx, "user:a")
			assert.Equal(t, 2, d.Remaining)
		})
	}
}

func TestLimiter_ConcurrentSameIdentity(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			l := factory(t, Config{MaxCalls: 5, Window: time.Minute}, newFakeClock())

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := l.Allow(context.Background(), "user:hot")
					if assert.NoError(t, err) && d.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(5), admitted.Load())
		})
	}
}

func TestMemoryLimiter_Prune(t *testing.T) {
	clock := newFakeClock()
	l, err := NewMemoryLimiter(DefaultConfig(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("user:%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 10, l.Len())
	assert.Equal(t, 0, l.Prune())

	clock.Advance(time.Second)
	assert.Equal(t, 10, l.Prune())
	assert.Equal(t, 0, l.Len())

	d, err := l.Allow(ctx, "user:1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
