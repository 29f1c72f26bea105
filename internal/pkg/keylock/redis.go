package keylock

import (
	"context"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	"go.uber.org/zap"
)

// RedisConfig tunes the distributed lock
type RedisConfig struct {
	TTL         time.Duration // 锁自动过期时间，需大于一次上传的最长耗时
	RetryDelay  time.Duration
	WaitTimeout time.Duration // 0 表示只受 ctx 限制
}

// RedisLocker serializes keys across every instance sharing one redis.
type RedisLocker struct {
	client *redis.Client
	cfg    RedisConfig
	logger *logger.Logger
}

// NewRedisLocker builds a Locker on top of the redis SETNX lock
func NewRedisLocker(client *redis.Client, cfg RedisConfig, log *logger.Logger) *RedisLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}
	if log == nil {
		log = logger.L()
	}
	return &RedisLocker{client: client, cfg: cfg, logger: log}
}

// Lock polls for the key until acquired, ctx ends or WaitTimeout elapses.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx := ctx
	if l.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.cfg.WaitTimeout)
		defer cancel()
	}

	redisKey := l.client.Key("lock", key)
	token, err := l.client.TryLock(waitCtx, redisKey, l.cfg.TTL, l.cfg.RetryDelay)
	if err != nil {
		return nil, err
	}

	return func() {
		// 释放不受请求 ctx 取消影响
		if err := l.client.Unlock(context.WithoutCancel(ctx), redisKey, token); err != nil {
			l.logger.WithContext(ctx).Warn("release distributed lock failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}, nil
}
