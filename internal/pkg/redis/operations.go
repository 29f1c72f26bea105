package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ==================== Key Operations ====================

// Del 删除键
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("redis del failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return n, err
}

// ==================== Lua Script Operations ====================

// RunScript 执行脚本，优先 EVALSHA，NOSCRIPT 时自动回退 EVAL
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil && !IsNil(err) {
		c.logger.Error("redis script failed",
			zap.Strings("keys", keys),
			zap.Error(err),
		)
	}
	return result, err
}

// ==================== Distributed Lock ====================

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Lock 获取分布式锁，返回用于释放的 token
func (c *Client) Lock(ctx context.Context, key string, expiration time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := c.rdb.SetNX(ctx, key, token, expiration).Result()
	if err != nil {
		c.logger.Error("redis lock failed", zap.String("key", key), zap.Error(err))
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrLockNotAcquired, key)
	}

	c.logger.Debug("redis lock acquired",
		zap.String("key", key),
		zap.Duration("expiration", expiration),
	)
	return token, nil
}

// Unlock 释放分布式锁（使用 Lua 脚本保证原子性）
func (c *Client) Unlock(ctx context.Context, key, token string) error {
	result, err := unlockScript.Run(ctx, c.rdb, []string{key}, token).Int64()
	if err != nil {
		c.logger.Error("redis unlock failed", zap.String("key", key), zap.Error(err))
		return err
	}
	if result == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, key)
	}

	c.logger.Debug("redis lock released", zap.String("key", key))
	return nil
}

// TryLock 在 ctx 结束前按 retryDelay 间隔反复尝试获取锁
func (c *Client) TryLock(ctx context.Context, key string, expiration, retryDelay time.Duration) (string, error) {
	for {
		token, err := c.Lock(ctx, key, expiration)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrLockNotAcquired) {
			// 等待期限在 SETNX 往返中到达时同样视为未取得锁
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctxErr)
			}
			return "", err
		}

		timer := time.NewTimer(retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Warn("redis trylock gave up",
				zap.String("key", key),
				zap.Error(ctx.Err()),
			)
			return "", fmt.Errorf("%w: %s: %v", ErrLockNotAcquired, key, ctx.Err())
		case <-timer.C:
		}
	}
}
