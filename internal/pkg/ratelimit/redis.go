package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
)

// 分数与成员均为毫秒时间戳；成员追加 uuid 避免同一毫秒内的调用互相覆盖。
// 淘汰规则与内存实现一致：now - ts >= window 即过期。
var allowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local current = redis.call('ZCARD', key)
local allowed = 0
if current < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	current = current + 1
	allowed = 1
end

local reset = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
return {allowed, limit - current, reset}
`)

var infoScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local current = redis.call('ZCARD', key)
local reset = 0
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end
local allowed = 0
if current < limit then
	allowed = 1
end
return {allowed, limit - current, reset}
`)

// RedisLimiter shares windows across instances. Each check runs as one Lua
// script, so redis serializes it per key.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	now    func() time.Time
}

// NewRedisLimiter creates a redis-backed sliding window limiter
func NewRedisLimiter(client *redis.Client, cfg Config, opts ...Option) (*RedisLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	return &RedisLimiter{client: client, cfg: cfg, now: o.now}, nil
}

func (l *RedisLimiter) key(identity string) string {
	return l.client.Key("ratelimit", identity)
}

// Allow records and admits the call when the window has room
func (l *RedisLimiter) Allow(ctx context.Context, identity string) (Decision, error) {
	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	res, err := l.client.RunScript(ctx, allowScript, []string{l.key(identity)},
		now, l.cfg.Window.Milliseconds(), l.cfg.MaxCalls, member)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: allow %s: %w", identity, err)
	}
	return l.parse(res)
}

// Info reports the window without recording a call
func (l *RedisLimiter) Info(ctx context.Context, identity string) (Decision, error) {
	now := l.now().UnixMilli()
	res, err := l.client.RunScript(ctx, infoScript, []string{l.key(identity)},
		now, l.cfg.Window.Milliseconds(), l.cfg.MaxCalls)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: info %s: %w", identity, err)
	}
	return l.parse(res)
}

// Reset forgets every recorded call of identity
func (l *RedisLimiter) Reset(ctx context.Context, identity string) error {
	_, err := l.client.Del(ctx, l.key(identity))
	return err
}

func (l *RedisLimiter) parse(res interface{}) (Decision, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)

	d := Decision{
		Allowed:   allowed == 1,
		Limit:     l.cfg.MaxCalls,
		Remaining: int(remaining),
		Window:    l.cfg.Window,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if resetMs > 0 {
		d.ResetAt = time.UnixMilli(resetMs)
	}
	return d, nil
}
