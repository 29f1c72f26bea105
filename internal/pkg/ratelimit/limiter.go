// Package ratelimit implements sliding-window admission control keyed by
// client identity.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Config 滑动窗口参数
type Config struct {
	MaxCalls int           // 窗口内允许的最大调用数
	Window   time.Duration // 窗口长度
}

// DefaultConfig 2 次 / 1 秒
func DefaultConfig() Config {
	return Config{MaxCalls: 2, Window: time.Second}
}

// Validate checks the window parameters
func (c Config) Validate() error {
	if c.MaxCalls <= 0 {
		return errors.New("ratelimit: max_calls must be > 0")
	}
	if c.Window <= 0 {
		return errors.New("ratelimit: window must be > 0")
	}
	return nil
}

// Decision is the outcome of one admission check, or a read-only snapshot.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Window    time.Duration
	// ResetAt is when the oldest recorded call leaves the window; zero when
	// nothing is recorded.
	ResetAt time.Time
}

// Limiter admits or rejects calls per identity. A rejected call is not
// recorded, so rejections never extend the window.
type Limiter interface {
	Allow(ctx context.Context, identity string) (Decision, error)
	Info(ctx context.Context, identity string) (Decision, error)
	Reset(ctx context.Context, identity string) error
}

// Option customises a limiter
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, used by tests to step the window deterministically
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
