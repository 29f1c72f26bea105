package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Config Worker Pool 配置
type Config struct {
	Size           int           `mapstructure:"size"`            // worker 数量上限
	ExpiryDuration time.Duration `mapstructure:"expiry_duration"` // 空闲 worker 回收间隔
	Nonblocking    bool          `mapstructure:"nonblocking"`     // 满载时直接返回 ErrPoolFull
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Size:           8,
		ExpiryDuration: time.Minute,
	}
}

// Statistics 统计信息
type Statistics struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// Pool 基于 ants 的 worker pool
type Pool struct {
	pool   *ants.Pool
	config *Config
	logger *zap.Logger

	mu    sync.Mutex
	stats Statistics
}

// New 创建 Worker Pool
func New(config *Config, logger *zap.Logger) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Size <= 0 {
		return nil, fmt.Errorf("worker pool size must be > 0, got %d", config.Size)
	}

	opts := []ants.Option{
		ants.WithNonblocking(config.Nonblocking),
		ants.WithPanicHandler(func(err interface{}) {
			logger.Error("worker panic", zap.Any("error", err), zap.Stack("stacktrace"))
		}),
	}
	if config.ExpiryDuration > 0 {
		opts = append(opts, ants.WithExpiryDuration(config.ExpiryDuration))
	}

	antsPool, err := ants.NewPool(config.Size, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	return &Pool{
		pool:   antsPool,
		config: config,
		logger: logger,
	}, nil
}

// Submit 提交任务（不等待结果）
func (p *Pool) Submit(task func()) error {
	if p.pool.IsClosed() {
		return ErrPoolClosed
	}

	p.record(func(s *Statistics) { s.Submitted++ })
	if err := p.pool.Submit(task); err != nil {
		p.record(func(s *Statistics) { s.Failed++ })
		if errors.Is(err, ants.ErrPoolOverload) {
			return ErrPoolFull
		}
		if errors.Is(err, ants.ErrPoolClosed) {
			return ErrPoolClosed
		}
		return err
	}
	return nil
}

// Run 并发执行 tasks 并等待全部结束，返回所有失败任务的合并错误。
// ctx 取消后尚未开始的任务直接以 ctx.Err() 结束。
func (p *Pool) Run(ctx context.Context, tasks []func(ctx context.Context) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, task := range tasks {
		task := task
		wg.Add(1)
		err := p.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				collect(err)
				return
			}
			if err := task(ctx); err != nil {
				p.record(func(s *Statistics) { s.Failed++ })
				collect(err)
				return
			}
			p.record(func(s *Statistics) { s.Completed++ })
		})
		if err != nil {
			wg.Done()
			collect(err)
		}
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Running 正在执行的 worker 数
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Free 空闲容量
func (p *Pool) Free() int {
	return p.pool.Free()
}

// Stats 返回统计快照
func (p *Pool) Stats() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Shutdown 等待运行中的任务结束后关闭，超时返回错误
func (p *Pool) Shutdown(timeout time.Duration) error {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		p.logger.Warn("worker pool shutdown timed out", zap.Error(err))
		return err
	}
	p.logger.Info("worker pool shut down", zap.Int64("completed", p.Stats().Completed))
	return nil
}

func (p *Pool) record(fn func(s *Statistics)) {
	p.mu.Lock()
	fn(&p.stats)
	p.mu.Unlock()
}
