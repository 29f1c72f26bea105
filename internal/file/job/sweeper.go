package job

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
)

const (
	sweepTag = "blob-sweeper"
	pruneTag = "ratelimit-prune"

	defaultBatchSize = 100
	gcDiscardRatio   = 0.5
)

// Pruner 清理过期的限流窗口
type Pruner interface {
	Prune() int
}

// GarbageCollector 对象存储自身的空间回收（badger value log）
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// Sweeper 按墓碑删除孤儿 blob
//
// 墓碑先于 blob 删除被认领：ingest 提交时同样需要删除自己的 pending 墓碑，
// 两者只有一方能成功，所以正在写入的 blob 不会被误删。
type Sweeper struct {
	tombstones biz.TombstoneRepo
	blobs      biz.BlobStore
	pool       *workerpool.Pool
	cfg        conf.SweeperConfig
	logger     *logger.Logger

	pruner Pruner
	gc     GarbageCollector

	scheduler *gocron.Scheduler
	now       func() time.Time
	running   atomic.Bool
}

// Option 可选依赖
type Option func(*Sweeper)

// WithPruner 同一调度器里顺带清理限流状态
func WithPruner(p Pruner) Option {
	return func(s *Sweeper) { s.pruner = p }
}

// WithGC 每轮清扫后回收对象存储空间
func WithGC(gc GarbageCollector) Option {
	return func(s *Sweeper) { s.gc = gc }
}

// WithClock 测试用
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func NewSweeper(
	tombstones biz.TombstoneRepo,
	blobs biz.BlobStore,
	pool *workerpool.Pool,
	cfg conf.SweeperConfig,
	log *logger.Logger,
	opts ...Option,
) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	s := &Sweeper{
		tombstones: tombstones,
		blobs:      blobs,
		pool:       pool,
		cfg:        cfg,
		logger:     log.Named("sweeper"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep 处理一批过期墓碑，返回实际删除的 blob 数
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sweep already running, skipped")
		return 0, nil
	}
	defer s.running.Store(false)

	before := s.now().Add(-s.cfg.GracePeriod)
	expired, err := s.tombstones.ListExpired(ctx, before, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	var swept atomic.Int64
	tasks := make([]func(ctx context.Context) error, 0, len(expired))
	for _, t := range expired {
		t := t
		tasks = append(tasks, func(ctx context.Context) error {
			ok, err := s.sweepOne(ctx, t)
			if ok {
				swept.Add(1)
			}
			return err
		})
	}

	runErr := s.pool.Run(ctx, tasks)
	n := int(swept.Load())
	s.logger.Info("sweep finished",
		zap.Int("candidates", len(expired)),
		zap.Int("swept", n),
		zap.Error(runErr),
	)

	if s.gc != nil && n > 0 {
		if err := s.gc.RunGC(gcDiscardRatio); err != nil {
			s.logger.Warn("blob store gc failed", zap.Error(err))
		}
	}
	return n, runErr
}

func (s *Sweeper) sweepOne(ctx context.Context, t *biz.Tombstone) (bool, error) {
	claimed, err := s.tombstones.Delete(ctx, t.StorageKey)
	if err != nil {
		return false, err
	}
	if !claimed {
		// ingest 已提交，或另一个 sweeper 抢先
		return false, nil
	}

	if err := s.blobs.Delete(ctx, t.StorageKey); err != nil {
		// 放回墓碑，下一轮重试
		restore := &biz.Tombstone{StorageKey: t.StorageKey, Reason: t.Reason, CreatedAt: t.CreatedAt}
		if rerr := s.tombstones.Create(context.WithoutCancel(ctx), restore); rerr != nil {
			s.logger.Error("failed to restore tombstone",
				zap.String("storage_key", t.StorageKey),
				zap.Error(rerr),
			)
		}
		return false, fmt.Errorf("delete blob %s: %w", t.StorageKey, err)
	}

	s.logger.Debug("blob swept",
		zap.String("storage_key", t.StorageKey),
		zap.String("reason", t.Reason),
	)
	return true, nil
}

// Start 启动定时任务；pruneEvery <= 0 时不调度限流清理
func (s *Sweeper) Start(pruneEvery time.Duration) error {
	sched := gocron.NewScheduler(time.UTC)
	sched.SingletonModeAll()

	var job *gocron.Job
	var err error
	sweep := func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
	}
	if s.cfg.Cron != "" {
		job, err = sched.Cron(s.cfg.Cron).Tag(sweepTag).Do(sweep)
	} else {
		job, err = sched.Every(s.cfg.Interval).Tag(sweepTag).Do(sweep)
	}
	if err != nil {
		return fmt.Errorf("failed to schedule sweeper: %w", err)
	}

	if s.pruner != nil && pruneEvery > 0 {
		_, err = sched.Every(pruneEvery).Tag(pruneTag).Do(func() {
			if n := s.pruner.Prune(); n > 0 {
				s.logger.Debug("rate limit windows pruned", zap.Int("count", n))
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule limiter prune: %w", err)
		}
	}

	sched.StartAsync()
	s.scheduler = sched
	s.logger.Info("sweeper started",
		zap.String("cron", s.cfg.Cron),
		zap.Duration("interval", s.cfg.Interval),
		zap.Time("next_run", job.NextRun()),
	)
	return nil
}

// Stop 停止调度，等待正在运行的任务结束
func (s *Sweeper) Stop() {
	if s.scheduler == nil {
		return
	}
	s.scheduler.Stop()
	s.scheduler = nil
	s.logger.Info("sweeper stopped")
}
