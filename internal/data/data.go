package data

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	filedata "github.com/lk2023060901/filevault-backend/internal/file/data"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/minio"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
	"github.com/lk2023060901/filevault-backend/internal/pkg/redis"
)

// Data 聚合所有外部资源
type Data struct {
	DB     *database.DB
	Redis  *redis.Client // 仅当限流或锁使用 redis 后端
	MinIO  *minio.Client // 仅当 storage.backend = minio
	Badger *badger.DB    // 仅当 storage.backend = badger
	Blobs  biz.BlobStore
	// Limiter 与 Locker 按配置选择内存或 redis 实现
	Limiter ratelimit.Limiter
	Locker  keylock.Locker

	Logger *logger.Logger
}

func NewData(config *conf.Config, log *logger.Logger) (*Data, func(), error) {
	d := &Data{Logger: log}
	var closers []func()
	cleanup := func() {
		log.Info("cleaning up data resources")
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Data, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Database
	db, err := database.New(&config.Database, log)
	if err != nil {
		return fail(fmt.Errorf("failed to init database: %w", err))
	}
	closers = append(closers, func() {
		log.Info("closing database", zap.Any("stats", db.Stats()))
		_ = db.Close()
	})
	d.DB = db

	if config.Database.AutoMigrate {
		if err := filedata.Migrate(db.DB); err != nil {
			return fail(fmt.Errorf("failed to migrate: %w", err))
		}
	}

	// Redis
	if config.RateLimit.Backend == conf.BackendRedis || config.Lock.Backend == conf.BackendRedis {
		rc, err := redis.New(&config.Redis, log)
		if err != nil {
			return fail(fmt.Errorf("failed to connect to redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		d.Redis = rc
	}

	// Blob storage
	switch config.Storage.Backend {
	case conf.BackendMinIO:
		mc, err := minio.NewClient(&config.MinIO, log.Logger)
		if err != nil {
			return fail(fmt.Errorf("failed to init minio: %w", err))
		}
		closers = append(closers, func() { _ = mc.Close() })
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = mc.EnsureBucket(ctx, config.MinIO.Bucket)
		cancel()
		if err != nil {
			return fail(fmt.Errorf("failed to ensure bucket: %w", err))
		}
		d.MinIO = mc
		d.Blobs = filedata.NewMinIOBlobStore(mc, config.MinIO.Bucket)
	case conf.BackendBadger:
		bdb, err := filedata.OpenBadger(config.Storage.Badger.Path, config.Storage.Badger.InMemory)
		if err != nil {
			return fail(fmt.Errorf("failed to open badger: %w", err))
		}
		closers = append(closers, func() { _ = bdb.Close() })
		d.Badger = bdb
		d.Blobs = filedata.NewBadgerBlobStore(bdb)
	default:
		log.Warn("using in-memory blob storage, contents are lost on restart")
		d.Blobs = filedata.NewMemoryBlobStore()
	}

	// Rate limiter
	limiterCfg := config.RateLimit.Limiter()
	if config.RateLimit.Backend == conf.BackendRedis {
		d.Limiter, err = ratelimit.NewRedisLimiter(d.Redis, limiterCfg)
	} else {
		d.Limiter, err = ratelimit.NewMemoryLimiter(limiterCfg)
	}
	if err != nil {
		return fail(fmt.Errorf("failed to init rate limiter: %w", err))
	}

	// Key locks
	if config.Lock.Backend == conf.BackendRedis {
		d.Locker = keylock.NewRedisLocker(d.Redis, keylock.RedisConfig{
			TTL:         config.Lock.TTL,
			RetryDelay:  config.Lock.RetryDelay,
			WaitTimeout: config.Lock.WaitTimeout,
		}, log)
	} else {
		d.Locker = keylock.NewRegistry()
	}

	log.Info("data layer initialized",
		zap.String("database", db.Dialect()),
		zap.String("storage", config.Storage.Backend),
		zap.String("ratelimit", config.RateLimit.Backend),
		zap.String("lock", config.Lock.Backend),
	)
	return d, cleanup, nil
}

// HealthCheck 检查必需依赖
func (d *Data) HealthCheck(ctx context.Context) error {
	if err := d.DB.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if d.Redis != nil {
		if err := d.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if d.MinIO != nil {
		if err := d.MinIO.Ping(ctx); err != nil {
			return fmt.Errorf("minio: %w", err)
		}
	}
	return nil
}
