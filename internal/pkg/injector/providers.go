package injector

import (
	"time"

	"github.com/lk2023060901/filevault-backend/internal/conf"
	"github.com/lk2023060901/filevault-backend/internal/data"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	filedata "github.com/lk2023060901/filevault-backend/internal/file/data"
	"github.com/lk2023060901/filevault-backend/internal/file/job"
	"github.com/lk2023060901/filevault-backend/internal/pkg/auth"
	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/lk2023060901/filevault-backend/internal/pkg/ratelimit"
	"github.com/lk2023060901/filevault-backend/internal/pkg/workerpool"
	"github.com/lk2023060901/filevault-backend/internal/server"
)

// Data layer helpers

func provideData(config *conf.Config, log *logger.Logger) (*data.Data, func(), error) {
	return data.NewData(config, log)
}

func provideBlobStore(d *data.Data) biz.BlobStore {
	return d.Blobs
}

func provideLimiter(d *data.Data) ratelimit.Limiter {
	return d.Limiter
}

func provideLocker(d *data.Data) keylock.Locker {
	return d.Locker
}

func provideHealth(d *data.Data) server.HealthFunc {
	return d.HealthCheck
}

// Repository providers

func provideFileRepo(d *data.Data) biz.FileRepo {
	return filedata.NewFileRepo(d.DB)
}

func provideTombstoneRepo(d *data.Data) biz.TombstoneRepo {
	return filedata.NewTombstoneRepo(d.DB)
}

func provideTransactor(d *data.Data) biz.Transactor {
	return filedata.NewTransactor(d.DB)
}

// Use case providers

func provideHasher(config *conf.Config) *biz.Hasher {
	return biz.NewHasher(biz.HasherConfig{
		MaxBytes:    config.Upload.MaxFileBytes(),
		MemoryBytes: config.Upload.SpoolMemoryBytes,
		Dir:         config.Upload.SpoolDir,
	})
}

func provideQuotaTracker(repo biz.FileRepo, config *conf.Config) *biz.QuotaTracker {
	return biz.NewQuotaTracker(repo, config.Quota.LimitBytes())
}

// 未配置密钥时只接受 UserId 头
func provideJWTManager(config *conf.Config) *auth.JWTManager {
	if config.Auth.JWTSecret == "" {
		return nil
	}
	return auth.NewJWTManager(config.Auth.JWTSecret, config.Auth.JWTIssuer)
}

func provideWorkerPool(config *conf.Config, log *logger.Logger) (*workerpool.Pool, func(), error) {
	size := config.Sweeper.Workers
	if size <= 0 {
		size = 1
	}
	pool, err := workerpool.New(&workerpool.Config{
		Size:           size,
		ExpiryDuration: time.Minute,
	}, log.Named("workerpool").Logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = pool.Shutdown(10 * time.Second)
	}
	return pool, cleanup, nil
}

func provideSweeper(
	d *data.Data,
	tombstones biz.TombstoneRepo,
	pool *workerpool.Pool,
	config *conf.Config,
	log *logger.Logger,
) *job.Sweeper {
	var opts []job.Option
	if p, ok := d.Limiter.(job.Pruner); ok {
		opts = append(opts, job.WithPruner(p))
	}
	if gc, ok := d.Blobs.(job.GarbageCollector); ok {
		opts = append(opts, job.WithGC(gc))
	}
	return job.NewSweeper(tombstones, d.Blobs, pool, config.Sweeper, log, opts...)
}
