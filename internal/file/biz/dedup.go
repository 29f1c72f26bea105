package biz

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// IngestRequest 一次上传的输入
type IngestRequest struct {
	Owner       string
	Filename    string
	ContentType string
	Content     *SpooledContent
}

// DedupEngine stores each distinct content once per owner and keeps the
// reference count on the canonical record.
//
// 锁顺序固定为 dedup:{owner}:{digest} -> quota:{owner}
type DedupEngine struct {
	repo       FileRepo
	tombstones TombstoneRepo
	tx         Transactor
	blobs      BlobStore
	quota      *QuotaTracker
	locker     keylock.Locker
	logger     *logger.Logger
}

// NewDedupEngine 创建去重引擎
func NewDedupEngine(
	repo FileRepo,
	tombstones TombstoneRepo,
	tx Transactor,
	blobs BlobStore,
	quota *QuotaTracker,
	locker keylock.Locker,
	log *logger.Logger,
) *DedupEngine {
	return &DedupEngine{
		repo:       repo,
		tombstones: tombstones,
		tx:         tx,
		blobs:      blobs,
		quota:      quota,
		locker:     locker,
		logger:     log.Named("dedup"),
	}
}

func dedupLockKey(owner, digest string) string {
	return "dedup:" + owner + ":" + digest
}

func quotaLockKey(owner string) string {
	return "quota:" + owner
}

// NewStorageKey allocates a fresh blob key. Keys are never derived from the
// digest alone, so a retired key cannot come back for re-uploaded content.
func NewStorageKey(digest string) string {
	prefix := "00"
	if len(digest) >= 2 {
		prefix = digest[:2]
	}
	return "files/" + prefix + "/" + uuid.New().String()
}

// Ingest links the upload to the owner's existing canonical record for the
// same digest, or writes a new blob and makes the upload canonical.
func (e *DedupEngine) Ingest(ctx context.Context, req IngestRequest) (*FileRecord, error) {
	content := req.Content
	unlock, err := e.locker.Lock(ctx, dedupLockKey(req.Owner, content.Digest))
	if err != nil {
		return nil, errStorage(err, "failed to acquire dedup lock")
	}
	defer unlock()

	var ref *FileRecord
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		canonical, err := e.repo.FindCanonical(ctx, req.Owner, content.Digest)
		if err != nil || canonical == nil {
			return err
		}
		if err := e.quota.CheckAndReserve(ctx, req.Owner, canonical.LogicalSize, false); err != nil {
			return err
		}

		rec := &FileRecord{
			ID:               uuid.New().String(),
			Owner:            req.Owner,
			OriginalFilename: req.Filename,
			ContentType:      req.ContentType,
			LogicalSize:      canonical.LogicalSize,
			ContentDigest:    content.Digest,
			StorageKey:       canonical.StorageKey,
			IsReference:      true,
			CreatedAt:        time.Now().UTC(),
		}
		if err := e.repo.Create(ctx, rec); err != nil {
			return err
		}
		if err := e.repo.AdjustReferenceCount(ctx, canonical.ID, 1); err != nil {
			return err
		}
		ref = rec
		return nil
	})
	if err != nil {
		return nil, errStorage(err, "failed to attach reference")
	}
	if ref != nil {
		e.logger.WithContext(ctx).Info("duplicate content linked",
			zap.String("file_id", ref.ID),
			zap.String("digest", ref.ContentDigest),
			zap.String("storage_key", ref.StorageKey),
		)
		return ref, nil
	}

	return e.storeNewBlob(ctx, req)
}

// storeNewBlob runs with the dedup lock held.
func (e *DedupEngine) storeNewBlob(ctx context.Context, req IngestRequest) (*FileRecord, error) {
	content := req.Content
	unlock, err := e.locker.Lock(ctx, quotaLockKey(req.Owner))
	if err != nil {
		return nil, errStorage(err, "failed to acquire quota lock")
	}
	defer unlock()

	if err := e.quota.CheckAndReserve(ctx, req.Owner, content.Size, true); err != nil {
		e.logger.WithContext(ctx).Info("upload rejected by quota",
			zap.String("owner", req.Owner),
			zap.Int64("size", content.Size),
		)
		return nil, err
	}

	now := time.Now().UTC()
	key := NewStorageKey(content.Digest)

	// 先登记墓碑，崩溃后由清理任务回收孤儿 blob
	if err := e.tombstones.Create(ctx, &Tombstone{StorageKey: key, Reason: TombstonePending, CreatedAt: now}); err != nil {
		return nil, errStorage(err, "failed to register pending blob")
	}
	if err := e.blobs.Put(ctx, key, content.Open(), content.Size, req.ContentType); err != nil {
		e.deleteBlob(ctx, key)
		return nil, errStorage(err, "failed to write blob")
	}

	rec := &FileRecord{
		ID:               uuid.New().String(),
		Owner:            req.Owner,
		OriginalFilename: req.Filename,
		ContentType:      req.ContentType,
		LogicalSize:      content.Size,
		ContentDigest:    content.Digest,
		StorageKey:       key,
		IsReference:      false,
		ReferenceCount:   1,
		CreatedAt:        now,
	}
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		removed, err := e.tombstones.Delete(ctx, key)
		if err != nil {
			return err
		}
		if !removed {
			return ErrTombstoneClaimed
		}
		return e.repo.Create(ctx, rec)
	})
	if err != nil {
		e.deleteBlob(ctx, key)
		return nil, errStorage(err, "failed to commit file record")
	}

	e.logger.WithContext(ctx).Info("new blob stored",
		zap.String("file_id", rec.ID),
		zap.String("digest", rec.ContentDigest),
		zap.String("storage_key", key),
		zap.Int64("size", rec.LogicalSize),
	)
	return rec, nil
}

// Release removes one record and returns the bytes freed, which is the
// logical size when the last holder of the blob went away and 0 otherwise.
func (e *DedupEngine) Release(ctx context.Context, fileID string) (int64, error) {
	rec, err := e.repo.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return 0, errNotFound()
		}
		return 0, errStorage(err, "failed to load file")
	}

	unlock, err := e.locker.Lock(ctx, dedupLockKey(rec.Owner, rec.ContentDigest))
	if err != nil {
		return 0, errStorage(err, "failed to acquire dedup lock")
	}
	defer unlock()

	var (
		freed   int64
		retired string
	)
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		// 加锁后重新读取
		cur, err := e.repo.GetByID(ctx, fileID)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return errNotFound()
			}
			return err
		}

		canonical := cur
		if cur.IsReference {
			canonical, err = e.repo.FindCanonical(ctx, cur.Owner, cur.ContentDigest)
			if err != nil {
				return err
			}
		}
		if err := e.repo.Delete(ctx, cur.ID); err != nil {
			return err
		}

		if cur.IsReference && canonical != nil {
			return e.repo.AdjustReferenceCount(ctx, canonical.ID, -1)
		}

		if remaining := cur.ReferenceCount - 1; remaining > 0 {
			successor, err := e.repo.OldestSibling(ctx, cur.StorageKey, cur.ID)
			if err != nil {
				return err
			}
			if successor != nil {
				e.logger.WithContext(ctx).Info("canonical transferred",
					zap.String("from", cur.ID),
					zap.String("to", successor.ID),
					zap.Int("reference_count", remaining),
				)
				return e.repo.Promote(ctx, successor.ID, remaining)
			}
			e.logger.WithContext(ctx).Warn("reference count without survivors",
				zap.String("storage_key", cur.StorageKey),
				zap.Int("reference_count", cur.ReferenceCount),
			)
		} else if cur.IsReference {
			// canonical 缺失，检查是否还有其他记录在用这个 blob
			successor, err := e.repo.OldestSibling(ctx, cur.StorageKey, cur.ID)
			if err != nil || successor != nil {
				return err
			}
		}

		freed = cur.LogicalSize
		retired = cur.StorageKey
		return e.tombstones.Create(ctx, &Tombstone{
			StorageKey: cur.StorageKey,
			Reason:     TombstoneReleased,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, errStorage(err, "failed to release file")
	}

	if retired != "" {
		e.deleteBlob(ctx, retired)
	}
	return freed, nil
}

// deleteBlob 元数据提交后删除物理 blob，失败时保留墓碑交给清理任务
func (e *DedupEngine) deleteBlob(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.blobs.Delete(ctx, key); err != nil {
		e.logger.WithContext(ctx).Warn("blob delete deferred to sweeper",
			zap.String("storage_key", key),
			zap.Error(err),
		)
		return
	}
	if _, err := e.tombstones.Delete(ctx, key); err != nil {
		e.logger.WithContext(ctx).Warn("failed to clear tombstone",
			zap.String("storage_key", key),
			zap.Error(err),
		)
	}
}
