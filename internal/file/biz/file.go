package biz

import (
	"context"
	"io"
	"time"
)

// FileRecord 用户可见的一个逻辑文件
type FileRecord struct {
	ID               string
	Owner            string
	OriginalFilename string
	ContentType      string
	LogicalSize      int64
	ContentDigest    string // SHA-256 hex，去重键
	StorageKey       string // 物理 blob 位置，同一 digest 的记录共享
	IsReference      bool
	ReferenceCount   int // 仅 canonical 记录维护，引用记录为 0
	CreatedAt        time.Time
}

// IsCanonical reports whether the record holds the live reference count.
func (r *FileRecord) IsCanonical() bool {
	return !r.IsReference
}

// UsageTotals 用户维度的原始汇总
type UsageTotals struct {
	ActualBytes    int64 // canonical 记录 logical_size 之和
	LogicalBytes   int64 // 全部记录 logical_size 之和
	FileCount      int64
	ReferenceCount int64 // is_reference 记录数
}

// ListFilter 列表查询条件
type ListFilter struct {
	Search      string
	ContentType string
	MinSize     *int64
	MaxSize     *int64
	StartDate   *time.Time
	EndDate     *time.Time
	Page        int
	PageSize    int
}

// Tombstone 待删除的 blob
type Tombstone struct {
	StorageKey string
	Reason     string
	CreatedAt  time.Time
}

const (
	TombstonePending  = "pending"  // 写入中，尚无元数据
	TombstoneReleased = "released" // 引用计数归零，等待物理删除
)

// FileRepo 文件元数据仓储接口
type FileRepo interface {
	Create(ctx context.Context, rec *FileRecord) error
	GetByID(ctx context.Context, id string) (*FileRecord, error)
	// FindCanonical returns (nil, nil) when the owner has no canonical record for digest.
	FindCanonical(ctx context.Context, owner, digest string) (*FileRecord, error)
	// OldestSibling returns the oldest record on storageKey other than excludeID, or (nil, nil).
	OldestSibling(ctx context.Context, storageKey, excludeID string) (*FileRecord, error)
	AdjustReferenceCount(ctx context.Context, id string, delta int) error
	Promote(ctx context.Context, id string, referenceCount int) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, owner string, filter *ListFilter) ([]*FileRecord, int64, error)
	ContentTypes(ctx context.Context, owner string) ([]string, error)
	Usage(ctx context.Context, owner string) (*UsageTotals, error)
}

// TombstoneRepo blob 墓碑仓储接口
type TombstoneRepo interface {
	Create(ctx context.Context, t *Tombstone) error
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, storageKey string) (bool, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Tombstone, error)
}

// Transactor runs fn in one metadata transaction. Repositories called with
// the ctx handed to fn join that transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// BlobStore 对象存储接口
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete is idempotent: a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
