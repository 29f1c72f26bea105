package data

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FilePO 文件元数据表
type FilePO struct {
	ID               string    `gorm:"type:varchar(36);primarykey"`
	Owner            string    `gorm:"column:owner;size:255;not null;index:idx_files_owner_created,priority:1"`
	OriginalFilename string    `gorm:"column:original_filename;size:255;not null"`
	ContentType      string    `gorm:"column:content_type;size:255;not null"`
	LogicalSize      int64     `gorm:"column:logical_size;not null"`
	ContentDigest    string    `gorm:"column:content_digest;size:64;not null;index:idx_files_owner_digest"`
	StorageKey       string    `gorm:"column:storage_key;size:500;not null;index:idx_files_storage_key"`
	IsReference      bool      `gorm:"column:is_reference;not null;default:false"`
	ReferenceCount   int       `gorm:"column:reference_count;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;not null;index:idx_files_owner_created,priority:2"`
}

func (FilePO) TableName() string {
	return "files"
}

// FileRepo 文件仓储实现
type FileRepo struct {
	db *database.DB
}

// NewFileRepo 创建文件仓储
func NewFileRepo(db *database.DB) *FileRepo {
	return &FileRepo{db: db}
}

// Create 创建记录
func (r *FileRepo) Create(ctx context.Context, rec *biz.FileRecord) error {
	po := toPO(rec)
	if err := r.db.GetDBFromContext(ctx).Create(po).Error; err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取
func (r *FileRepo) GetByID(ctx context.Context, id string) (*biz.FileRecord, error) {
	var po FilePO
	err := r.db.GetDBFromContext(ctx).Where("id = ?", id).First(&po).Error
	if err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, biz.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return toDomain(&po), nil
}

// FindCanonical reads the owner's canonical row for digest. Inside a
// postgres transaction the row is locked FOR UPDATE.
func (r *FileRepo) FindCanonical(ctx context.Context, owner, digest string) (*biz.FileRecord, error) {
	query := r.db.GetDBFromContext(ctx).
		Where("owner = ? AND content_digest = ? AND is_reference = ?", owner, digest, false)
	if _, inTx := database.TransactionFromContext(ctx); inTx && r.db.Dialect() == database.DriverPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var po FilePO
	if err := query.Take(&po).Error; err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find canonical file: %w", err)
	}
	return toDomain(&po), nil
}

// OldestSibling 同一 storage_key 下最早创建的其他记录
func (r *FileRepo) OldestSibling(ctx context.Context, storageKey, excludeID string) (*biz.FileRecord, error) {
	var po FilePO
	err := r.db.GetDBFromContext(ctx).
		Where("storage_key = ? AND id <> ?", storageKey, excludeID).
		Order("created_at ASC").
		Order("id ASC").
		Take(&po).Error
	if err != nil {
		if database.IsRecordNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find sibling: %w", err)
	}
	return toDomain(&po), nil
}

// AdjustReferenceCount 原子增减引用计数
func (r *FileRepo) AdjustReferenceCount(ctx context.Context, id string, delta int) error {
	result := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Where("id = ?", id).
		UpdateColumn("reference_count", gorm.Expr("reference_count + ?", delta))
	if result.Error != nil {
		return fmt.Errorf("failed to adjust reference count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return biz.ErrRecordNotFound
	}
	return nil
}

// Promote 将引用记录提升为 canonical
func (r *FileRepo) Promote(ctx context.Context, id string, referenceCount int) error {
	result := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"is_reference":    false,
			"reference_count": referenceCount,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to promote file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return biz.ErrRecordNotFound
	}
	return nil
}

// Delete 删除记录
func (r *FileRepo) Delete(ctx context.Context, id string) error {
	result := r.db.GetDBFromContext(ctx).Where("id = ?", id).Delete(&FilePO{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return biz.ErrRecordNotFound
	}
	return nil
}

// List 列出文件
func (r *FileRepo) List(ctx context.Context, owner string, filter *biz.ListFilter) ([]*biz.FileRecord, int64, error) {
	query := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Where("owner = ?", owner).
		Scopes(
			database.WhereIf(filter.Search != "", `LOWER(original_filename) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(filter.Search))+"%"),
			database.WhereIf(filter.ContentType != "", "content_type = ?", filter.ContentType),
			database.WhereIf(filter.MinSize != nil, "logical_size >= ?", derefInt64(filter.MinSize)),
			database.WhereIf(filter.MaxSize != nil, "logical_size <= ?", derefInt64(filter.MaxSize)),
			database.WhereIf(filter.StartDate != nil, "created_at >= ?", derefTime(filter.StartDate)),
			database.WhereIf(filter.EndDate != nil, "created_at <= ?", derefTime(filter.EndDate)),
		).
		Session(&gorm.Session{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	var pos []FilePO
	err := query.
		Scopes(
			database.OrderBy("created_at", true),
			database.OrderBy("id", true),
			database.Paginate(filter.Page, filter.PageSize),
		).
		Find(&pos).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list files: %w", err)
	}

	records := make([]*biz.FileRecord, len(pos))
	for i := range pos {
		records[i] = toDomain(&pos[i])
	}
	return records, total, nil
}

// ContentTypes 去重后的 MIME 类型
func (r *FileRepo) ContentTypes(ctx context.Context, owner string) ([]string, error) {
	var types []string
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Where("owner = ?", owner).
		Distinct("content_type").
		Order("content_type ASC").
		Pluck("content_type", &types).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list content types: %w", err)
	}
	return types, nil
}

type usageRow struct {
	ActualBytes    int64
	LogicalBytes   int64
	FileCount      int64
	ReferenceCount int64
}

// Usage 按用户汇总，实际占用只统计 canonical 记录
func (r *FileRepo) Usage(ctx context.Context, owner string) (*biz.UsageTotals, error) {
	var row usageRow
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Select(`COALESCE(SUM(CASE WHEN is_reference = ? THEN logical_size ELSE 0 END), 0) AS actual_bytes,
			COALESCE(SUM(logical_size), 0) AS logical_bytes,
			COUNT(*) AS file_count,
			COALESCE(SUM(CASE WHEN is_reference = ? THEN 1 ELSE 0 END), 0) AS reference_count`, false, true).
		Where("owner = ?", owner).
		Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to compute usage: %w", err)
	}
	return &biz.UsageTotals{
		ActualBytes:    row.ActualBytes,
		LogicalBytes:   row.LogicalBytes,
		FileCount:      row.FileCount,
		ReferenceCount: row.ReferenceCount,
	}, nil
}

// Owners 所有有文件的用户，供命令行报表使用
func (r *FileRepo) Owners(ctx context.Context) ([]string, error) {
	var owners []string
	err := r.db.GetDBFromContext(ctx).Model(&FilePO{}).
		Distinct("owner").
		Order("owner ASC").
		Pluck("owner", &owners).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	return owners, nil
}

func toPO(rec *biz.FileRecord) *FilePO {
	return &FilePO{
		ID:               rec.ID,
		Owner:            rec.Owner,
		OriginalFilename: rec.OriginalFilename,
		ContentType:      rec.ContentType,
		LogicalSize:      rec.LogicalSize,
		ContentDigest:    rec.ContentDigest,
		StorageKey:       rec.StorageKey,
		IsReference:      rec.IsReference,
		ReferenceCount:   rec.ReferenceCount,
		CreatedAt:        rec.CreatedAt,
	}
}

func toDomain(po *FilePO) *biz.FileRecord {
	return &biz.FileRecord{
		ID:               po.ID,
		Owner:            po.Owner,
		OriginalFilename: po.OriginalFilename,
		ContentType:      po.ContentType,
		LogicalSize:      po.LogicalSize,
		ContentDigest:    po.ContentDigest,
		StorageKey:       po.StorageKey,
		IsReference:      po.IsReference,
		ReferenceCount:   po.ReferenceCount,
		CreatedAt:        po.CreatedAt.UTC(),
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer("%", `\%`, "_", `\_`).Replace(s)
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// TombstonePO 待回收 blob 表
type TombstonePO struct {
	StorageKey string    `gorm:"column:storage_key;size:500;primarykey"`
	Reason     string    `gorm:"column:reason;size:20;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_tombstones_created"`
}

func (TombstonePO) TableName() string {
	return "blob_tombstones"
}

// TombstoneRepo 墓碑仓储实现
type TombstoneRepo struct {
	db *database.DB
}

// NewTombstoneRepo 创建墓碑仓储
func NewTombstoneRepo(db *database.DB) *TombstoneRepo {
	return &TombstoneRepo{db: db}
}

// Create 登记墓碑
func (r *TombstoneRepo) Create(ctx context.Context, t *biz.Tombstone) error {
	po := &TombstonePO{StorageKey: t.StorageKey, Reason: t.Reason, CreatedAt: t.CreatedAt}
	if err := r.db.GetDBFromContext(ctx).Create(po).Error; err != nil {
		return fmt.Errorf("failed to create tombstone: %w", err)
	}
	return nil
}

// Delete 删除墓碑，返回是否实际删除了一行
func (r *TombstoneRepo) Delete(ctx context.Context, storageKey string) (bool, error) {
	result := r.db.GetDBFromContext(ctx).Where("storage_key = ?", storageKey).Delete(&TombstonePO{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to delete tombstone: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListExpired 创建时间早于 before 的墓碑
func (r *TombstoneRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*biz.Tombstone, error) {
	var pos []TombstonePO
	err := r.db.GetDBFromContext(ctx).
		Where("created_at < ?", before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&pos).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}

	out := make([]*biz.Tombstone, len(pos))
	for i, po := range pos {
		out[i] = &biz.Tombstone{StorageKey: po.StorageKey, Reason: po.Reason, CreatedAt: po.CreatedAt.UTC()}
	}
	return out, nil
}

// Transactor 基于 database.DB 的事务实现
type Transactor struct {
	db *database.DB
}

// NewTransactor 创建事务执行器
func NewTransactor(db *database.DB) *Transactor {
	return &Transactor{db: db}
}

// InTx 在事务中执行 fn
func (t *Transactor) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.db.Transaction(ctx, func(ctx context.Context, _ *gorm.DB) error {
		return fn(ctx)
	})
}
