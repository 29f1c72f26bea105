package biz

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"go.uber.org/zap"
)

// DefaultContentType 无法识别 MIME 时使用
const DefaultContentType = "application/octet-stream"

// FileUseCase 文件用例
type FileUseCase struct {
	repo   FileRepo
	blobs  BlobStore
	hasher *Hasher
	dedup  *DedupEngine
	quota  *QuotaTracker
	logger *logger.Logger
}

// NewFileUseCase 创建文件用例
func NewFileUseCase(repo FileRepo, blobs BlobStore, hasher *Hasher, dedup *DedupEngine, quota *QuotaTracker, log *logger.Logger) *FileUseCase {
	return &FileUseCase{
		repo:   repo,
		blobs:  blobs,
		hasher: hasher,
		dedup:  dedup,
		quota:  quota,
		logger: log,
	}
}

// NormalizeContentType keeps values shaped like a MIME type and falls back
// to application/octet-stream otherwise.
func NormalizeContentType(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" || !strings.Contains(ct, "/") {
		return DefaultContentType
	}
	return ct
}

// cleanFilename 去掉客户端带来的路径部分
func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// Upload 上传文件：计算摘要后交给去重引擎
func (uc *FileUseCase) Upload(ctx context.Context, owner, filename, contentType string, r io.Reader) (*FileRecord, error) {
	content, err := uc.hasher.Spool(ctx, r)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := content.Close(); err != nil {
			uc.logger.WithContext(ctx).Warn("failed to remove upload spool", zap.Error(err))
		}
	}()

	return uc.dedup.Ingest(ctx, IngestRequest{
		Owner:       owner,
		Filename:    cleanFilename(filename),
		ContentType: NormalizeContentType(contentType),
		Content:     content,
	})
}

// Get 获取文件，其他用户的文件视为不存在
func (uc *FileUseCase) Get(ctx context.Context, id, owner string) (*FileRecord, error) {
	rec, err := uc.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, errNotFound()
		}
		return nil, errStorage(err, "failed to load file")
	}
	if rec.Owner != owner {
		return nil, errNotFound()
	}
	return rec, nil
}

// Delete removes one of owner's files and returns the bytes credited back to the quota.
func (uc *FileUseCase) Delete(ctx context.Context, id, owner string) (int64, error) {
	rec, err := uc.Get(ctx, id, owner)
	if err != nil {
		return 0, err
	}
	freed, err := uc.dedup.Release(ctx, rec.ID)
	if err != nil {
		return 0, err
	}
	uc.logger.WithContext(ctx).Info("file deleted",
		zap.String("file_id", rec.ID),
		zap.Int64("freed_bytes", freed),
	)
	return freed, nil
}

// List 分页列出文件，按创建时间倒序
func (uc *FileUseCase) List(ctx context.Context, owner string, filter *ListFilter) ([]*FileRecord, int64, error) {
	if filter == nil {
		filter = &ListFilter{}
	}
	filter.Page, filter.PageSize = database.NormalizePage(filter.Page, filter.PageSize)

	records, total, err := uc.repo.List(ctx, owner, filter)
	if err != nil {
		return nil, 0, errStorage(err, "failed to list files")
	}
	return records, total, nil
}

// FileTypes 用户已上传的 MIME 类型（去重、排序）
func (uc *FileUseCase) FileTypes(ctx context.Context, owner string) ([]string, error) {
	types, err := uc.repo.ContentTypes(ctx, owner)
	if err != nil {
		return nil, errStorage(err, "failed to list file types")
	}
	return types, nil
}

// Download opens the shared blob behind one of owner's files.
func (uc *FileUseCase) Download(ctx context.Context, id, owner string) (*FileRecord, io.ReadCloser, error) {
	rec, err := uc.Get(ctx, id, owner)
	if err != nil {
		return nil, nil, err
	}
	body, err := uc.blobs.Get(ctx, rec.StorageKey)
	if err != nil {
		return nil, nil, errStorage(err, "failed to read blob")
	}
	return rec, body, nil
}

// GetUsage 存储统计
func (uc *FileUseCase) GetUsage(ctx context.Context, owner string) (*Usage, error) {
	return uc.quota.Info(ctx, owner)
}
