package service

import (
	"time"

	"github.com/lk2023060901/filevault-backend/internal/file/biz"
)

// FileResponse 文件信息
type FileResponse struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	FileType         string `json:"file_type"`
	Size             int64  `json:"size"`
	UploadedAt       string `json:"uploaded_at"`
	UserID           string `json:"user_id"`
	FileHash         string `json:"file_hash"`
	ReferenceCount   int    `json:"reference_count"`
	IsReference      bool   `json:"is_reference"`
}

func toFileResponse(rec *biz.FileRecord) FileResponse {
	return FileResponse{
		ID:               rec.ID,
		OriginalFilename: rec.OriginalFilename,
		FileType:         rec.ContentType,
		Size:             rec.LogicalSize,
		UploadedAt:       rec.CreatedAt.Format(time.RFC3339Nano),
		UserID:           rec.Owner,
		FileHash:         rec.ContentDigest,
		ReferenceCount:   rec.ReferenceCount,
		IsReference:      rec.IsReference,
	}
}

// ListFilesRequest 列表查询参数
type ListFilesRequest struct {
	Search    string     `form:"search"`
	FileType  string     `form:"file_type"`
	MinSize   *int64     `form:"min_size" binding:"omitempty,min=0"`
	MaxSize   *int64     `form:"max_size" binding:"omitempty,min=0"`
	StartDate *time.Time `form:"start_date" time_format:"2006-01-02T15:04:05Z07:00"`
	EndDate   *time.Time `form:"end_date" time_format:"2006-01-02T15:04:05Z07:00"`
	Page      int        `form:"page"`
	PageSize  int        `form:"page_size"`
}

func (r *ListFilesRequest) toFilter() *biz.ListFilter {
	return &biz.ListFilter{
		Search:      r.Search,
		ContentType: r.FileType,
		MinSize:     r.MinSize,
		MaxSize:     r.MaxSize,
		StartDate:   r.StartDate,
		EndDate:     r.EndDate,
		Page:        r.Page,
		PageSize:    r.PageSize,
	}
}

// ListFilesResponse 分页结果
type ListFilesResponse struct {
	Count    int64          `json:"count"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Results  []FileResponse `json:"results"`
}

// DeleteFileResponse 删除结果
type DeleteFileResponse struct {
	ID         string `json:"id"`
	FreedBytes int64  `json:"freed_bytes"`
}

// QuotaResponse 配额信息
type QuotaResponse struct {
	LimitBytes      int64   `json:"limit_bytes"`
	AvailableBytes  int64   `json:"available_bytes"`
	UsagePercentage float64 `json:"usage_percentage"`
}

// StorageStatsResponse 存储统计
type StorageStatsResponse struct {
	UserID              string        `json:"user_id"`
	TotalStorageUsed    int64         `json:"total_storage_used"`
	OriginalStorageUsed int64         `json:"original_storage_used"`
	StorageSavings      int64         `json:"storage_savings"`
	SavingsPercentage   float64       `json:"savings_percentage"`
	FileCount           int64         `json:"file_count"`
	ReferenceCount      int64         `json:"reference_count"`
	Quota               QuotaResponse `json:"quota"`
}

func toStorageStats(u *biz.Usage) StorageStatsResponse {
	return StorageStatsResponse{
		UserID:              u.Owner,
		TotalStorageUsed:    u.ActualBytesUsed,
		OriginalStorageUsed: u.LogicalBytesUsed,
		StorageSavings:      u.Savings,
		SavingsPercentage:   u.SavingsPercentage,
		FileCount:           u.FileCount,
		ReferenceCount:      u.ReferenceCount,
		Quota: QuotaResponse{
			LimitBytes:      u.QuotaLimitBytes,
			AvailableBytes:  u.AvailableBytes,
			UsagePercentage: u.UsagePercentage,
		},
	}
}
