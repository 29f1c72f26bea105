package biz

import (
	"errors"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
)

var (
	// ErrRecordNotFound 仓储层未找到记录
	ErrRecordNotFound = errors.New("record not found")
	// ErrTombstoneClaimed 墓碑已被清理任务抢占
	ErrTombstoneClaimed = errors.New("blob tombstone already claimed")
)

// 每次返回新的 AppError，避免共享实例被 Wrap 修改 Details

func errNotFound() error {
	return apperrors.New(apperrors.ErrFileNotFound)
}

func errQuotaExceeded(details string) error {
	return apperrors.New(apperrors.ErrFileQuotaExceeded, details)
}

func errTooLarge(details string) error {
	return apperrors.New(apperrors.ErrFileTooLarge, details)
}

func errStorage(err error, details string) error {
	return apperrors.Wrap(err, apperrors.ErrFileStorageFailed, details)
}
