package minio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
)

var (
	ErrObjectNotFound    = errors.New("minio: object not found")
	ErrInvalidArgument   = errors.New("minio: invalid argument")
	ErrInvalidBucketName = errors.New("minio: invalid bucket name")
	ErrInvalidObjectName = errors.New("minio: invalid object name")
)

// Error 带操作上下文的 MinIO 错误
type Error struct {
	Op      string
	Err     error
	Bucket  string
	Object  string
	Message string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("minio: ")
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.Bucket != "" {
		fmt.Fprintf(&b, " bucket=%s", e.Bucket)
	}
	if e.Object != "" {
		fmt.Fprintf(&b, " object=%s", e.Object)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// hasCode 判断 S3 错误响应码
func hasCode(err error, codes ...string) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	for _, c := range codes {
		if resp.Code == c {
			return true
		}
	}
	return false
}

// IsNotFound 对象或 bucket 不存在。blob 删除据此做到幂等
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrObjectNotFound) || hasCode(err, "NoSuchBucket", "NoSuchKey", "NoSuchUpload")
}

// IsBucketAlreadyExists 并发创建 bucket 时视为成功
func IsBucketAlreadyExists(err error) bool {
	return err != nil && hasCode(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou")
}

// WrapError wraps an error with operation context
func WrapError(op string, err error, bucket, object string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err, Bucket: bucket, Object: object}
}

// WrapErrorWithMessage wraps an error with operation context and a message
func WrapErrorWithMessage(op string, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err, Message: message}
}
