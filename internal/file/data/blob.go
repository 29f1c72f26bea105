package data

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dgraph-io/badger/v4"
	pkgminio "github.com/lk2023060901/filevault-backend/internal/pkg/minio"
)

// ErrBlobNotFound 对象不存在
var ErrBlobNotFound = errors.New("blob not found")

// MinIOBlobStore 实现 biz.BlobStore 接口
type MinIOBlobStore struct {
	client *pkgminio.Client
	bucket string
}

// NewMinIOBlobStore 创建 MinIO 存储
func NewMinIOBlobStore(client *pkgminio.Client, bucket string) *MinIOBlobStore {
	return &MinIOBlobStore{client: client, bucket: bucket}
}

// Put 上传对象
func (s *MinIOBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := s.client.PutObject(ctx, s.bucket, key, r, size, contentType); err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

// Get stats the object first so a missing key fails here rather than on first read.
func (s *MinIOBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, key); err != nil {
		if pkgminio.IsNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return obj, nil
}

// Delete 删除对象，不存在视为成功
func (s *MinIOBlobStore) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key); err != nil && !pkgminio.IsNotFound(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

const badgerBlobPrefix = "blob/"

// BadgerBlobStore keeps blobs in an embedded badger database.
type BadgerBlobStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger database. inMemory ignores path.
func OpenBadger(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// NewBadgerBlobStore 创建 badger 存储
func NewBadgerBlobStore(db *badger.DB) *BadgerBlobStore {
	return &BadgerBlobStore{db: db}
}

// Put 写入对象
func (s *BadgerBlobStore) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	capacity := size
	if capacity < 0 {
		capacity = 0
	}
	buf := bytes.NewBuffer(make([]byte, 0, capacity))
	n, err := io.Copy(buf, r)
	if err != nil {
		return fmt.Errorf("failed to read blob body: %w", err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("blob size mismatch: got %d, want %d", n, size)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerBlobPrefix+key), buf.Bytes())
	})
}

// Get 读取对象
func (s *BadgerBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerBlobPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete 删除对象
func (s *BadgerBlobStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerBlobPrefix + key))
	})
}

// Count 对象数量
func (s *BadgerBlobStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(badgerBlobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// RunGC reclaims value log space. ErrNoRewrite means there was nothing to collect.
func (s *BadgerBlobStore) RunGC(discardRatio float64) error {
	if s.db.Opts().InMemory {
		return nil
	}
	for {
		if err := s.db.RunValueLogGC(discardRatio); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				return nil
			}
			return err
		}
	}
}

// MemoryBlobStore 内存存储，用于开发环境
type MemoryBlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlobStore 创建内存存储
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string][]byte)}
}

// Put 写入对象
func (s *MemoryBlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read blob body: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

// Get 读取对象
func (s *MemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete 删除对象
func (s *MemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

// Len 对象数量
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
