package biz

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
)

type txKey struct{}

// memStore is a FileRepo, TombstoneRepo and Transactor over maps. InTx holds
// the store mutex and restores a snapshot on error.
type memStore struct {
	mu    sync.Mutex
	files map[string]FileRecord
	tombs map[string]Tombstone

	failCreate error
}

func newMemStore() *memStore {
	return &memStore{files: map[string]FileRecord{}, tombs: map[string]Tombstone{}}
}

func (s *memStore) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	files := make(map[string]FileRecord, len(s.files))
	for k, v := range s.files {
		files[k] = v
	}
	tombs := make(map[string]Tombstone, len(s.tombs))
	for k, v := range s.tombs {
		tombs[k] = v
	}
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.files, s.tombs = files, tombs
		return err
	}
	return nil
}

func (s *memStore) Create(ctx context.Context, rec *FileRecord) error {
	defer s.lock(ctx)()
	if s.failCreate != nil {
		return s.failCreate
	}
	s.files[rec.ID] = *rec
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*FileRecord, error) {
	defer s.lock(ctx)()
	rec, ok := s.files[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return &rec, nil
}

func (s *memStore) FindCanonical(ctx context.Context, owner, digest string) (*FileRecord, error) {
	defer s.lock(ctx)()
	for _, rec := range s.files {
		if rec.Owner == owner && rec.ContentDigest == digest && !rec.IsReference {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) siblings(storageKey string) []FileRecord {
	var out []FileRecord
	for _, rec := range s.files {
		if rec.StorageKey == storageKey {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) OldestSibling(ctx context.Context, storageKey, excludeID string) (*FileRecord, error) {
	defer s.lock(ctx)()
	for _, rec := range s.siblings(storageKey) {
		if rec.ID != excludeID {
			r := rec
			return &r, nil
		}
	}
	return nil, nil
}

func (s *memStore) AdjustReferenceCount(ctx context.Context, id string, delta int) error {
	defer s.lock(ctx)()
	rec, ok := s.files[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.ReferenceCount += delta
	s.files[id] = rec
	return nil
}

func (s *memStore) Promote(ctx context.Context, id string, referenceCount int) error {
	defer s.lock(ctx)()
	rec, ok := s.files[id]
	if !ok {
		return ErrRecordNotFound
	}
	rec.IsReference = false
	rec.ReferenceCount = referenceCount
	s.files[id] = rec
	return nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	defer s.lock(ctx)()
	if _, ok := s.files[id]; !ok {
		return ErrRecordNotFound
	}
	delete(s.files, id)
	return nil
}

func (s *memStore) List(ctx context.Context, owner string, filter *ListFilter) ([]*FileRecord, int64, error) {
	defer s.lock(ctx)()
	var out []*FileRecord
	for _, rec := range s.files {
		if rec.Owner != owner {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(rec.OriginalFilename), strings.ToLower(filter.Search)) {
			continue
		}
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, int64(len(out)), nil
}

func (s *memStore) ContentTypes(ctx context.Context, owner string) ([]string, error) {
	defer s.lock(ctx)()
	seen := map[string]bool{}
	var out []string
	for _, rec := range s.files {
		if rec.Owner == owner && !seen[rec.ContentType] {
			seen[rec.ContentType] = true
			out = append(out, rec.ContentType)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Usage(ctx context.Context, owner string) (*UsageTotals, error) {
	defer s.lock(ctx)()
	t := &UsageTotals{}
	for _, rec := range s.files {
		if rec.Owner != owner {
			continue
		}
		t.FileCount++
		t.LogicalBytes += rec.LogicalSize
		if rec.IsReference {
			t.ReferenceCount++
		} else {
			t.ActualBytes += rec.LogicalSize
		}
	}
	return t, nil
}

// tombstones share the store so they join the same fake transaction
type memTombstones struct{ s *memStore }

func (t memTombstones) Create(ctx context.Context, ts *Tombstone) error {
	defer t.s.lock(ctx)()
	t.s.tombs[ts.StorageKey] = *ts
	return nil
}

func (t memTombstones) Delete(ctx context.Context, storageKey string) (bool, error) {
	defer t.s.lock(ctx)()
	_, ok := t.s.tombs[storageKey]
	delete(t.s.tombs, storageKey)
	return ok, nil
}

func (t memTombstones) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Tombstone, error) {
	defer t.s.lock(ctx)()
	var out []*Tombstone
	for _, ts := range t.s.tombs {
		if ts.CreatedAt.Before(before) && len(out) < limit {
			v := ts
			out = append(out, &v)
		}
	}
	return out, nil
}

func (s *memStore) record(id string) FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id]
}

func (s *memStore) tombstoneCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tombs)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    atomic.Int64

	failPut    error
	failDelete error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b.puts.Add(1)
	if b.failPut != nil {
		return b.failPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *memBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBlobs) Delete(_ context.Context, key string) error {
	if b.failDelete != nil {
		return b.failDelete
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

func (b *memBlobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

type testEnv struct {
	uc    *FileUseCase
	store *memStore
	blobs *memBlobs
}

const mb = 1024 * 1024

func newTestEnv(t *testing.T, quotaBytes int64) *testEnv {
	t.Helper()
	store := newMemStore()
	blobs := newMemBlobs()
	log := logger.NewNop()

	quota := NewQuotaTracker(store, quotaBytes)
	dedup := NewDedupEngine(store, memTombstones{store}, store, blobs, quota, keylock.NewRegistry(), log)
	hasher := NewHasher(HasherConfig{MaxBytes: 20 * mb, MemoryBytes: 64 * 1024, Dir: t.TempDir()})

	return &testEnv{
		uc:    NewFileUseCase(store, blobs, hasher, dedup, quota, log),
		store: store,
		blobs: blobs,
	}
}

func (e *testEnv) upload(t *testing.T, owner, name string, content []byte) *FileRecord {
	t.Helper()
	rec, err := e.uc.Upload(context.Background(), owner, name, "text/plain", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return rec
}
