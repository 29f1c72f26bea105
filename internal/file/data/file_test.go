package data

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lk2023060901/filevault-backend/internal/file/biz"
	"github.com/lk2023060901/filevault-backend/internal/pkg/database"
	"github.com/lk2023060901/filevault-backend/internal/pkg/keylock"
	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.Driver = database.DriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "files.db")
	cfg.LogLevel = "silent"

	db, err := database.New(cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db.DB))
	return db
}

func newRecord(owner, digest, key string, ref bool, created time.Time) *biz.FileRecord {
	rec := &biz.FileRecord{
		ID:               uuid.New().String(),
		Owner:            owner,
		OriginalFilename: "f.txt",
		ContentType:      "text/plain",
		LogicalSize:      10,
		ContentDigest:    digest,
		StorageKey:       key,
		IsReference:      ref,
		CreatedAt:        created,
	}
	if !ref {
		rec.ReferenceCount = 1
	}
	return rec
}

func TestMigrate_RollbackAndReapply(t *testing.T) {
	db := newTestDB(t)
	assert.True(t, db.DB.Migrator().HasTable("files"))
	assert.True(t, db.DB.Migrator().HasIndex("files", canonicalIndex))

	require.NoError(t, RollbackLast(db.DB))
	assert.False(t, db.DB.Migrator().HasIndex("files", canonicalIndex))

	require.NoError(t, Migrate(db.DB))
	assert.True(t, db.DB.Migrator().HasIndex("files", canonicalIndex))
	assert.Len(t, MigrationIDs(), 2)
}

func TestFileRepo_CanonicalUniquePerOwnerDigest(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, newRecord("alice", "d1", "k1", false, now)))
	err := repo.Create(ctx, newRecord("alice", "d1", "k2", false, now))
	require.Error(t, err)
	assert.True(t, database.IsDuplicateKeyError(err))

	// 引用记录和其他用户不受约束
	require.NoError(t, repo.Create(ctx, newRecord("alice", "d1", "k1", true, now)))
	require.NoError(t, repo.Create(ctx, newRecord("bob", "d1", "k3", false, now)))
}

func TestFileRepo_CRUD(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	canonical := newRecord("alice", "d1", "k1", false, base)
	older := newRecord("alice", "d1", "k1", true, base.Add(time.Second))
	newer := newRecord("alice", "d1", "k1", true, base.Add(2*time.Second))
	for _, r := range []*biz.FileRecord{canonical, older, newer} {
		require.NoError(t, repo.Create(ctx, r))
	}

	got, err := repo.GetByID(ctx, canonical.ID)
	require.NoError(t, err)
	assert.Equal(t, canonical.StorageKey, got.StorageKey)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, biz.ErrRecordNotFound)

	found, err := repo.FindCanonical(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, canonical.ID, found.ID)

	missing, err := repo.FindCanonical(ctx, "bob", "d1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, repo.AdjustReferenceCount(ctx, canonical.ID, 2))
	got, _ = repo.GetByID(ctx, canonical.ID)
	assert.Equal(t, 3, got.ReferenceCount)

	sibling, err := repo.OldestSibling(ctx, "k1", canonical.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, sibling.ID)

	require.NoError(t, repo.Delete(ctx, canonical.ID))
	require.NoError(t, repo.Promote(ctx, older.ID, 2))
	promoted, err := repo.FindCanonical(ctx, "alice", "d1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, promoted.ID)
	assert.Equal(t, 2, promoted.ReferenceCount)

	assert.ErrorIs(t, repo.Delete(ctx, canonical.ID), biz.ErrRecordNotFound)
	assert.ErrorIs(t, repo.AdjustReferenceCount(ctx, canonical.ID, 1), biz.ErrRecordNotFound)

	none, err := repo.OldestSibling(ctx, "k-none", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFileRepo_Usage(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	a := newRecord("alice", "d1", "k1", false, now)
	a.LogicalSize = 100
	ref := newRecord("alice", "d1", "k1", true, now)
	ref.LogicalSize = 100
	b := newRecord("alice", "d2", "k2", false, now)
	b.LogicalSize = 50
	other := newRecord("bob", "d1", "k3", false, now)
	for _, r := range []*biz.FileRecord{a, ref, b, other} {
		require.NoError(t, repo.Create(ctx, r))
	}

	totals, err := repo.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), totals.ActualBytes)
	assert.Equal(t, int64(250), totals.LogicalBytes)
	assert.Equal(t, int64(3), totals.FileCount)
	assert.Equal(t, int64(1), totals.ReferenceCount)

	empty, err := repo.Usage(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, biz.UsageTotals{}, *empty)

	owners, err := repo.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, owners)
}

func TestFileRepo_ListFilters(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	names := []string{"Report.pdf", "notes.txt", "100%_done.txt", "image.png"}
	types := []string{"application/pdf", "text/plain", "text/plain", "image/png"}
	for i, name := range names {
		rec := newRecord("alice", fmt.Sprintf("d%d", i), fmt.Sprintf("k%d", i), false, base.Add(time.Duration(i)*time.Hour))
		rec.OriginalFilename = name
		rec.ContentType = types[i]
		rec.LogicalSize = int64((i + 1) * 100)
		require.NoError(t, repo.Create(ctx, rec))
	}
	require.NoError(t, repo.Create(ctx, newRecord("bob", "dx", "kx", false, base)))

	list := func(f biz.ListFilter) []string {
		if f.Page == 0 {
			f.Page, f.PageSize = 1, 20
		}
		recs, _, err := repo.List(ctx, "alice", &f)
		require.NoError(t, err)
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.OriginalFilename
		}
		return out
	}

	assert.Equal(t, []string{"image.png", "100%_done.txt", "notes.txt", "Report.pdf"}, list(biz.ListFilter{}))
	assert.Equal(t, []string{"Report.pdf"}, list(biz.ListFilter{Search: "report"}))
	assert.Equal(t, []string{"100%_done.txt"}, list(biz.ListFilter{Search: "%_"}))
	assert.Equal(t, []string{"100%_done.txt", "notes.txt"}, list(biz.ListFilter{ContentType: "text/plain"}))

	minSize, maxSize := int64(200), int64(300)
	assert.Equal(t, []string{"100%_done.txt", "notes.txt"}, list(biz.ListFilter{MinSize: &minSize, MaxSize: &maxSize}))

	start, end := base.Add(30*time.Minute), base.Add(2*time.Hour)
	assert.Equal(t, []string{"100%_done.txt", "notes.txt"}, list(biz.ListFilter{StartDate: &start, EndDate: &end}))

	recs, total, err := repo.List(ctx, "alice", &biz.ListFilter{Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, recs, 1)
	assert.Equal(t, "Report.pdf", recs[0].OriginalFilename)

	ct, err := repo.ContentTypes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"application/pdf", "image/png", "text/plain"}, ct)
}

func TestFileRepo_ListNewestFirst(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// id 顺序与创建时间相反，排序只能依赖 created_at
	ids := []string{"f2", "f1", "f0"}
	for i, id := range ids {
		rec := newRecord("alice", id, id, false, base.Add(time.Duration(2-i)*time.Minute))
		rec.ID = id
		require.NoError(t, repo.Create(ctx, rec))
	}
	// 相同时间按 id 倒序
	for _, id := range []string{"t-a", "t-b"} {
		rec := newRecord("alice", id, id, false, base.Add(-time.Hour))
		rec.ID = id
		require.NoError(t, repo.Create(ctx, rec))
	}

	recs, total, err := repo.List(ctx, "alice", &biz.ListFilter{Page: 1, PageSize: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	got := make([]string, len(recs))
	for i, r := range recs {
		got[i] = r.ID
	}
	assert.Equal(t, []string{"f2", "f1", "f0", "t-b", "t-a"}, got)
}

func TestTombstoneRepo(t *testing.T) {
	db := newTestDB(t)
	repo := NewTombstoneRepo(db)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.Create(ctx, &biz.Tombstone{StorageKey: "old", Reason: biz.TombstoneReleased, CreatedAt: now.Add(-time.Hour)}))
	require.NoError(t, repo.Create(ctx, &biz.Tombstone{StorageKey: "new", Reason: biz.TombstonePending, CreatedAt: now}))

	expired, err := repo.ListExpired(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].StorageKey)
	assert.Equal(t, biz.TombstoneReleased, expired[0].Reason)

	removed, err := repo.Delete(ctx, "old")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = repo.Delete(ctx, "old")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestTransactor_RollsBackRepoWrites(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	tx := NewTransactor(db)
	ctx := context.Background()

	rec := newRecord("alice", "d1", "k1", false, time.Now().UTC())
	err := tx.InTx(ctx, func(ctx context.Context) error {
		if err := repo.Create(ctx, rec); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	_, err = repo.GetByID(ctx, rec.ID)
	assert.ErrorIs(t, err, biz.ErrRecordNotFound)
}

// 用真实的 sqlite 仓储跑完整的去重流程
func TestDedupEngine_OverSQLite(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepo(db)
	tombstones := NewTombstoneRepo(db)
	blobs := NewMemoryBlobStore()
	log := logger.NewNop()

	quota := biz.NewQuotaTracker(repo, 1024*1024)
	dedup := biz.NewDedupEngine(repo, tombstones, NewTransactor(db), blobs, quota, keylock.NewRegistry(), log)
	uc := biz.NewFileUseCase(repo, blobs, biz.NewHasher(biz.HasherConfig{MemoryBytes: 1024}), dedup, quota, log)
	ctx := context.Background()

	const n = 12
	content := []byte("identical payload")
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := uc.Upload(ctx, "alice", fmt.Sprintf("f%d", i), "text/plain", bytes.NewReader(content))
			if assert.NoError(t, err) {
				ids[i] = rec.ID
			}
		}(i)
	}
	wg.Wait()

	canonical, err := repo.FindCanonical(ctx, "alice", biz.DigestBytes(content))
	require.NoError(t, err)
	require.NotNil(t, canonical)
	assert.Equal(t, n, canonical.ReferenceCount)
	assert.Equal(t, 1, blobs.Len())

	usage, err := uc.GetUsage(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), usage.ActualBytesUsed)
	assert.Equal(t, int64(n*len(content)), usage.LogicalBytesUsed)

	// 先删 canonical，验证转移
	_, err = uc.Delete(ctx, canonical.ID, "alice")
	require.NoError(t, err)
	next, err := repo.FindCanonical(ctx, "alice", canonical.ContentDigest)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, n-1, next.ReferenceCount)

	var freed int64
	for _, id := range ids {
		if id == canonical.ID {
			continue
		}
		f, err := uc.Delete(ctx, id, "alice")
		require.NoError(t, err)
		freed += f
	}
	assert.Equal(t, int64(len(content)), freed)
	assert.Equal(t, 0, blobs.Len())

	left, err := tombstones.ListExpired(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}
