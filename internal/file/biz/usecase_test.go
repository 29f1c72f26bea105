package biz

import (
	"bytes"
	"context"
	"io"
	"testing"

	apperrors "github.com/lk2023060901/filevault-backend/internal/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeContentType(t *testing.T) {
	assert.Equal(t, "text/plain", NormalizeContentType("text/plain"))
	assert.Equal(t, "image/png", NormalizeContentType("  image/png "))
	assert.Equal(t, DefaultContentType, NormalizeContentType(""))
	assert.Equal(t, DefaultContentType, NormalizeContentType("plaintext"))
}

func TestCleanFilename(t *testing.T) {
	assert.Equal(t, "a.txt", cleanFilename("a.txt"))
	assert.Equal(t, "a.txt", cleanFilename("../../etc/a.txt"))
	assert.Equal(t, "b.doc", cleanFilename(`C:\Users\x\b.doc`))
	assert.Equal(t, "", cleanFilename(""))
}

func TestUpload_NormalizesMetadata(t *testing.T) {
	env := newTestEnv(t, 10*mb)
	rec, err := env.uc.Upload(context.Background(), "alice", "dir/report.pdf", "bogus", bytes.NewReader([]byte("pdf")))
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", rec.OriginalFilename)
	assert.Equal(t, DefaultContentType, rec.ContentType)
	assert.Equal(t, "alice", rec.Owner)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGet_HidesForeignFiles(t *testing.T) {
	env := newTestEnv(t, 10*mb)
	rec := env.upload(t, "alice", "a.txt", []byte("mine"))

	got, err := env.uc.Get(context.Background(), rec.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	_, err = env.uc.Get(context.Background(), rec.ID, "bob")
	assert.True(t, apperrors.Is(err, apperrors.ErrFileNotFound))
}

func TestDownload_ReadsSharedBlob(t *testing.T) {
	env := newTestEnv(t, 10*mb)
	content := []byte("download me")
	env.upload(t, "alice", "a.txt", content)
	ref := env.upload(t, "alice", "b.txt", content)

	rec, body, err := env.uc.Download(context.Background(), ref.ID, "alice")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, "b.txt", rec.OriginalFilename)

	_, _, err = env.uc.Download(context.Background(), ref.ID, "bob")
	assert.True(t, apperrors.Is(err, apperrors.ErrFileNotFound))
}

func TestListAndFileTypes(t *testing.T) {
	env := newTestEnv(t, 10*mb)
	ctx := context.Background()
	_, err := env.uc.Upload(ctx, "alice", "notes.txt", "text/plain", bytes.NewReader([]byte("1")))
	require.NoError(t, err)
	_, err = env.uc.Upload(ctx, "alice", "photo.png", "image/png", bytes.NewReader([]byte("2")))
	require.NoError(t, err)
	_, err = env.uc.Upload(ctx, "bob", "other.txt", "text/csv", bytes.NewReader([]byte("3")))
	require.NoError(t, err)

	filter := &ListFilter{Search: "NOTES"}
	records, total, err := env.uc.List(ctx, "alice", filter)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, records, 1)
	assert.Equal(t, "notes.txt", records[0].OriginalFilename)
	assert.Equal(t, 1, filter.Page)
	assert.Equal(t, 20, filter.PageSize)

	types, err := env.uc.FileTypes(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"image/png", "text/plain"}, types)
}
