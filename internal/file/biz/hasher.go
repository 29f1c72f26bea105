package biz

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HasherConfig 控制上传内容的缓冲方式
type HasherConfig struct {
	MaxBytes    int64  // 单文件上限，<=0 表示不限制
	MemoryBytes int64  // 超过后写入临时文件
	Dir         string // 临时文件目录，空则使用系统默认
}

// Hasher digests an upload in a single pass while spooling the bytes so the
// blob store can read them again afterwards.
type Hasher struct {
	cfg HasherConfig
}

// NewHasher 创建内容哈希器
func NewHasher(cfg HasherConfig) *Hasher {
	return &Hasher{cfg: cfg}
}

// SpooledContent is a fully read upload: its digest, size and a re-readable body.
type SpooledContent struct {
	Digest string
	Size   int64

	mem  []byte
	file *os.File
}

// Open returns a reader positioned at the first byte. It may be called more than once.
func (s *SpooledContent) Open() io.Reader {
	if s.file != nil {
		return io.NewSectionReader(s.file, 0, s.Size)
	}
	return bytes.NewReader(s.mem)
}

// Close releases the temp file, if any.
func (s *SpooledContent) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	if rmErr := os.Remove(name); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

// Spool consumes r once, feeding SHA-256 and the spool together.
// A read error or an oversized stream discards everything read so far.
func (h *Hasher) Spool(ctx context.Context, r io.Reader) (*SpooledContent, error) {
	src := r
	if h.cfg.MaxBytes > 0 {
		src = io.LimitReader(r, h.cfg.MaxBytes+1)
	}

	hash := sha256.New()
	sw := &spoolWriter{limit: h.cfg.MemoryBytes, dir: h.cfg.Dir}

	n, err := io.Copy(io.MultiWriter(hash, sw), &ctxReader{ctx: ctx, r: src})
	if err != nil {
		sw.discard()
		return nil, errStorage(err, "failed to read upload stream")
	}
	if h.cfg.MaxBytes > 0 && n > h.cfg.MaxBytes {
		sw.discard()
		return nil, errTooLarge(fmt.Sprintf("upload exceeds %d bytes", h.cfg.MaxBytes))
	}

	return &SpooledContent{
		Digest: hex.EncodeToString(hash.Sum(nil)),
		Size:   n,
		mem:    sw.buf.Bytes(),
		file:   sw.file,
	}, nil
}

// DigestBytes 计算内存数据的摘要
func DigestBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type spoolWriter struct {
	buf   bytes.Buffer
	file  *os.File
	limit int64
	dir   string
}

func (w *spoolWriter) Write(p []byte) (int, error) {
	if w.file == nil && int64(w.buf.Len()+len(p)) > w.limit {
		f, err := os.CreateTemp(w.dir, "filevault-upload-*")
		if err != nil {
			return 0, err
		}
		if _, err := f.Write(w.buf.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return 0, err
		}
		w.file = f
		w.buf = bytes.Buffer{}
	}
	if w.file != nil {
		return w.file.Write(p)
	}
	return w.buf.Write(p)
}

func (w *spoolWriter) discard() {
	if w.file != nil {
		name := w.file.Name()
		w.file.Close()
		os.Remove(name)
		w.file = nil
	}
	w.buf.Reset()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
