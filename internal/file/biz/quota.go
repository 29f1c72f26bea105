package biz

import (
	"context"
	"fmt"
	"math"
)

// Usage 用户存储统计（含配额信息）
type Usage struct {
	Owner             string
	ActualBytesUsed   int64
	LogicalBytesUsed  int64
	Savings           int64
	SavingsPercentage float64
	QuotaLimitBytes   int64
	AvailableBytes    int64
	UsagePercentage   float64
	FileCount         int64
	ReferenceCount    int64
}

// QuotaTracker checks physical usage against a per-owner limit. Usage is
// summed from metadata on every call, so a release is credited as soon as
// its transaction commits.
type QuotaTracker struct {
	repo       FileRepo
	limitBytes int64
}

// NewQuotaTracker 创建配额检查器
func NewQuotaTracker(repo FileRepo, limitBytes int64) *QuotaTracker {
	return &QuotaTracker{repo: repo, limitBytes: limitBytes}
}

// LimitBytes 每个用户的配额
func (q *QuotaTracker) LimitBytes() int64 {
	return q.limitBytes
}

// CheckAndReserve admits an upload of incoming bytes. References never
// consume physical space and always pass. Callers creating a new blob must
// hold the owner's quota lock until the record is committed.
func (q *QuotaTracker) CheckAndReserve(ctx context.Context, owner string, incoming int64, causedNewBlob bool) error {
	if !causedNewBlob {
		return nil
	}
	totals, err := q.repo.Usage(ctx, owner)
	if err != nil {
		return errStorage(err, "failed to compute usage")
	}
	if totals.ActualBytes+incoming > q.limitBytes {
		return errQuotaExceeded(fmt.Sprintf("used %d + incoming %d > limit %d bytes",
			totals.ActualBytes, incoming, q.limitBytes))
	}
	return nil
}

// Info returns usage, savings and quota headroom for owner.
func (q *QuotaTracker) Info(ctx context.Context, owner string) (*Usage, error) {
	totals, err := q.repo.Usage(ctx, owner)
	if err != nil {
		return nil, errStorage(err, "failed to compute usage")
	}
	return buildUsage(owner, totals, q.limitBytes), nil
}

func buildUsage(owner string, t *UsageTotals, limit int64) *Usage {
	u := &Usage{
		Owner:            owner,
		ActualBytesUsed:  t.ActualBytes,
		LogicalBytesUsed: t.LogicalBytes,
		Savings:          t.LogicalBytes - t.ActualBytes,
		QuotaLimitBytes:  limit,
		FileCount:        t.FileCount,
		ReferenceCount:   t.ReferenceCount,
	}
	if t.LogicalBytes > 0 {
		u.SavingsPercentage = round1(float64(u.Savings) * 100 / float64(t.LogicalBytes))
	}
	if avail := limit - t.ActualBytes; avail > 0 {
		u.AvailableBytes = avail
	}
	if limit > 0 {
		u.UsagePercentage = math.Min(round1(float64(t.ActualBytes)*100/float64(limit)), 100)
	}
	return u
}

// 保留一位小数
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
