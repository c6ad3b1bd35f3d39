package pending

import (
	"context"
	"time"
)

// Store 抽象了待确认记录的持久化接口，实现必须可并发使用。
type Store interface {
	// Insert 以 upsert 语义写入记录，相同 ID 覆盖旧值。
	Insert(ctx context.Context, rec *Record) error
	// Get 返回记录；不存在或已过期时返回 ErrNotFound。
	Get(ctx context.Context, id string) (*Record, error)
	// Remove 幂等删除。
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, opts ...ListOption) ([]Entry, error)
	Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (CleanupResult, error)
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) error
	Close() error
}

// Clock 返回当前时间，测试中可替换。
type Clock func() time.Time

// Now 返回毫秒时间戳，nil 时使用系统时钟。
func (c Clock) Now() int64 {
	if c == nil {
		return time.Now().UnixMilli()
	}
	return c().UnixMilli()
}

// CutoffFor 计算清理截止点：创建时间早于等于该值的记录视为超龄。
// maxAge 非正时返回 0，表示不按年龄清理。
func CutoffFor(now time.Time, maxAge time.Duration) int64 {
	if maxAge <= 0 {
		return 0
	}
	return now.Add(-maxAge).UnixMilli()
}
