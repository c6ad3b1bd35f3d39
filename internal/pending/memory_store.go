package pending

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存待确认记录，主要用于测试与单进程部署。
type MemoryStore struct {
	mu      sync.RWMutex
	clock   Clock
	records map[string]*Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建 MemoryStore，clock 为 nil 时使用系统时钟。
func NewMemoryStore(clock Clock) *MemoryStore {
	return &MemoryStore{clock: clock, records: make(map[string]*Record)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, rec *Record) error {
	if err := Validate(rec); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Get 返回记录副本，字节与哈希不一致时返回 STORAGE_FAILURE。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	if !ok || rec.Expired(m.clock.Now()) {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	out := rec.Clone()
	m.mu.RUnlock()
	if err := VerifyIntegrity(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove 删除记录，记录不存在时同样成功。
func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

// List 按创建时间倒序返回未过期记录的摘要。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]Entry, error) {
	options := BuildListOptions(opts)
	now := m.clock.Now()

	m.mu.RLock()
	entries := make([]Entry, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Expired(now) {
			continue
		}
		entry := rec.Entry()
		if options.Matches(entry) {
			entries = append(entries, entry)
		}
	}
	m.mu.RUnlock()

	SortEntries(entries)
	if len(entries) > options.Limit {
		entries = entries[:options.Limit]
	}
	return entries, nil
}

// Cleanup 删除已过期或超龄的记录。
func (m *MemoryStore) Cleanup(_ context.Context, now time.Time, maxAge time.Duration) (CleanupResult, error) {
	nowMS := now.UnixMilli()
	cutoff := CutoffFor(now, maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	var result CleanupResult
	for id, rec := range m.records {
		if rec.Expired(nowMS) || (cutoff > 0 && rec.CreatedAt <= cutoff) {
			delete(m.records, id)
			result.Removed++
		}
	}
	result.Kept = len(m.records)
	return result, nil
}

// UpdateStatus 更新记录的生命周期字段。
func (m *MemoryStore) UpdateStatus(_ context.Context, id string, update StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	rec, ok := m.records[id]
	if !ok || rec.Expired(now) {
		return ErrNotFound
	}
	rec.Status = update.Status
	if update.TxHash != "" {
		rec.TxHash = update.TxHash
	}
	rec.LastError = update.LastError
	if update.Attempted {
		rec.Attempts++
	}
	rec.UpdatedAt = now
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

// SortEntries 按创建时间倒序排列，时间相同按 ID 升序。
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt == entries[j].CreatedAt {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt > entries[j].CreatedAt
	})
}
