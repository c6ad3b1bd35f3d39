// Package redis stores pending confirmations as JSON values whose key TTL
// matches the lease, with a sorted set indexing ids by creation time.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"

	"github.com/redis/go-redis/v9"
)

// Config describes how to reach Redis. URL takes precedence over Addr.
type Config struct {
	URL      string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store implements pending.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	clock  pending.Clock
}

var _ pending.Store = (*Store)(nil)

// Open dials Redis and verifies the connection.
func Open(ctx context.Context, cfg Config, clock pending.Clock) (*Store, error) {
	var opts *redis.Options
	if url := strings.TrimSpace(cfg.URL); url != "" {
		parsed, err := redis.ParseURL(url)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "parse redis url")
		}
		opts = parsed
	} else {
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 地址不能为空")
		}
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 失败")
	}
	return NewWithClient(client, cfg.Prefix, clock), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, clock pending.Clock) *Store {
	if prefix == "" {
		prefix = "broadcast:pending"
	}
	return &Store{client: client, prefix: strings.TrimSuffix(prefix, ":"), clock: clock}
}

func (s *Store) recordKey(id string) string { return s.prefix + ":rec:" + id }

func (s *Store) indexKey() string { return s.prefix + ":index" }

// Insert implements pending.Store.
func (s *Store) Insert(ctx context.Context, rec *pending.Record) error {
	if err := pending.Validate(rec); err != nil {
		return err
	}
	ttl, ok := s.remaining(rec)
	if !ok {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化待确认记录失败")
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(rec.ID), payload, ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.CreatedAt), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(err, "写入待确认记录失败")
	}
	return nil
}

// Get implements pending.Store.
func (s *Store) Get(ctx context.Context, id string) (*pending.Record, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.clock.Now()) {
		return nil, pending.ErrNotFound
	}
	return rec, nil
}

// Remove implements pending.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.recordKey(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap(err, "删除待确认记录失败")
	}
	return nil
}

// List implements pending.Store.
func (s *Store) List(ctx context.Context, opts ...pending.ListOption) ([]pending.Entry, error) {
	options := pending.BuildListOptions(opts)
	records, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	entries := make([]pending.Entry, 0, len(records))
	for _, rec := range records {
		if rec.Expired(now) {
			continue
		}
		if entry := rec.Entry(); options.Matches(entry) {
			entries = append(entries, entry)
		}
	}
	pending.SortEntries(entries)
	if len(entries) > options.Limit {
		entries = entries[:options.Limit]
	}
	return entries, nil
}

// Cleanup implements pending.Store. Keys already evicted by Redis only leave
// index members behind; those are pruned without being counted as removed.
func (s *Store) Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (pending.CleanupResult, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return pending.CleanupResult{}, s.wrap(err, "读取索引失败")
	}
	nowMS := now.UnixMilli()
	cutoff := pending.CutoffFor(now, maxAge)

	var result pending.CleanupResult
	for _, id := range ids {
		rec, err := s.load(ctx, id)
		if pending.IsNotFound(err) {
			if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
				return result, s.wrap(err, "清理索引失败")
			}
			continue
		}
		if err != nil {
			return result, err
		}
		if rec.Expired(nowMS) || (cutoff > 0 && rec.CreatedAt <= cutoff) {
			if err := s.Remove(ctx, id); err != nil {
				return result, err
			}
			result.Removed++
			continue
		}
		result.Kept++
	}
	return result, nil
}

// UpdateStatus implements pending.Store.
func (s *Store) UpdateStatus(ctx context.Context, id string, update pending.StatusUpdate) error {
	key := s.recordKey(id)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return pending.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec pending.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		now := s.clock.Now()
		if rec.Expired(now) {
			return pending.ErrNotFound
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
		ttl, _ := s.remaining(&rec)
		payload, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}, key)
	if pending.IsNotFound(err) {
		return err
	}
	if err != nil {
		return s.wrap(err, "更新待确认记录状态失败")
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) load(ctx context.Context, id string) (*pending.Record, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pending.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err, "查询待确认记录失败")
	}
	var rec pending.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, s.wrap(err, "解析待确认记录失败")
	}
	if err := pending.VerifyIntegrity(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) scan(ctx context.Context) ([]*pending.Record, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, s.wrap(err, "读取索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, s.wrap(err, "批量读取待确认记录失败")
	}
	records := make([]*pending.Record, 0, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			continue
		}
		var rec pending.Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, s.wrap(err, "解析待确认记录失败")
		}
		records = append(records, &rec)
	}
	return records, nil
}

// remaining converts the lease into a key TTL measured on the store clock.
func (s *Store) remaining(rec *pending.Record) (time.Duration, bool) {
	ms := rec.ExpiresAt - s.clock.Now()
	if ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (s *Store) wrap(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, fmt.Errorf("%s: %w", s.prefix, err), msg, xerrors.WithMetadata("driver", "redis"))
}
