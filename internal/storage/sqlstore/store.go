// Package sqlstore 基于 database/sql 实现 pending.Store，被 MySQL 与 SQLite 后端共享。
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"
)

// Dialect 描述不同数据库之间的差异。
type Dialect struct {
	Name string
	// UpsertSQL 写入一整行，主键冲突时覆盖全部列。
	UpsertSQL string
}

const recordColumns = `id, network, tx_bytes, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts`

const entryColumns = `id, network, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts`

// MySQLUpsert 使用 ON DUPLICATE KEY UPDATE 覆盖旧记录。
const MySQLUpsert = `INSERT INTO pending_confirmations (` + recordColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE network = VALUES(network), tx_bytes = VALUES(tx_bytes), content_hash = VALUES(content_hash),
    created_at_ms = VALUES(created_at_ms), updated_at_ms = VALUES(updated_at_ms), expires_at_ms = VALUES(expires_at_ms),
    source_tool = VALUES(source_tool), summary_json = VALUES(summary_json), status = VALUES(status),
    tx_hash = VALUES(tx_hash), last_error = VALUES(last_error), attempts = VALUES(attempts)`

// SQLiteUpsert 使用 INSERT OR REPLACE 覆盖旧记录。
const SQLiteUpsert = `INSERT OR REPLACE INTO pending_confirmations (` + recordColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Store 是基于 *sql.DB 的待确认记录仓储。
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   pending.Clock
}

var _ pending.Store = (*Store)(nil)

// New 包装已打开并完成迁移的数据库连接。
func New(db *sql.DB, dialect Dialect, clock pending.Clock) *Store {
	return &Store{db: db, dialect: dialect, clock: clock}
}

// DB 返回底层连接，便于健康检查。
func (s *Store) DB() *sql.DB { return s.db }

// Insert 实现 pending.Store。
func (s *Store) Insert(ctx context.Context, rec *pending.Record) error {
	if err := pending.Validate(rec); err != nil {
		return err
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化交易摘要失败")
	}
	_, err = s.db.ExecContext(ctx, s.dialect.UpsertSQL,
		rec.ID, rec.Network, rec.TxBytes, rec.ContentHash,
		rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
		rec.SourceTool, string(summary), string(rec.Status),
		rec.TxHash, rec.LastError, rec.Attempts,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入待确认记录失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	return nil
}

// Get 实现 pending.Store。
func (s *Store) Get(ctx context.Context, id string) (*pending.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+`
    FROM pending_confirmations WHERE id = ? AND expires_at_ms > ?`, id, s.clock.Now())

	var (
		rec     pending.Record
		summary string
		status  string
	)
	err := row.Scan(&rec.ID, &rec.Network, &rec.TxBytes, &rec.ContentHash,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt,
		&rec.SourceTool, &summary, &status, &rec.TxHash, &rec.LastError, &rec.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pending.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待确认记录失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	rec.Status = pending.Status(status)
	if err := decodeSummary(summary, &rec.Summary); err != nil {
		return nil, err
	}
	if err := pending.VerifyIntegrity(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remove 实现 pending.Store。
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_confirmations WHERE id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除待确认记录失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	return nil
}

// List 实现 pending.Store。
func (s *Store) List(ctx context.Context, opts ...pending.ListOption) ([]pending.Entry, error) {
	options := pending.BuildListOptions(opts)
	where, args := BuildFilterClause(options, s.clock.Now())
	args = append(args, options.Limit)

	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+`
    FROM pending_confirmations`+where+` ORDER BY created_at_ms DESC, id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待确认列表失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	defer rows.Close()

	var entries []pending.Entry
	for rows.Next() {
		var (
			e       pending.Entry
			summary string
			status  string
		)
		if err := rows.Scan(&e.ID, &e.Network, &e.ContentHash, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
			&e.SourceTool, &summary, &status, &e.TxHash, &e.LastError, &e.Attempts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待确认列表失败")
		}
		e.Status = pending.Status(status)
		if err := decodeSummary(summary, &e.Summary); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待确认列表失败")
	}
	return entries, nil
}

// Cleanup 实现 pending.Store。
func (s *Store) Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (pending.CleanupResult, error) {
	query := `DELETE FROM pending_confirmations WHERE expires_at_ms <= ?`
	args := []any{now.UnixMilli()}
	if cutoff := pending.CutoffFor(now, maxAge); cutoff > 0 {
		query += ` OR created_at_ms <= ?`
		args = append(args, cutoff)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pending.CleanupResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理待确认记录失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return pending.CleanupResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清理行数失败")
	}

	var kept int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_confirmations`).Scan(&kept); err != nil {
		return pending.CleanupResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计剩余记录失败")
	}
	return pending.CleanupResult{Removed: int(removed), Kept: kept}, nil
}

// UpdateStatus 实现 pending.Store。
func (s *Store) UpdateStatus(ctx context.Context, id string, update pending.StatusUpdate) error {
	now := s.clock.Now()
	attempted := 0
	if update.Attempted {
		attempted = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE pending_confirmations
    SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash), last_error = ?, attempts = attempts + ?, updated_at_ms = ?
    WHERE id = ? AND expires_at_ms > ?`,
		string(update.Status), update.TxHash, update.LastError, attempted, now, id, now)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新待确认记录状态失败", xerrors.WithMetadata("driver", s.dialect.Name))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新行数失败")
	}
	if affected == 0 {
		return pending.ErrNotFound
	}
	return nil
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BuildFilterClause 根据列表选项构造 WHERE 子句，占位符为 ?。
func BuildFilterClause(opts pending.ListOptions, nowMS int64) (string, []any) {
	clauses := []string{"expires_at_ms > ?"}
	args := []any{nowMS}
	if opts.Network != "" {
		clauses = append(clauses, "network = ?")
		args = append(args, opts.Network)
	}
	if opts.SourceTool != "" {
		clauses = append(clauses, "source_tool = ?")
		args = append(args, opts.SourceTool)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func decodeSummary(raw string, dst *pending.Summary) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易摘要失败")
	}
	return nil
}
