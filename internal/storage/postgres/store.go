// Package postgres implements the pending confirmation store on PostgreSQL
// through a pgx connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"OpenMCP-Broadcast/deploy/migrations"
	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/storage/sqlstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes the pool.
type Config struct {
	DSN      string
	MaxConns int32
}

// Store is the pgx backed pending.Store.
type Store struct {
	pool  *pgxpool.Pool
	clock pending.Clock
}

var _ pending.Store = (*Store)(nil)

const recordColumns = `id, network, tx_bytes, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts`

const entryColumns = `id, network, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts`

// Open connects, migrates and returns the store.
func Open(ctx context.Context, cfg Config, clock pending.Clock) (*Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "PostgreSQL DSN 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 PostgreSQL DSN 失败")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 PostgreSQL 失败")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "无法连接到 PostgreSQL")
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行 PostgreSQL 迁移失败")
	}
	return &Store{pool: pool, clock: clock}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	files, err := fs.Sub(migrations.Postgres, "postgres")
	if err != nil {
		return err
	}
	byVersion, versions, err := sqlstore.LoadStatements(files)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	for _, version := range versions {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return fmt.Errorf("查询 schema_migrations 失败: %w", err)
		}
		if exists {
			continue
		}
		err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			for _, stmt := range byVersion[version] {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 失败: %w", version, err)
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, version, time.Now().Unix())
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Insert implements pending.Store.
func (s *Store) Insert(ctx context.Context, rec *pending.Record) error {
	if err := pending.Validate(rec); err != nil {
		return err
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化交易摘要失败")
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO pending_confirmations (`+recordColumns+`)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    ON CONFLICT (id) DO UPDATE SET network = EXCLUDED.network, tx_bytes = EXCLUDED.tx_bytes,
    content_hash = EXCLUDED.content_hash, created_at_ms = EXCLUDED.created_at_ms, updated_at_ms = EXCLUDED.updated_at_ms,
    expires_at_ms = EXCLUDED.expires_at_ms, source_tool = EXCLUDED.source_tool, summary_json = EXCLUDED.summary_json,
    status = EXCLUDED.status, tx_hash = EXCLUDED.tx_hash, last_error = EXCLUDED.last_error, attempts = EXCLUDED.attempts`,
		rec.ID, rec.Network, rec.TxBytes, rec.ContentHash, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt,
		rec.SourceTool, summary, string(rec.Status), rec.TxHash, rec.LastError, rec.Attempts)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入待确认记录失败", xerrors.WithMetadata("driver", "postgres"))
	}
	return nil
}

// Get implements pending.Store.
func (s *Store) Get(ctx context.Context, id string) (*pending.Record, error) {
	var (
		rec     pending.Record
		summary []byte
		status  string
	)
	err := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM pending_confirmations WHERE id = $1 AND expires_at_ms > $2`,
		id, s.clock.Now()).Scan(&rec.ID, &rec.Network, &rec.TxBytes, &rec.ContentHash, &rec.CreatedAt, &rec.UpdatedAt,
		&rec.ExpiresAt, &rec.SourceTool, &summary, &status, &rec.TxHash, &rec.LastError, &rec.Attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pending.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待确认记录失败", xerrors.WithMetadata("driver", "postgres"))
	}
	rec.Status = pending.Status(status)
	if err := json.Unmarshal(summary, &rec.Summary); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易摘要失败")
	}
	if err := pending.VerifyIntegrity(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remove implements pending.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM pending_confirmations WHERE id = $1`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除待确认记录失败", xerrors.WithMetadata("driver", "postgres"))
	}
	return nil
}

// List implements pending.Store.
func (s *Store) List(ctx context.Context, opts ...pending.ListOption) ([]pending.Entry, error) {
	options := pending.BuildListOptions(opts)
	clauses := []string{"expires_at_ms > $1"}
	args := []any{s.clock.Now()}
	if options.Network != "" {
		args = append(args, options.Network)
		clauses = append(clauses, fmt.Sprintf("network = $%d", len(args)))
	}
	if options.SourceTool != "" {
		args = append(args, options.SourceTool)
		clauses = append(clauses, fmt.Sprintf("source_tool = $%d", len(args)))
	}
	if len(options.Statuses) > 0 {
		statuses := make([]string, len(options.Statuses))
		for i, st := range options.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		clauses = append(clauses, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	args = append(args, options.Limit)
	query := `SELECT ` + entryColumns + ` FROM pending_confirmations WHERE ` + strings.Join(clauses, " AND ") +
		fmt.Sprintf(` ORDER BY created_at_ms DESC, id ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待确认列表失败", xerrors.WithMetadata("driver", "postgres"))
	}
	defer rows.Close()

	var entries []pending.Entry
	for rows.Next() {
		var (
			e       pending.Entry
			summary []byte
			status  string
		)
		if err := rows.Scan(&e.ID, &e.Network, &e.ContentHash, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
			&e.SourceTool, &summary, &status, &e.TxHash, &e.LastError, &e.Attempts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析待确认列表失败")
		}
		e.Status = pending.Status(status)
		if err := json.Unmarshal(summary, &e.Summary); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易摘要失败")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历待确认列表失败")
	}
	return entries, nil
}

// Cleanup implements pending.Store.
func (s *Store) Cleanup(ctx context.Context, now time.Time, maxAge time.Duration) (pending.CleanupResult, error) {
	query := `DELETE FROM pending_confirmations WHERE expires_at_ms <= $1`
	args := []any{now.UnixMilli()}
	if cutoff := pending.CutoffFor(now, maxAge); cutoff > 0 {
		query += ` OR created_at_ms <= $2`
		args = append(args, cutoff)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return pending.CleanupResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理待确认记录失败", xerrors.WithMetadata("driver", "postgres"))
	}
	var kept int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pending_confirmations`).Scan(&kept); err != nil {
		return pending.CleanupResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计剩余记录失败")
	}
	return pending.CleanupResult{Removed: int(tag.RowsAffected()), Kept: kept}, nil
}

// UpdateStatus implements pending.Store.
func (s *Store) UpdateStatus(ctx context.Context, id string, update pending.StatusUpdate) error {
	now := s.clock.Now()
	attempted := 0
	if update.Attempted {
		attempted = 1
	}
	tag, err := s.pool.Exec(ctx, `UPDATE pending_confirmations
    SET status = $1, tx_hash = COALESCE(NULLIF($2, ''), tx_hash), last_error = $3, attempts = attempts + $4, updated_at_ms = $5
    WHERE id = $6 AND expires_at_ms > $5`,
		string(update.Status), update.TxHash, update.LastError, attempted, now, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新待确认记录状态失败", xerrors.WithMetadata("driver", "postgres"))
	}
	if tag.RowsAffected() == 0 {
		return pending.ErrNotFound
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
