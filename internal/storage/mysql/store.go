package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"OpenMCP-Broadcast/deploy/migrations"
	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/storage/sqlstore"
)

// Dialect 是 MySQL 的 SQL 方言。
var Dialect = sqlstore.Dialect{Name: "mysql", UpsertSQL: sqlstore.MySQLUpsert}

// Open 连接 MySQL、执行迁移并返回待确认记录仓储。
func Open(ctx context.Context, cfg Config, clock pending.Clock) (*sqlstore.Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 存储失败")
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行 MySQL 迁移失败")
	}
	return sqlstore.New(db, Dialect, clock), nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	files, err := fs.Sub(migrations.MySQL, "mysql")
	if err != nil {
		return fmt.Errorf("定位迁移目录失败: %w", err)
	}
	return sqlstore.Migrate(ctx, db, files, ignoreExisting)
}
