package migrations

import "embed"

// MySQL 暴露 MySQL 方言的迁移文件。
//
//go:embed mysql/*.sql
var MySQL embed.FS

// SQLite 暴露 SQLite 方言的迁移文件。
//
//go:embed sqlite/*.sql
var SQLite embed.FS

// Postgres 暴露 PostgreSQL 方言的迁移文件。
//
//go:embed postgres/*.sql
var Postgres embed.FS
