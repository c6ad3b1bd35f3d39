package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"OpenMCP-Broadcast/deploy/migrations"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/storage/sqlstore"

	"github.com/go-sql-driver/mysql"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func fixedClock() time.Time { return fixedNow }

func recordColumnNames() []string {
	return []string{"id", "network", "tx_bytes", "content_hash", "created_at_ms", "updated_at_ms", "expires_at_ms", "source_tool", "summary_json", "status", "tx_hash", "last_error", "attempts"}
}

func TestStoreInsertUsesUpsert(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(sqlstore.MySQLUpsert, mockResult{rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db, Dialect, fixedClock)
	payload := []byte{0x02, 0xf8, 0x6b}
	rec := &pending.Record{
		ID:          pending.NewID("evm", "sepolia", pending.Hash(payload)),
		Network:     "sepolia",
		TxBytes:     payload,
		ContentHash: pending.Hash(payload),
		CreatedAt:   fixedNow.UnixMilli(),
		ExpiresAt:   fixedNow.Add(time.Minute).UnixMilli(),
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if rec.Status != pending.StatusPending || rec.UpdatedAt != rec.CreatedAt {
		t.Fatalf("defaults not applied: %+v", rec)
	}
}

func TestStoreGetVerifiesIntegrity(t *testing.T) {
	t.Parallel()

	payload := []byte("signed-bytes")
	hash := pending.Hash(payload)
	good := mockRowsData{
		columns: recordColumnNames(),
		values: [][]driver.Value{{"evm_confirm_1", "sepolia", payload, hash, fixedNow.UnixMilli(), fixedNow.UnixMilli(),
			fixedNow.Add(time.Minute).UnixMilli(), "evm_transfer", `{"kind":"transfer","approval_status":"blocked"}`, "timed_out", "0xabc", "", int64(2)}},
	}
	tampered := mockRowsData{
		columns: recordColumnNames(),
		values: [][]driver.Value{{"evm_confirm_2", "sepolia", []byte("other"), hash, fixedNow.UnixMilli(), fixedNow.UnixMilli(),
			fixedNow.Add(time.Minute).UnixMilli(), "", `{}`, "pending", "", "", int64(0)}},
	}
	getSQL := `SELECT id, network, tx_bytes, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts
    FROM pending_confirmations WHERE id = ? AND expires_at_ms > ?`

	db, driver := newMockDB(t, []mockOperation{
		queryOp(getSQL, good),
		queryOp(getSQL, tampered),
		queryOp(getSQL, mockRowsData{columns: recordColumnNames()}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db, Dialect, fixedClock)
	rec, err := store.Get(context.Background(), "evm_confirm_1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !rec.Summary.Blocked() || rec.Status != pending.StatusTimedOut || rec.Attempts != 2 || rec.TxHash != "0xabc" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, err := store.Get(context.Background(), "evm_confirm_2"); err == nil || pending.IsNotFound(err) {
		t.Fatalf("expected integrity failure, got %v", err)
	}
	if _, err := store.Get(context.Background(), "missing"); !pending.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreListBuildsFilters(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "network", "content_hash", "created_at_ms", "updated_at_ms", "expires_at_ms", "source_tool", "summary_json", "status", "tx_hash", "last_error", "attempts"},
		values: [][]driver.Value{
			{"evm_confirm_2", "sepolia", "h2", int64(20), int64(20), int64(99), "", `{}`, "pending", "", "", int64(0)},
			{"evm_confirm_1", "sepolia", "h1", int64(10), int64(10), int64(99), "", `{}`, "failed", "", "NONCE_TOO_LOW", int64(1)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT id, network, content_hash, created_at_ms, updated_at_ms, expires_at_ms, source_tool, summary_json, status, tx_hash, last_error, attempts
    FROM pending_confirmations WHERE expires_at_ms > ? AND network = ? AND status IN (?, ?) ORDER BY created_at_ms DESC, id ASC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db, Dialect, fixedClock)
	entries, err := store.List(context.Background(),
		pending.WithNetwork("sepolia"),
		pending.WithStatuses(pending.StatusPending, pending.StatusFailed, "bogus"),
		pending.WithLimit(5),
	)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "evm_confirm_2" || entries[1].LastError != "NONCE_TOO_LOW" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestStoreCleanupAndUpdate(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`DELETE FROM pending_confirmations WHERE expires_at_ms <= ? OR created_at_ms <= ?`, mockResult{rowsAffected: 3}),
		queryOp(`SELECT COUNT(*) FROM pending_confirmations`, mockRowsData{columns: []string{"count"}, values: [][]driver.Value{{int64(4)}}}),
		execOp(`UPDATE pending_confirmations
    SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash), last_error = ?, attempts = attempts + ?, updated_at_ms = ?
    WHERE id = ? AND expires_at_ms > ?`, mockResult{rowsAffected: 0}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := sqlstore.New(db, Dialect, fixedClock)
	result, err := store.Cleanup(context.Background(), fixedNow, time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if result.Removed != 3 || result.Kept != 4 {
		t.Fatalf("unexpected cleanup result: %+v", result)
	}

	err = store.UpdateStatus(context.Background(), "gone", pending.StatusUpdate{Status: pending.StatusSending})
	if !pending.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp(readMigrationStatement(), mockResult{rowsAffected: 0}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := migrate(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestNormalizeDSN(t *testing.T) {
	dsn, err := normalizeDSN("broadcast:secret@tcp(127.0.0.1:3306)/broadcast")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if !strings.Contains(dsn, "clientFoundRows=true") || !strings.Contains(dsn, "charset=utf8mb4") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if _, err := normalizeDSN("::not a dsn"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIgnoreExisting(t *testing.T) {
	if !ignoreExisting(fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1061, Message: "Duplicate key name"})) {
		t.Fatal("duplicate index should be ignored")
	}
	if ignoreExisting(&mysql.MySQLError{Number: 1064}) || ignoreExisting(errors.New("boom")) {
		t.Fatal("syntax errors must not be ignored")
	}
}

func readMigrationStatement() string {
	content, err := migrations.MySQL.ReadFile("mysql/0001_create_pending_confirmations.sql")
	if err != nil {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	statements := sqlstore.SplitStatements(string(content))
	if len(statements) == 0 {
		panic("no statements in migration")
	}
	return statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
