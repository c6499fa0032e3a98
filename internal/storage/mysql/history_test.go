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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "cronos-sentinel/internal/errors"
)

func TestMemoryHistoryRepositoryPersistsAndFilters(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewMemoryHistoryRepository(dir)
	require.NoError(t, err)

	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Unix()
	records := []HistoryRecord{
		{ID: "a", Kind: KindOutcome, JobID: "J1", User: "0xAbC", Status: "completed", FinalLimit: "400000", OccurredAt: base},
		{ID: "b", Kind: KindOutcome, JobID: "J2", User: "0xabc", Status: "refused", OccurredAt: base + 10},
		{ID: "c", Kind: KindLedgerEvent, User: "0xdef", Status: "deposited", Amount: "5", OccurredAt: base + 20},
	}
	for _, r := range records {
		require.NoError(t, repo.Save(ctx, r))
	}
	require.NoError(t, repo.Save(ctx, records[0]), "duplicate ids are ignored")

	list, err := repo.List(ctx, WithUser("0xABC"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)

	list, err = repo.List(ctx, WithKinds(KindLedgerEvent))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "5", list[0].Amount)

	list, err = repo.List(ctx, WithSortOrder(SortOldestFirst), WithLimit(1), WithOffset(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	list, err = repo.List(ctx, WithSince(time.Unix(base+15, 0)))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].ID)

	reopened, err := NewMemoryHistoryRepository(dir)
	require.NoError(t, err)
	list, err = reopened.List(ctx, WithLimit(100))
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestMemoryHistoryRepositoryValidates(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryHistoryRepository("")
	require.NoError(t, err)

	err = repo.Save(context.Background(), HistoryRecord{Kind: KindOutcome})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
	err = repo.Save(context.Background(), HistoryRecord{ID: "x", Kind: "other"})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInvalidArgument))
}

func TestMemoryCursorStore(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryHistoryRepository("")
	require.NoError(t, err)

	_, ok, err := repo.LoadCursor(context.Background(), "ledger")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveCursor(context.Background(), "ledger", 42))
	block, ok, err := repo.LoadCursor(context.Background(), "ledger")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), block)
}

func TestListOptionsDefaults(t *testing.T) {
	opts := buildListOptions([]ListOption{WithLimit(1000), WithOffset(-3), WithKinds("bogus", KindOutcome, KindOutcome)})
	assert.Equal(t, 100, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
	assert.Equal(t, []RecordKind{KindOutcome}, opts.Kinds)
	assert.Equal(t, SortNewestFirst, opts.Order)
}

func TestSQLHistoryRepositorySave(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		execOp(insertHistorySQL(), mockResult{rowsAffected: 1}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLHistoryRepository{db: db}
	err := repo.Save(context.Background(), HistoryRecord{ID: "r1", Kind: KindOutcome, Status: "completed", User: "0xABC", OccurredAt: 1})
	require.NoError(t, err)
}

func TestSQLHistoryRepositorySaveFailure(t *testing.T) {
	t.Parallel()

	op := execOp(insertHistorySQL(), mockResult{})
	op.err = errors.New("connection reset")
	db, drv := newMockDB(t, []mockOperation{op})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLHistoryRepository{db: db}
	err := repo.Save(context.Background(), HistoryRecord{ID: "r1", Kind: KindOutcome, Status: "completed", OccurredAt: 1})
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
}

func TestSQLHistoryRepositoryList(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: strings.Split(strings.ReplaceAll(historyColumns, " ", ""), ","),
		values: [][]driver.Value{
			{"r2", "outcome", "J2", "risk-sentinel", "0xabc", "refused", "1000", "600", "400", "", "deterministic", nil, "REQUEST_EXCEEDS_RECOMMENDED_LIMIT", "", int64(0), int64(20)},
			{"r1", "outcome", "J1", "settlement-optimizer", "0xabc", "completed", "1000000", "400000", "400000", "", "deterministic", "ok", "", "0xtx", int64(9), int64(10)},
		},
	}
	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT `+historyColumns+` FROM settlement_history WHERE user_address = ? AND kind IN (?) ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`, rows),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLHistoryRepository{db: db}
	list, err := repo.List(context.Background(), WithUser("0xABC"), WithKinds(KindOutcome), WithLimit(2))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, KindOutcome, list[0].Kind)
	assert.Equal(t, "", list[0].Reason)
	assert.Equal(t, "ok", list[1].Reason)
	assert.Equal(t, uint64(9), list[1].BlockNumber)
}

func TestSQLCursorStore(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(`SELECT block_number FROM watcher_cursors WHERE name = ?`, mockRowsData{columns: []string{"block_number"}}),
		execOp(`INSERT INTO watcher_cursors (name, block_number, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE block_number = VALUES(block_number), updated_at = VALUES(updated_at)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT block_number FROM watcher_cursors WHERE name = ?`, mockRowsData{columns: []string{"block_number"}, values: [][]driver.Value{{int64(77)}}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	repo := &SQLHistoryRepository{db: db}
	ctx := context.Background()
	_, ok, err := repo.LoadCursor(ctx, "ledger")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SaveCursor(ctx, "ledger", 77))

	block, ok, err := repo.LoadCursor(ctx, "ledger")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(77), block)
}

func TestRunMigrations(t *testing.T) {
	t.Parallel()

	statements := migrationStatements()
	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}, values: [][]driver.Value{{"0001"}}}),
		beginOp(),
		execOp(statements["0002"], mockResult{}),
		execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	require.NoError(t, runMigrations(context.Background(), db))
}

func insertHistorySQL() string {
	return `INSERT INTO settlement_history (` + historyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
}

func migrationStatements() map[string]string {
	files, err := loadMigrationFiles()
	if err != nil {
		panic(fmt.Sprintf("failed to load migrations: %v", err))
	}
	out := make(map[string]string, len(files))
	for _, f := range files {
		if len(f.statements) != 1 {
			panic(fmt.Sprintf("migration %s should hold one statement", f.name))
		}
		out[f.version] = f.statements[0]
	}
	return out
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

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

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

func TestListByJobIDMatchesChainTopic(t *testing.T) {
	t.Parallel()

	repo, err := NewMemoryHistoryRepository("")
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute).Unix()
	require.NoError(t, repo.Save(ctx, HistoryRecord{ID: "paid", Kind: KindLedgerEvent, JobID: JobTopic("J1"), Status: "settlement_paid", OccurredAt: base}))
	require.NoError(t, repo.Save(ctx, HistoryRecord{ID: "run", Kind: KindOutcome, JobID: "J1", Status: "completed", OccurredAt: base + 1}))
	require.NoError(t, repo.Save(ctx, HistoryRecord{ID: "other", Kind: KindLedgerEvent, JobID: JobTopic("J2"), Status: "settlement_paid", OccurredAt: base + 2}))

	list, err := repo.List(ctx, WithJobID("J1"))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run", list[0].ID)
	assert.Equal(t, "paid", list[1].ID)

	query, args := buildListQuery(ListOptions{JobID: "J1", Limit: 20})
	assert.Contains(t, query, "job_id IN (?, ?)")
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "J1", args[0])
	assert.Equal(t, JobTopic("J1"), args[1])
}
