package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
)

func memoryConfig() *dbengine.ConnectionConfig {
	return &dbengine.ConnectionConfig{ConnectionString: ":memory:"}
}

func TestConnectMemory(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "DQM-test-00")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	assert.Equal(t, dbengine.Connected, h.Status())
	assert.Equal(t, "DQM-test-00", h.Designator)
}

func TestConnectBadPath(t *testing.T) {
	e := New(nil)

	cfg := &dbengine.ConnectionConfig{
		ConnectionString: "file:/nonexistent/dir/db.sqlite?mode=ro",
	}
	_, err := e.Connect(context.Background(), cfg, "")
	require.Error(t, err)
}

func TestExecuteQuery(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		QueryID: "ddl", SQLTemplate: "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)",
	})
	require.NoError(t, err)

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		QueryID:        "ins",
		SQLTemplate:    "INSERT INTO t (id, name) VALUES (?, ?)",
		ParametersJSON: []byte(`{"id": 1, "name": "first"}`),
	})
	require.NoError(t, err)

	res, err := e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		QueryID: "sel", SQLTemplate: "SELECT id, name FROM t ORDER BY id",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, []string{"id", "name"}, res.ColumnNames)
	assert.JSONEq(t, `[{"id": 1, "name": "first"}]`, string(res.DataJSON))
}

func TestAffectedRows(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "CREATE TABLE t (id INTEGER PRIMARY KEY, flag INTEGER)",
	})
	require.NoError(t, err)

	res, err := e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate:    "INSERT INTO t (id, flag) VALUES (?, ?)",
		ParametersJSON: []byte(`{"id": 1, "flag": 0}`),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(1), res.AffectedRows)

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate:    "INSERT INTO t (id, flag) VALUES (?, ?)",
		ParametersJSON: []byte(`{"id": 2, "flag": 0}`),
	})
	require.NoError(t, err)

	res, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "UPDATE t SET flag = 1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.AffectedRows)

	// Prepared DML reports its count as well.
	stmt, err := e.PrepareStatement(context.Background(), h, "clear", "UPDATE t SET flag = 0 WHERE id = ?")
	require.NoError(t, err)
	res, err = e.ExecutePrepared(context.Background(), h, stmt, &dbengine.QueryRequest{
		ParametersJSON: []byte(`{"id": 1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.AffectedRows)
}

func TestExecuteQueryBadSQL(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	res, err := e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		QueryID: "bad", SQLTemplate: "SELEKT nonsense",
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestPreparedStatements(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT)",
	})
	require.NoError(t, err)
	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate:    "INSERT INTO t (id, name) VALUES (?, ?)",
		ParametersJSON: []byte(`{"id": 7, "name": "seven"}`),
	})
	require.NoError(t, err)

	stmt, err := e.PrepareStatement(context.Background(), h, "by_id", "SELECT name FROM t WHERE id = ?")
	require.NoError(t, err)
	require.NotNil(t, stmt)

	// Preparing the same name again returns the cached statement.
	again, err := e.PrepareStatement(context.Background(), h, "by_id", "SELECT name FROM t WHERE id = ?")
	require.NoError(t, err)
	assert.Same(t, stmt, again)
	assert.Equal(t, 1, h.Statements().Len())

	res, err := e.ExecutePrepared(context.Background(), h, stmt, &dbengine.QueryRequest{
		QueryID:        "q1",
		ParametersJSON: []byte(`{"id": 7}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name": "seven"}]`, string(res.DataJSON))
	assert.Equal(t, 1, stmt.UsageCount())

	require.NoError(t, e.UnprepareStatement(context.Background(), h, stmt))
	assert.Zero(t, h.Statements().Len())
}

func TestTransactionLifecycle(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "CREATE TABLE t (id INTEGER PRIMARY KEY)",
	})
	require.NoError(t, err)

	tx, err := e.BeginTransaction(context.Background(), h, dbengine.Serializable)
	require.NoError(t, err)
	assert.True(t, tx.Active)
	assert.Same(t, tx, h.CurrentTransaction)

	// One transaction per connection.
	_, err = e.BeginTransaction(context.Background(), h, dbengine.Serializable)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "INSERT INTO t (id) VALUES (1)",
	})
	require.NoError(t, err)

	require.NoError(t, e.RollbackTransaction(context.Background(), h, tx))
	assert.Nil(t, h.CurrentTransaction)

	// Rolled back insert is gone.
	res, err := e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "SELECT id FROM t",
	})
	require.NoError(t, err)
	assert.Zero(t, res.RowCount)

	// Commit path.
	tx, err = e.BeginTransaction(context.Background(), h, dbengine.ReadCommitted)
	require.NoError(t, err)
	_, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "INSERT INTO t (id) VALUES (2)",
	})
	require.NoError(t, err)
	require.NoError(t, e.CommitTransaction(context.Background(), h, tx))

	res, err = e.ExecuteQuery(context.Background(), h, &dbengine.QueryRequest{
		SQLTemplate: "SELECT id FROM t",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount)
}

func TestCommitForeignTransaction(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.BeginTransaction(context.Background(), h, dbengine.ReadCommitted)
	require.NoError(t, err)

	foreign := dbengine.NewTransaction(dbengine.ReadCommitted)
	err = e.CommitTransaction(context.Background(), h, foreign)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
}

func TestHealthCheck(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)

	require.NoError(t, e.HealthCheck(context.Background(), h))
	assert.Zero(t, h.ConsecutiveFailures)

	require.NoError(t, e.Disconnect(h))
	assert.Error(t, e.HealthCheck(context.Background(), h))
}

func TestDisconnectIdempotent(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)

	require.NoError(t, e.Disconnect(h))
	require.NoError(t, e.Disconnect(h))
	assert.Equal(t, dbengine.Disconnected, h.Status())
}

func TestDisconnectWithOpenTransaction(t *testing.T) {
	e := New(nil)

	h, err := e.Connect(context.Background(), memoryConfig(), "")
	require.NoError(t, err)

	_, err = e.BeginTransaction(context.Background(), h, dbengine.Serializable)
	require.NoError(t, err)

	// Teardown must not block on the transaction still pinning the single
	// pool connection.
	done := make(chan error, 1)
	go func() { done <- e.Disconnect(h) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Disconnect blocked on an open transaction")
	}
	assert.Equal(t, dbengine.Disconnected, h.Status())
}

func TestResetConnection(t *testing.T) {
	e := New(nil)

	path := filepath.Join(t.TempDir(), "reset.db")
	cfg := &dbengine.ConnectionConfig{ConnectionString: path}

	h, err := e.Connect(context.Background(), cfg, "")
	require.NoError(t, err)
	defer func() { _ = e.Disconnect(h) }()

	_, err = e.PrepareStatement(context.Background(), h, "s1", "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, e.ResetConnection(context.Background(), h))
	assert.Equal(t, dbengine.Connected, h.Status())
	assert.Zero(t, h.Statements().Len())
	require.NoError(t, e.HealthCheck(context.Background(), h))
}

func TestValidateConnectionString(t *testing.T) {
	e := New(nil)

	// Round trip through the builder.
	cfg := &dbengine.ConnectionConfig{Database: "/var/lib/app.db"}
	assert.True(t, e.ValidateConnectionString(e.ConnectionString(cfg)))

	assert.True(t, e.ValidateConnectionString(":memory:"))
	assert.True(t, e.ValidateConnectionString("sqlite:/var/lib/app.db"))
	assert.True(t, e.ValidateConnectionString("/var/lib/app.db"))
	assert.False(t, e.ValidateConnectionString(""))
	assert.False(t, e.ValidateConnectionString("postgresql://u@h/db"))
}
