package dbengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// fakeEngine records calls so dispatch tests can assert routing without a
// live database.
type fakeEngine struct {
	typ      EngineType
	name     string
	executed []string
	prepared []string
}

func (f *fakeEngine) Type() EngineType           { return f.typ }
func (f *fakeEngine) Name() string               { return f.name }
func (f *fakeEngine) Capabilities() Capabilities { return Capabilities{} }

func (f *fakeEngine) Connect(_ context.Context, cfg *ConnectionConfig, designator string) (*Handle, error) {
	return NewHandle(f.typ, "native", cfg, designator), nil
}

func (f *fakeEngine) Disconnect(h *Handle) error {
	h.ClearNative()
	return nil
}

func (f *fakeEngine) HealthCheck(context.Context, *Handle) error { return nil }

func (f *fakeEngine) ResetConnection(context.Context, *Handle) error { return nil }

func (f *fakeEngine) ExecuteQuery(_ context.Context, _ *Handle, req *QueryRequest) (*QueryResult, error) {
	f.executed = append(f.executed, req.QueryID)
	return &QueryResult{Success: true}, nil
}

func (f *fakeEngine) ExecutePrepared(_ context.Context, _ *Handle, stmt *PreparedStatement, req *QueryRequest) (*QueryResult, error) {
	f.prepared = append(f.prepared, stmt.Name)
	return &QueryResult{Success: true}, nil
}

func (f *fakeEngine) BeginTransaction(_ context.Context, h *Handle, level IsolationLevel) (*Transaction, error) {
	tx := NewTransaction(level)
	h.CurrentTransaction = tx
	return tx, nil
}

func (f *fakeEngine) CommitTransaction(_ context.Context, h *Handle, tx *Transaction) error {
	tx.Active = false
	h.CurrentTransaction = nil
	return nil
}

func (f *fakeEngine) RollbackTransaction(_ context.Context, h *Handle, tx *Transaction) error {
	tx.Active = false
	h.CurrentTransaction = nil
	return nil
}

func (f *fakeEngine) PrepareStatement(_ context.Context, h *Handle, name, sql string) (*PreparedStatement, error) {
	stmt, _ := h.Statements().Add(name, sql)
	return stmt, nil
}

func (f *fakeEngine) UnprepareStatement(_ context.Context, h *Handle, stmt *PreparedStatement) error {
	h.Statements().Remove(stmt.Name)
	return nil
}

func (f *fakeEngine) ConnectionString(cfg *ConnectionConfig) string { return cfg.ConnectionString }

func (f *fakeEngine) ValidateConnectionString(s string) bool { return s != "" }

func (f *fakeEngine) EscapeString(_ *Handle, input string) (string, error) { return input, nil }

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry(nil)

	first := &fakeEngine{typ: Postgres, name: "postgresql"}
	second := &fakeEngine{typ: Postgres, name: "postgresql-dup"}

	require.NoError(t, r.Register(first))

	err := r.Register(second)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	// First registration survives.
	got, err := r.Get(Postgres)
	require.NoError(t, err)
	assert.Same(t, Engine(first), got)
}

func TestRegistryRegisterInvalid(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Register(nil)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))

	err = r.Register(&fakeEngine{typ: EngineType(99), name: "bogus"})
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
}

func TestRegistryGetUnregistered(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Get(MySQL)
	require.Error(t, err)
	assert.True(t, errs.IsUnavailable(err))

	_, err = r.GetByName("nothing")
	require.Error(t, err)
	assert.True(t, errs.IsUnavailable(err))
}

func TestRegistryGetByName(t *testing.T) {
	r := NewRegistry(nil)
	e := &fakeEngine{typ: SQLite, name: "sqlite"}
	require.NoError(t, r.Register(e))

	got, err := r.GetByName("sqlite")
	require.NoError(t, err)
	assert.Same(t, Engine(e), got)
}

func TestRegistryDispatchFailsClosed(t *testing.T) {
	r := NewRegistry(nil)
	h := NewHandle(DB2, "native", &ConnectionConfig{}, "")

	_, err := r.Execute(context.Background(), h, &QueryRequest{QueryID: "q1", SQLTemplate: "SELECT 1"})
	require.Error(t, err)
	assert.True(t, errs.IsUnavailable(err))

	err = r.HealthCheck(context.Background(), h)
	require.Error(t, err)
	assert.True(t, errs.IsUnavailable(err))

	_, err = r.BeginTransaction(context.Background(), h, ReadCommitted)
	require.Error(t, err)
	assert.True(t, errs.IsUnavailable(err))
}

func TestRegistryExecutePreparedPath(t *testing.T) {
	r := NewRegistry(nil)
	e := &fakeEngine{typ: MySQL, name: "mysql"}
	require.NoError(t, r.Register(e))

	h, err := r.Connect(context.Background(), MySQL, &ConnectionConfig{Database: "test"}, "DQM-test-00")
	require.NoError(t, err)

	_, err = e.PrepareStatement(context.Background(), h, "lookup", "SELECT * FROM t WHERE id = ?")
	require.NoError(t, err)

	// Prepared request with a cached name routes through the prepared path.
	res, err := r.Execute(context.Background(), h, &QueryRequest{
		QueryID: "q1", SQLTemplate: "SELECT * FROM t WHERE id = ?",
		UsePrepared: true, PreparedName: "lookup",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"lookup"}, e.prepared)
	assert.Empty(t, e.executed)

	// Prepared request with no cached statement falls back to plain
	// execution rather than failing.
	_, err = r.Execute(context.Background(), h, &QueryRequest{
		QueryID: "q2", SQLTemplate: "SELECT 1",
		UsePrepared: true, PreparedName: "missing",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"q2"}, e.executed)
}

func TestRegistryCleanupConnection(t *testing.T) {
	r := NewRegistry(nil)
	e := &fakeEngine{typ: SQLite, name: "sqlite"}
	require.NoError(t, r.Register(e))

	h, err := r.Connect(context.Background(), SQLite, &ConnectionConfig{ConnectionString: ":memory:"}, "")
	require.NoError(t, err)

	_, err = e.PrepareStatement(context.Background(), h, "s1", "SELECT 1")
	require.NoError(t, err)

	r.CleanupConnection(h)
	assert.Equal(t, Disconnected, h.Status())
	assert.Zero(t, h.Statements().Len())

	// Idempotent on an already-cleaned handle, and tolerant of nil.
	r.CleanupConnection(h)
	r.CleanupConnection(nil)
}

func TestEngineTypeFromConnString(t *testing.T) {
	tests := []struct {
		name string
		conn string
		want EngineType
	}{
		{"postgresql url", "postgresql://u:p@localhost/db", Postgres},
		{"postgres url", "postgres://u:p@localhost/db", Postgres},
		{"mysql url", "mysql://u:p@localhost/db", MySQL},
		{"sqlite prefix", "sqlite:/var/lib/app.db", SQLite},
		{"memory sqlite", ":memory:", SQLite},
		{"db2 url", "db2://u:p@localhost/db", DB2},
		{"bare dsn defaults to postgres", "host=localhost dbname=db", Postgres},
		{"empty defaults to postgres", "", Postgres},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EngineTypeFromConnString(tt.conn))
		})
	}
}

func TestStmtCacheDedup(t *testing.T) {
	c := NewStmtCache()

	first, added := c.Add("lookup", "SELECT 1")
	require.True(t, added)
	require.NotNil(t, first)

	// Same name again is a no-op returning the cached statement.
	again, added := c.Add("lookup", "SELECT 1")
	assert.False(t, added)
	assert.Same(t, first, again)
	assert.Equal(t, 1, c.Len())

	c.Remove("lookup")
	assert.Nil(t, c.Get("lookup"))
	assert.Zero(t, c.Len())
}

func TestQueryRequestParameters(t *testing.T) {
	req := &QueryRequest{
		ParametersJSON: []byte(`{"b": 2, "a": "one", "c": null}`),
	}

	params, err := req.Parameters()
	require.NoError(t, err)
	require.Len(t, params, 3)

	// Positional order follows the document, not key sort order.
	assert.Equal(t, float64(2), params[0])
	assert.Equal(t, "one", params[1])
	assert.Nil(t, params[2])
}

func TestReturnsRows(t *testing.T) {
	assert.True(t, ReturnsRows("SELECT 1"))
	assert.True(t, ReturnsRows("  with x as (select 1) select * from x"))
	assert.True(t, ReturnsRows("PRAGMA table_info(t)"))
	assert.True(t, ReturnsRows("-- leading comment\nSELECT 1"))
	assert.False(t, ReturnsRows("INSERT INTO t VALUES (1)"))
	assert.False(t, ReturnsRows("UPDATE t SET a = 1"))
	assert.False(t, ReturnsRows("CREATE TABLE t (id INTEGER)"))
	assert.False(t, ReturnsRows(""))
}

func TestQueryRequestParametersInvalid(t *testing.T) {
	req := &QueryRequest{ParametersJSON: []byte(`[1, 2]`)}
	_, err := req.Parameters()
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))

	empty := &QueryRequest{}
	params, err := empty.Parameters()
	require.NoError(t, err)
	assert.Nil(t, params)
}
