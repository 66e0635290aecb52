// Package postgres implements the dbengine contract on top of a single
// pgx connection per handle.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// connState is the native payload stored in the handle. Each handle owns
// exactly one connection, and at most one transaction is open on it.
type connState struct {
	conn *pgx.Conn
	tx   pgx.Tx
}

// Engine is the PostgreSQL backend. It is stateless; all per-connection
// state lives in the Handle.
type Engine struct {
	log *logger.Logger
}

// New returns the PostgreSQL engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{log: log}
}

func (e *Engine) Type() dbengine.EngineType { return dbengine.Postgres }
func (e *Engine) Name() string              { return "postgresql" }

// Capabilities reflects what pgx gives us natively: a wire-level ping,
// server-side prepared statements, and full reconnect support.
func (e *Engine) Capabilities() dbengine.Capabilities {
	return dbengine.Capabilities{
		NativePing:      true,
		NativePrepared:  true,
		ConnectionReset: true,
	}
}

// Connect opens one pgx connection described by cfg and validates it with a
// ping before handing it back.
func (e *Engine) Connect(ctx context.Context, cfg *dbengine.ConnectionConfig, designator string) (*dbengine.Handle, error) {
	connStr := cfg.ConnectionString
	if connStr == "" {
		connStr = e.ConnectionString(cfg)
	}

	connCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	conn, err := pgx.Connect(connCtx, connStr)
	if err != nil {
		return nil, mapError(err, "connect failed")
	}

	if err := conn.Ping(connCtx); err != nil {
		_ = conn.Close(context.Background())
		return nil, mapError(err, "ping after connect failed")
	}

	h := dbengine.NewHandle(dbengine.Postgres, &connState{conn: conn}, cfg, designator)
	e.log.Designator(designator).With().Str("database", cfg.Database).Logger().
		Info("postgresql connection established")
	return h, nil
}

// Disconnect closes the native connection. An open transaction is rolled
// back implicitly by the server when the connection drops.
func (e *Engine) Disconnect(h *dbengine.Handle) error {
	st := e.state(h)
	h.ClearNative()
	if st == nil || st.conn == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.conn.Close(ctx); err != nil {
		return mapError(err, "close failed")
	}
	return nil
}

// HealthCheck pings the server. The deadline is cooperative: pgx honors the
// context, but a wall-clock overrun is still recorded after the fact.
func (e *Engine) HealthCheck(ctx context.Context, h *dbengine.Handle) error {
	st := e.state(h)
	if st == nil {
		return errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.Config.Timeout())
	defer cancel()

	start := time.Now()
	err := st.conn.Ping(pingCtx)
	if err != nil {
		h.RecordHealthFailure()
		return mapError(err, "health check failed")
	}
	if time.Since(start) > h.Config.Timeout() {
		h.RecordHealthFailure()
		return errs.New(errs.ErrKindTimeout, "health check exceeded deadline")
	}
	h.RecordHealthSuccess()
	return nil
}

// ResetConnection closes and reopens the native connection, preserving the
// handle. Prepared statements do not survive the reset and are dropped from
// the cache.
func (e *Engine) ResetConnection(ctx context.Context, h *dbengine.Handle) error {
	st := e.state(h)
	if st != nil && st.conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = st.conn.Close(closeCtx)
		cancel()
	}
	h.ClearNative()

	connStr := h.Config.ConnectionString
	if connStr == "" {
		connStr = e.ConnectionString(h.Config)
	}

	connCtx, cancel := context.WithTimeout(ctx, h.Config.Timeout())
	defer cancel()

	conn, err := pgx.Connect(connCtx, connStr)
	if err != nil {
		return mapError(err, "reconnect failed")
	}

	for _, stmt := range h.Statements().List() {
		h.Statements().Remove(stmt.Name)
	}
	h.CurrentTransaction = nil
	h.RestoreNative(&connState{conn: conn})
	return nil
}

// ExecuteQuery runs req over the connection, or over the open transaction
// when one is active, and serializes the rows to JSON.
func (e *Engine) ExecuteQuery(ctx context.Context, h *dbengine.Handle, req *dbengine.QueryRequest) (*dbengine.QueryResult, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	args, err := req.Parameters()
	if err != nil {
		return nil, err
	}

	return e.run(ctx, h, st, req, req.SQLTemplate, args)
}

// ExecutePrepared executes a previously prepared statement by name with
// real server-side parameter binding.
func (e *Engine) ExecutePrepared(ctx context.Context, h *dbengine.Handle, stmt *dbengine.PreparedStatement, req *dbengine.QueryRequest) (*dbengine.QueryResult, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	args, err := req.Parameters()
	if err != nil {
		return nil, err
	}

	stmt.MarkUsed()
	// pgx executes a prepared statement when given its name as the SQL.
	return e.run(ctx, h, st, req, stmt.Name, args)
}

func (e *Engine) run(ctx context.Context, h *dbengine.Handle, st *connState, req *dbengine.QueryRequest, sql string, args []any) (*dbengine.QueryResult, error) {
	queryCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	start := time.Now()

	var rows pgx.Rows
	var err error
	if st.tx != nil {
		rows, err = st.tx.Query(queryCtx, sql, args...)
	} else {
		rows, err = st.conn.Query(queryCtx, sql, args...)
	}
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), mapError(err, "query failed")
	}

	res, err := buildResult(rows, time.Since(start))
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), err
	}

	if time.Since(start) > req.Timeout() {
		e.log.Designator(h.Designator).With().Str("query_id", req.QueryID).Logger().
			Warn("query completed past its deadline")
	}
	return res, nil
}

// BeginTransaction opens a transaction at the requested isolation level.
// A handle supports at most one open transaction.
func (e *Engine) BeginTransaction(ctx context.Context, h *dbengine.Handle, level dbengine.IsolationLevel) (*dbengine.Transaction, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}
	if st.tx != nil {
		return nil, errs.New(errs.ErrKindConflict, "transaction already open on this connection")
	}

	tx, err := st.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevel(level)})
	if err != nil {
		return nil, mapError(err, "begin failed")
	}

	st.tx = tx
	txn := dbengine.NewTransaction(level)
	h.CurrentTransaction = txn
	return txn, nil
}

// CommitTransaction commits the open transaction and clears it from the
// handle regardless of outcome.
func (e *Engine) CommitTransaction(ctx context.Context, h *dbengine.Handle, tx *dbengine.Transaction) error {
	st, err := e.openTx(h, tx)
	if err != nil {
		return err
	}

	commitErr := st.tx.Commit(ctx)
	st.tx = nil
	tx.Active = false
	h.CurrentTransaction = nil
	if commitErr != nil {
		return mapError(commitErr, "commit failed")
	}
	return nil
}

// RollbackTransaction rolls back the open transaction and clears it from
// the handle regardless of outcome.
func (e *Engine) RollbackTransaction(ctx context.Context, h *dbengine.Handle, tx *dbengine.Transaction) error {
	st, err := e.openTx(h, tx)
	if err != nil {
		return err
	}

	rbErr := st.tx.Rollback(ctx)
	st.tx = nil
	tx.Active = false
	h.CurrentTransaction = nil
	if rbErr != nil && rbErr != pgx.ErrTxClosed {
		return mapError(rbErr, "rollback failed")
	}
	return nil
}

func (e *Engine) openTx(h *dbengine.Handle, tx *dbengine.Transaction) (*connState, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}
	if st.tx == nil || h.CurrentTransaction == nil || tx == nil || h.CurrentTransaction.ID != tx.ID {
		return nil, errs.New(errs.ErrKindInvalidInput, "transaction not open on this connection")
	}
	return st, nil
}

// PrepareStatement prepares sql server-side under the given name. Preparing
// the same name twice is a no-op returning the cached statement.
func (e *Engine) PrepareStatement(ctx context.Context, h *dbengine.Handle, name, sql string) (*dbengine.PreparedStatement, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	if existing := h.Statements().Get(name); existing != nil {
		return existing, nil
	}

	if _, err := st.conn.Prepare(ctx, name, sql); err != nil {
		return nil, mapError(err, "prepare failed")
	}

	stmt, _ := h.Statements().Add(name, sql)
	return stmt, nil
}

// UnprepareStatement deallocates the named statement server-side and drops
// it from the cache.
func (e *Engine) UnprepareStatement(ctx context.Context, h *dbengine.Handle, stmt *dbengine.PreparedStatement) error {
	if stmt == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil statement")
	}
	st := e.state(h)
	if st != nil {
		if err := st.conn.Deallocate(ctx, stmt.Name); err != nil {
			h.Statements().Remove(stmt.Name)
			return mapError(err, "deallocate failed")
		}
	}
	h.Statements().Remove(stmt.Name)
	return nil
}

// ConnectionString builds a libpq keyword/value conninfo string from cfg.
func (e *Engine) ConnectionString(cfg *dbengine.ConnectionConfig) string {
	if cfg.ConnectionString != "" {
		return cfg.ConnectionString
	}

	var b strings.Builder
	if cfg.Host != "" {
		fmt.Fprintf(&b, "host=%s ", cfg.Host)
	}
	if cfg.Port > 0 {
		fmt.Fprintf(&b, "port=%d ", cfg.Port)
	}
	if cfg.Database != "" {
		fmt.Fprintf(&b, "dbname=%s ", cfg.Database)
	}
	if cfg.Username != "" {
		fmt.Fprintf(&b, "user=%s ", cfg.Username)
	}
	if cfg.Password != "" {
		fmt.Fprintf(&b, "password=%s ", cfg.Password)
	}
	fmt.Fprintf(&b, "connect_timeout=%d", int(cfg.Timeout().Seconds()))
	return b.String()
}

// ValidateConnectionString accepts postgresql:// and postgres:// URLs plus
// keyword/value conninfo strings containing at least one known keyword.
func (e *Engine) ValidateConnectionString(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "postgresql://") || strings.HasPrefix(s, "postgres://") {
		return true
	}
	for _, kw := range []string{"host=", "dbname=", "user=", "port="} {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// EscapeString escapes input for literal inclusion by doubling single
// quotes. It does not require a live connection.
func (e *Engine) EscapeString(_ *dbengine.Handle, input string) (string, error) {
	return strings.ReplaceAll(input, "'", "''"), nil
}

func (e *Engine) state(h *dbengine.Handle) *connState {
	if h == nil {
		return nil
	}
	st, _ := h.Native().(*connState)
	return st
}

func isoLevel(level dbengine.IsolationLevel) pgx.TxIsoLevel {
	switch level {
	case dbengine.ReadUncommitted:
		return pgx.ReadUncommitted
	case dbengine.RepeatableRead:
		return pgx.RepeatableRead
	case dbengine.Serializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}
