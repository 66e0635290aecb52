// Package sqlite implements the dbengine contract on top of
// mattn/go-sqlite3 with one pinned connection per handle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

type connState struct {
	db    *sql.DB
	conn  *sql.Conn
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
}

// Engine is the SQLite backend.
type Engine struct {
	log *logger.Logger
}

// New returns the SQLite engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{log: log}
}

func (e *Engine) Type() dbengine.EngineType { return dbengine.SQLite }
func (e *Engine) Name() string              { return "sqlite" }

// Capabilities: SQLite has no wire protocol, so there is no native ping and
// HealthCheck falls back to a trivial query.
func (e *Engine) Capabilities() dbengine.Capabilities {
	return dbengine.Capabilities{
		NativePrepared:  true,
		ConnectionReset: true,
	}
}

// Connect opens the database file (or an in-memory database) and pins a
// single connection.
func (e *Engine) Connect(ctx context.Context, cfg *dbengine.ConnectionConfig, designator string) (*dbengine.Handle, error) {
	dsn := e.dsn(cfg)
	if dsn == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "no database path configured")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, mapError(err, "open failed")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	connCtx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	conn, err := db.Conn(connCtx)
	if err != nil {
		_ = db.Close()
		return nil, mapError(err, "connect failed")
	}
	// Opening is lazy; a trivial query forces the file open and surfaces
	// bad paths immediately.
	var one int
	if err := conn.QueryRowContext(connCtx, "SELECT 1").Scan(&one); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, mapError(err, "validation query failed")
	}

	st := &connState{db: db, conn: conn, stmts: make(map[string]*sql.Stmt)}
	h := dbengine.NewHandle(dbengine.SQLite, st, cfg, designator)
	e.log.Designator(designator).With().Str("database", dsn).Logger().
		Info("sqlite database opened")
	return h, nil
}

func (e *Engine) Disconnect(h *dbengine.Handle) error {
	st := e.state(h)
	h.ClearNative()
	if st == nil {
		return nil
	}

	// An open transaction pins the single pool connection; closing would
	// block on it forever. Roll it back first.
	if st.tx != nil {
		_ = st.tx.Rollback()
		st.tx = nil
	}

	var firstErr error
	for _, stmt := range st.stmts {
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if st.conn != nil {
		if err := st.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if st.db != nil {
		if err := st.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return mapError(firstErr, "close failed")
	}
	return nil
}

// HealthCheck runs SELECT 1 under the handle deadline.
func (e *Engine) HealthCheck(ctx context.Context, h *dbengine.Handle) error {
	st := e.state(h)
	if st == nil {
		return errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.Config.Timeout())
	defer cancel()

	start := time.Now()
	var one int
	if err := st.conn.QueryRowContext(checkCtx, "SELECT 1").Scan(&one); err != nil {
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

// ResetConnection reopens the database file under the same handle.
func (e *Engine) ResetConnection(ctx context.Context, h *dbengine.Handle) error {
	if st := e.state(h); st != nil {
		if st.tx != nil {
			_ = st.tx.Rollback()
			st.tx = nil
		}
		for _, stmt := range st.stmts {
			_ = stmt.Close()
		}
		if st.conn != nil {
			_ = st.conn.Close()
		}
		if st.db != nil {
			_ = st.db.Close()
		}
	}
	h.ClearNative()

	for _, stmt := range h.Statements().List() {
		h.Statements().Remove(stmt.Name)
	}
	h.CurrentTransaction = nil

	fresh, err := e.Connect(ctx, h.Config, h.Designator)
	if err != nil {
		return err
	}
	h.RestoreNative(fresh.ClearNative())
	return nil
}

func (e *Engine) ExecuteQuery(ctx context.Context, h *dbengine.Handle, req *dbengine.QueryRequest) (*dbengine.QueryResult, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	args, err := req.Parameters()
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	start := time.Now()

	// Statements without a result set go through Exec so the affected-row
	// count comes back.
	if !dbengine.ReturnsRows(req.SQLTemplate) {
		var res sql.Result
		if st.tx != nil {
			res, err = st.tx.ExecContext(queryCtx, req.SQLTemplate, args...)
		} else {
			res, err = st.conn.ExecContext(queryCtx, req.SQLTemplate, args...)
		}
		if err != nil {
			return dbengine.FailedResult(err, time.Since(start)), mapError(err, "exec failed")
		}
		return dbengine.BuildExecResult(res, time.Since(start)), nil
	}

	var rows *sql.Rows
	if st.tx != nil {
		rows, err = st.tx.QueryContext(queryCtx, req.SQLTemplate, args...)
	} else {
		rows, err = st.conn.QueryContext(queryCtx, req.SQLTemplate, args...)
	}
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), mapError(err, "query failed")
	}
	defer rows.Close()

	res, err := dbengine.BuildRowsResult(rows, time.Since(start))
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), err
	}
	return res, nil
}

func (e *Engine) ExecutePrepared(ctx context.Context, h *dbengine.Handle, stmt *dbengine.PreparedStatement, req *dbengine.QueryRequest) (*dbengine.QueryResult, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	native, ok := st.stmts[stmt.Name]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "prepared statement %q not found", stmt.Name)
	}

	args, err := req.Parameters()
	if err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	start := time.Now()
	stmt.MarkUsed()

	if !dbengine.ReturnsRows(stmt.SQLTemplate) {
		res, err := native.ExecContext(queryCtx, args...)
		if err != nil {
			return dbengine.FailedResult(err, time.Since(start)), mapError(err, "prepared exec failed")
		}
		return dbengine.BuildExecResult(res, time.Since(start)), nil
	}

	rows, err := native.QueryContext(queryCtx, args...)
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), mapError(err, "prepared query failed")
	}
	defer rows.Close()

	res, err := dbengine.BuildRowsResult(rows, time.Since(start))
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start)), err
	}
	return res, nil
}

// BeginTransaction opens a transaction. SQLite only distinguishes read
// uncommitted (shared cache) from its default serializable behavior; other
// levels run at the default.
func (e *Engine) BeginTransaction(ctx context.Context, h *dbengine.Handle, level dbengine.IsolationLevel) (*dbengine.Transaction, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}
	if st.tx != nil {
		return nil, errs.New(errs.ErrKindConflict, "transaction already open on this connection")
	}

	tx, err := st.conn.BeginTx(ctx, &sql.TxOptions{Isolation: isoLevel(level)})
	if err != nil {
		return nil, mapError(err, "begin failed")
	}

	st.tx = tx
	txn := dbengine.NewTransaction(level)
	h.CurrentTransaction = txn
	return txn, nil
}

func (e *Engine) CommitTransaction(_ context.Context, h *dbengine.Handle, tx *dbengine.Transaction) error {
	st, err := e.openTx(h, tx)
	if err != nil {
		return err
	}

	commitErr := st.tx.Commit()
	st.tx = nil
	tx.Active = false
	h.CurrentTransaction = nil
	if commitErr != nil {
		return mapError(commitErr, "commit failed")
	}
	return nil
}

func (e *Engine) RollbackTransaction(_ context.Context, h *dbengine.Handle, tx *dbengine.Transaction) error {
	st, err := e.openTx(h, tx)
	if err != nil {
		return err
	}

	rbErr := st.tx.Rollback()
	st.tx = nil
	tx.Active = false
	h.CurrentTransaction = nil
	if rbErr != nil && rbErr != sql.ErrTxDone {
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

func (e *Engine) PrepareStatement(ctx context.Context, h *dbengine.Handle, name, sqlText string) (*dbengine.PreparedStatement, error) {
	st := e.state(h)
	if st == nil {
		return nil, errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	if existing := h.Statements().Get(name); existing != nil {
		return existing, nil
	}

	native, err := st.conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, mapError(err, "prepare failed")
	}

	st.stmts[name] = native
	stmt, _ := h.Statements().Add(name, sqlText)
	return stmt, nil
}

func (e *Engine) UnprepareStatement(_ context.Context, h *dbengine.Handle, stmt *dbengine.PreparedStatement) error {
	if stmt == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil statement")
	}
	st := e.state(h)
	if st != nil {
		if native, ok := st.stmts[stmt.Name]; ok {
			delete(st.stmts, stmt.Name)
			if err := native.Close(); err != nil {
				h.Statements().Remove(stmt.Name)
				return mapError(err, "statement close failed")
			}
		}
	}
	h.Statements().Remove(stmt.Name)
	return nil
}

// ConnectionString returns the database file path. SQLite has no host or
// credentials; the Database field carries the path when no explicit
// connection string is set.
func (e *Engine) ConnectionString(cfg *dbengine.ConnectionConfig) string {
	return e.dsn(cfg)
}

func (e *Engine) dsn(cfg *dbengine.ConnectionConfig) string {
	s := cfg.ConnectionString
	if s == "" {
		s = cfg.Database
	}
	s = strings.TrimPrefix(s, "sqlite://")
	s = strings.TrimPrefix(s, "sqlite:")
	return s
}

// ValidateConnectionString accepts :memory:, sqlite:-prefixed paths, and
// plain file paths.
func (e *Engine) ValidateConnectionString(s string) bool {
	if s == "" {
		return false
	}
	if s == ":memory:" || strings.HasPrefix(s, "sqlite:") {
		return true
	}
	// Reject other engines' URL schemes; anything else is a file path.
	return !strings.Contains(s, "://")
}

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

func isoLevel(level dbengine.IsolationLevel) sql.IsolationLevel {
	if level == dbengine.ReadUncommitted {
		return sql.LevelReadUncommitted
	}
	return sql.LevelDefault
}

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return errs.Wrap(err, errs.ErrKindNotFound, "record not found")
	}
	if errors.Is(err, sql.ErrConnDone) {
		return errs.Wrap(err, errs.ErrKindConnectionFailed, "database connection failed")
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(err, errs.ErrKindTimeout, msg)
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errs.Wrap(err, errs.ErrKindConflict, "database locked")
		case sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return errs.Wrap(err, errs.ErrKindConnectionFailed, "cannot open database")
		case sqlite3.ErrError:
			return errs.Wrap(err, errs.ErrKindQueryFailed, sqErr.Error())
		}
	}

	return errs.Wrap(err, errs.ErrKindUnknown, msg)
}
