// Package db2 implements the dbengine contract on top of the ibmdb
// go_ibm_db driver with one pinned connection per handle.
package db2

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/ibmdb/go_ibm_db"

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

// Engine is the DB2 backend.
type Engine struct {
	log *logger.Logger
}

// New returns the DB2 engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{log: log}
}

func (e *Engine) Type() dbengine.EngineType { return dbengine.DB2 }
func (e *Engine) Name() string              { return "db2" }

func (e *Engine) Capabilities() dbengine.Capabilities {
	return dbengine.Capabilities{
		NativePing:      true,
		NativePrepared:  true,
		ConnectionReset: true,
	}
}

// Connect opens a single-connection pool against DB2 and pins its
// connection.
func (e *Engine) Connect(ctx context.Context, cfg *dbengine.ConnectionConfig, designator string) (*dbengine.Handle, error) {
	dsn := e.dsn(cfg)

	db, err := sql.Open("go_ibm_db", dsn)
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
	if err := conn.PingContext(connCtx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, mapError(err, "ping after connect failed")
	}

	st := &connState{db: db, conn: conn, stmts: make(map[string]*sql.Stmt)}
	h := dbengine.NewHandle(dbengine.DB2, st, cfg, designator)
	e.log.Designator(designator).With().Str("database", cfg.Database).Logger().
		Info("db2 connection established")
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

func (e *Engine) HealthCheck(ctx context.Context, h *dbengine.Handle) error {
	st := e.state(h)
	if st == nil {
		return errs.New(errs.ErrKindConnectionFailed, "handle not connected")
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.Config.Timeout())
	defer cancel()

	start := time.Now()
	if err := st.conn.PingContext(pingCtx); err != nil {
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

// ConnectionString builds a DB2 CLI keyword string from cfg.
func (e *Engine) ConnectionString(cfg *dbengine.ConnectionConfig) string {
	return e.dsn(cfg)
}

func (e *Engine) dsn(cfg *dbengine.ConnectionConfig) string {
	if cfg.ConnectionString != "" {
		if strings.HasPrefix(cfg.ConnectionString, "db2://") {
			if dsn, err := dsnFromURL(cfg.ConnectionString); err == nil {
				return dsn
			}
		}
		return cfg.ConnectionString
	}

	// Without a host, fall back to the catalogued database name; the CLI
	// resolves it through the local node catalog.
	if cfg.Host == "" {
		dsn := "DSN=" + cfg.Database
		if cfg.Username != "" {
			dsn += ";UID=" + cfg.Username
		}
		if cfg.Password != "" {
			dsn += ";PWD=" + cfg.Password
		}
		return dsn
	}

	port := cfg.Port
	if port == 0 {
		port = 50000
	}
	return fmt.Sprintf("HOSTNAME=%s;DATABASE=%s;PORT=%d;UID=%s;PWD=%s",
		cfg.Host, cfg.Database, port, cfg.Username, cfg.Password)
}

// dsnFromURL converts a db2:// URL into CLI keyword syntax.
func dsnFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrKindInvalidInput, "invalid db2 URL")
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "50000"
	}

	user, pass := "", ""
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	db := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("HOSTNAME=%s;DATABASE=%s;PORT=%s;UID=%s;PWD=%s",
		host, db, port, user, pass), nil
}

// ValidateConnectionString accepts db2:// URLs, CLI keyword strings, and
// catalogued DSN aliases.
func (e *Engine) ValidateConnectionString(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "db2://") {
		_, err := dsnFromURL(s)
		return err == nil
	}
	upper := strings.ToUpper(s)
	if strings.Contains(upper, "DATABASE=") && strings.Contains(upper, "HOSTNAME=") {
		return true
	}
	// Catalogued-alias form.
	return strings.HasPrefix(upper, "DSN=")
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
	switch level {
	case dbengine.ReadUncommitted:
		return sql.LevelReadUncommitted
	case dbengine.RepeatableRead:
		return sql.LevelRepeatableRead
	case dbengine.Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelReadCommitted
	}
}
