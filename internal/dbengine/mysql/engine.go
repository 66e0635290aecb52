// Package mysql implements the dbengine contract on top of
// go-sql-driver/mysql with one pinned connection per handle.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// connState pins one connection out of a single-connection pool so session
// state (transactions, prepared statements) stays on the same wire.
type connState struct {
	db    *sql.DB
	conn  *sql.Conn
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
}

// Engine is the MySQL backend.
type Engine struct {
	log *logger.Logger
}

// New returns the MySQL engine.
func New(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Global()
	}
	return &Engine{log: log}
}

func (e *Engine) Type() dbengine.EngineType { return dbengine.MySQL }
func (e *Engine) Name() string              { return "mysql" }

func (e *Engine) Capabilities() dbengine.Capabilities {
	return dbengine.Capabilities{
		NativePing:      true,
		NativePrepared:  true,
		ConnectionReset: true,
	}
}

// Connect opens a single-connection pool, pins its connection, and verifies
// it with a ping.
func (e *Engine) Connect(ctx context.Context, cfg *dbengine.ConnectionConfig, designator string) (*dbengine.Handle, error) {
	dsn := e.dsn(cfg)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, mapError(err, "open failed")
	}
	// One connection per handle. Session state must not migrate.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

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
	h := dbengine.NewHandle(dbengine.MySQL, st, cfg, designator)
	e.log.Designator(designator).With().Str("database", cfg.Database).Logger().
		Info("mysql connection established")
	return h, nil
}

// Disconnect closes prepared statements, the pinned connection, and the
// pool. Safe on an already-disconnected handle.
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

// ResetConnection tears the pinned connection down and re-pins a fresh one
// from a new pool. Prepared statements are dropped.
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

// ExecutePrepared executes the cached *sql.Stmt for stmt.Name with real
// driver-level parameter binding.
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

// ConnectionString builds a go-sql-driver DSN from cfg.
func (e *Engine) ConnectionString(cfg *dbengine.ConnectionConfig) string {
	return e.dsn(cfg)
}

// dsn produces "user:pass@tcp(host:port)/dbname?timeout=Ns". A mysql:// URL
// in cfg.ConnectionString is converted; a native DSN passes through.
func (e *Engine) dsn(cfg *dbengine.ConnectionConfig) string {
	if cfg.ConnectionString != "" {
		if strings.HasPrefix(cfg.ConnectionString, "mysql://") {
			if dsn, err := dsnFromURL(cfg.ConnectionString, cfg.Timeout()); err == nil {
				return dsn
			}
		}
		return cfg.ConnectionString
	}

	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 3306
	}

	auth := ""
	if cfg.Username != "" {
		auth = cfg.Username
		if cfg.Password != "" {
			auth += ":" + cfg.Password
		}
		auth += "@"
	}
	return fmt.Sprintf("%stcp(%s:%d)/%s?timeout=%ds&parseTime=true",
		auth, host, port, cfg.Database, int(cfg.Timeout().Seconds()))
}

// dsnFromURL converts a mysql:// URL into the driver's DSN syntax.
func dsnFromURL(raw string, timeout time.Duration) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.Wrap(err, errs.ErrKindInvalidInput, "invalid mysql URL")
	}

	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "3306"
	}

	auth := ""
	if u.User != nil {
		auth = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			auth += ":" + pw
		}
		auth += "@"
	}
	db := strings.TrimPrefix(u.Path, "/")
	return fmt.Sprintf("%stcp(%s:%s)/%s?timeout=%ds&parseTime=true",
		auth, host, port, db, int(timeout.Seconds())), nil
}

// ValidateConnectionString accepts mysql:// URLs and native driver DSNs.
func (e *Engine) ValidateConnectionString(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "mysql://") {
		_, err := dsnFromURL(s, 30*time.Second)
		return err == nil
	}
	return strings.Contains(s, "@tcp(") || strings.Contains(s, "/")
}

// EscapeString escapes quotes and backslashes for literal inclusion. MySQL
// treats backslash as an escape character inside string literals.
func (e *Engine) EscapeString(_ *dbengine.Handle, input string) (string, error) {
	r := strings.NewReplacer(
		`\`, `\\`,
		`'`, `\'`,
		`"`, `\"`,
		"\x00", `\0`,
		"\n", `\n`,
		"\r", `\r`,
		"\x1a", `\Z`,
	)
	return r.Replace(input), nil
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
