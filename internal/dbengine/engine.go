// Package dbengine defines the uniform contract all database engines
// implement, the registry that dispatches to them, and the shared
// connection/transaction/result types.
//
// All layers above this package talk only to the Engine interface and the
// Registry. They never import the postgres, mysql, sqlite, or db2 packages
// directly.
package dbengine

import (
	"context"
	"strings"
	"time"
)

// EngineType identifies a database backend. The set is closed: dispatch is
// over this enum rather than an open plugin table.
type EngineType int

const (
	Postgres EngineType = iota
	MySQL
	SQLite
	DB2

	numEngines // bound for the registry slot array
)

func (t EngineType) String() string {
	switch t {
	case Postgres:
		return "postgresql"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case DB2:
		return "db2"
	default:
		return "unknown"
	}
}

// Valid reports whether t names a real engine.
func (t EngineType) Valid() bool {
	return t >= Postgres && t < numEngines
}

// EngineTypeFromString resolves a configuration token to an engine type.
func EngineTypeFromString(name string) (EngineType, bool) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql":
		return Postgres, true
	case "mysql":
		return MySQL, true
	case "sqlite", "sqlite3":
		return SQLite, true
	case "db2":
		return DB2, true
	default:
		return Postgres, false
	}
}

// EngineTypeFromConnString infers the engine from a connection string
// prefix. Unrecognized strings default to PostgreSQL, matching the
// subsystem's historical behavior.
func EngineTypeFromConnString(s string) EngineType {
	switch {
	case strings.HasPrefix(s, "postgresql://"), strings.HasPrefix(s, "postgres://"):
		return Postgres
	case strings.HasPrefix(s, "mysql://"):
		return MySQL
	case strings.HasPrefix(s, "sqlite:"), s == ":memory:":
		return SQLite
	case strings.HasPrefix(s, "db2://"):
		return DB2
	default:
		return Postgres
	}
}

// IsolationLevel selects the transaction isolation level. Each engine maps
// it to native syntax in BeginTransaction.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ UNCOMMITTED"
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "READ COMMITTED"
	}
}

// Capabilities is the result of the capability probe each engine performs at
// construction. Callers consult it instead of re-checking per call which
// optional operations the native binding supports.
type Capabilities struct {
	// NativePing means the binding exposes a lightweight liveness ping.
	// Engines without it fall back to a trivial query in HealthCheck.
	NativePing bool

	// NativePrepared means prepared statements execute with real server-side
	// parameter binding rather than client-side emulation.
	NativePrepared bool

	// ConnectionReset means ResetConnection re-establishes the native
	// connection instead of only clearing failure bookkeeping.
	ConnectionReset bool

	// ServerEscape means EscapeString consults server-side state (character
	// set) and therefore requires a live connection.
	ServerEscape bool
}

// ConnectionConfig carries everything needed to open one connection.
// It is owned by the caller and passed by reference into Connect.
type ConnectionConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string

	// ConnectionString, when set, is used verbatim instead of the
	// individual fields above.
	ConnectionString string

	TimeoutSeconds int
}

// Timeout returns the configured connect timeout with a default of 30s.
func (c *ConnectionConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Engine is the uniform capability contract every backend implements.
// Only the native binding differs between implementations.
//
// All operations report failure through errors carrying errs kinds; none
// panic on a disconnected or foreign handle.
type Engine interface {
	Type() EngineType
	Name() string
	Capabilities() Capabilities

	// Connect opens a native connection described by cfg and wraps it in a
	// Handle. The designator is an optional logging label propagated into
	// the handle for scoped log correlation. On failure no partially
	// constructed state survives.
	Connect(ctx context.Context, cfg *ConnectionConfig, designator string) (*Handle, error)

	// Disconnect releases the native connection and the prepared-statement
	// cache and marks the handle Disconnected. Safe to call on a handle
	// whose native connection is already gone.
	Disconnect(h *Handle) error

	// HealthCheck verifies liveness, preferring a native ping and falling
	// back to a trivial query under a bounded deadline. Timeout enforcement
	// is cooperative: a native call that ignores the context deadline is
	// only detected as overrun after it returns.
	HealthCheck(ctx context.Context, h *Handle) error

	// ResetConnection performs best-effort recovery on the handle.
	ResetConnection(ctx context.Context, h *Handle) error

	ExecuteQuery(ctx context.Context, h *Handle, req *QueryRequest) (*QueryResult, error)
	ExecutePrepared(ctx context.Context, h *Handle, stmt *PreparedStatement, req *QueryRequest) (*QueryResult, error)

	BeginTransaction(ctx context.Context, h *Handle, level IsolationLevel) (*Transaction, error)
	CommitTransaction(ctx context.Context, h *Handle, tx *Transaction) error
	RollbackTransaction(ctx context.Context, h *Handle, tx *Transaction) error

	PrepareStatement(ctx context.Context, h *Handle, name, sql string) (*PreparedStatement, error)
	UnprepareStatement(ctx context.Context, h *Handle, stmt *PreparedStatement) error

	// ConnectionString builds the engine's native connection string from cfg.
	ConnectionString(cfg *ConnectionConfig) string

	// ValidateConnectionString reports whether s is plausibly valid for
	// this engine. It performs syntactic checks only.
	ValidateConnectionString(s string) bool

	// EscapeString escapes input for safe literal inclusion in SQL. Engines
	// with ServerEscape capability require a live handle; others accept nil.
	EscapeString(h *Handle, input string) (string, error)
}
