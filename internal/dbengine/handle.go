package dbengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnStatus is the lifecycle state of a Handle.
type ConnStatus int

const (
	Disconnected ConnStatus = iota
	Connected
)

func (s ConnStatus) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Handle represents one live backend connection: its engine type, the
// engine-private native state, status bookkeeping, and the
// prepared-statement cache.
//
// A handle is owned by exactly one worker at a time. The owning queue
// serializes use through Acquire/Release; the engine whose Type matches
// Engine is the only code that ever touches the native state.
type Handle struct {
	Engine     EngineType
	Designator string
	Config     *ConnectionConfig

	mu     sync.Mutex
	native any
	status ConnStatus
	inUse  bool

	ConnectedSince      time.Time
	LastHealthCheck     time.Time
	ConsecutiveFailures int

	// CurrentTransaction is non-nil while a transaction is open. At most
	// one transaction is active per connection.
	CurrentTransaction *Transaction

	stmts *StmtCache
}

// NewHandle wraps freshly established native state in a Connected handle.
// Called by engine Connect implementations only.
func NewHandle(t EngineType, native any, cfg *ConnectionConfig, designator string) *Handle {
	now := time.Now()
	return &Handle{
		Engine:          t,
		Designator:      designator,
		Config:          cfg,
		native:          native,
		status:          Connected,
		ConnectedSince:  now,
		LastHealthCheck: now,
		stmts:           NewStmtCache(),
	}
}

// Native returns the engine-private connection state, or nil after the
// handle has been disconnected.
func (h *Handle) Native() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.native
}

// ClearNative drops the native state and marks the handle Disconnected.
// Called by engine Disconnect implementations only.
// Invariant: native is non-nil exactly while status is Connected.
func (h *Handle) ClearNative() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.native
	h.native = nil
	h.status = Disconnected
	return n
}

// RestoreNative installs new native state and re-marks the handle
// Connected. Used by engines with connection-reset support.
func (h *Handle) RestoreNative(native any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.native = native
	h.status = Connected
	h.ConnectedSince = time.Now()
	h.ConsecutiveFailures = 0
}

// Status returns the handle's connection status.
func (h *Handle) Status() ConnStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus overrides the handle's status. Engines without native reset
// support use it to re-mark a handle Connected during ResetConnection.
func (h *Handle) SetStatus(s ConnStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = s
}

// Acquire marks the handle exclusively in use. It reports false if another
// holder has it.
func (h *Handle) Acquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse {
		return false
	}
	h.inUse = true
	return true
}

// Release clears the exclusive-use flag.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inUse = false
}

// InUse reports whether the handle is currently held.
func (h *Handle) InUse() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

// RecordHealthSuccess resets failure bookkeeping after a successful check.
func (h *Handle) RecordHealthSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastHealthCheck = time.Now()
	h.ConsecutiveFailures = 0
}

// RecordHealthFailure bumps the consecutive-failure counter. The counter is
// a signal for higher-level reconnection policy; this package never retries
// on its own.
func (h *Handle) RecordHealthFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ConsecutiveFailures++
}

// Statements returns the handle's prepared-statement cache.
func (h *Handle) Statements() *StmtCache {
	return h.stmts
}

// Transaction describes one open transaction on a connection.
type Transaction struct {
	ID        string
	Isolation IsolationLevel
	StartedAt time.Time
	Active    bool
}

// NewTransaction allocates an active transaction record.
func NewTransaction(level IsolationLevel) *Transaction {
	return &Transaction{
		ID:        uuid.NewString(),
		Isolation: level,
		StartedAt: time.Now(),
		Active:    true,
	}
}

// PreparedStatement is one entry in a connection's statement cache.
type PreparedStatement struct {
	Name        string
	SQLTemplate string
	CreatedAt   time.Time

	mu         sync.Mutex
	usageCount int
}

// MarkUsed increments the statement's usage counter.
func (p *PreparedStatement) MarkUsed() {
	p.mu.Lock()
	p.usageCount++
	p.mu.Unlock()
}

// UsageCount returns how many times the statement has executed.
func (p *PreparedStatement) UsageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usageCount
}

// StmtCache is a connection's prepared-statement cache: a growable slice
// with linear dedup on insert. Registries are small; linear scans are fine.
type StmtCache struct {
	mu    sync.Mutex
	stmts []*PreparedStatement
}

// NewStmtCache returns an empty cache.
func NewStmtCache() *StmtCache {
	return &StmtCache{}
}

// Add inserts a statement under name. If the name is already cached the
// existing entry is returned and added is false.
func (c *StmtCache) Add(name, sql string) (stmt *PreparedStatement, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stmts {
		if s.Name == name {
			return s, false
		}
	}
	s := &PreparedStatement{Name: name, SQLTemplate: sql, CreatedAt: time.Now()}
	c.stmts = append(c.stmts, s)
	return s, true
}

// Get returns the statement cached under name, or nil.
func (c *StmtCache) Get(name string) *PreparedStatement {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.stmts {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Remove deletes the statement cached under name. It reports whether an
// entry was removed.
func (c *StmtCache) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.stmts {
		if s.Name == name {
			c.stmts = append(c.stmts[:i], c.stmts[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a snapshot of the cached statements.
func (c *StmtCache) List() []*PreparedStatement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*PreparedStatement, len(c.stmts))
	copy(out, c.stmts)
	return out
}

// Len returns the number of cached statements.
func (c *StmtCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stmts)
}
