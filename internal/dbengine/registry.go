package dbengine

import (
	"context"
	"sync"

	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// Registry is the process-wide table mapping an engine type to its
// registered implementation: a fixed-size slot array indexed by EngineType,
// guarded by one lock.
//
// Registration happens once at startup and the table is effectively
// read-only afterward. First registration wins; re-registering a type fails
// and leaves the original in place.
type Registry struct {
	mu      sync.RWMutex
	engines [numEngines]Engine
	log     *logger.Logger
}

// NewRegistry returns an empty, initialized registry.
func NewRegistry(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Global()
	}
	return &Registry{log: log}
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the lazily-initialized shared registry used by the daemon
// path. Libraries and tests construct their own via NewRegistry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// Register installs an engine into its slot. It fails if the engine is nil,
// its type is out of range, or a driver is already registered for that type.
func (r *Registry) Register(e Engine) error {
	if e == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil engine")
	}
	t := e.Type()
	if !t.Valid() {
		return errs.Newf(errs.ErrKindInvalidInput, "invalid engine type %d", int(t))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.engines[t] != nil {
		return errs.Newf(errs.ErrKindConflict, "engine already registered for %s", t)
	}
	r.engines[t] = e
	r.log.With().Str("engine", e.Name()).Logger().Info("database engine registered")
	return nil
}

// Get returns the engine registered for t. Lookups on unregistered types
// fail closed with ErrKindUnavailable; they never panic.
func (r *Registry) Get(t EngineType) (Engine, error) {
	if !t.Valid() {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "invalid engine type %d", int(t))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.engines[t]
	if e == nil {
		return nil, errs.Newf(errs.ErrKindUnavailable, "no engine registered for %s", t)
	}
	return e, nil
}

// GetByName performs a linear scan for an engine with the given name. The
// registry is small and bounded, so the scan is fine.
func (r *Registry) GetByName(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.engines {
		if e != nil && e.Name() == name {
			return e, nil
		}
	}
	return nil, errs.Newf(errs.ErrKindUnavailable, "no engine registered with name %q", name)
}

// Engines returns the registered engines in slot order.
func (r *Registry) Engines() []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Engine, 0, numEngines)
	for _, e := range r.engines {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

/*
 * Dispatch helpers. These are the central fan-out from the rest of the
 * subsystem to a specific backend: resolve the engine, then call through
 * its contract. Every one of them fails closed on an unregistered engine.
 */

// Connect resolves the engine for t and opens a connection.
func (r *Registry) Connect(ctx context.Context, t EngineType, cfg *ConnectionConfig, designator string) (*Handle, error) {
	if cfg == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil connection config")
	}
	e, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	return e.Connect(ctx, cfg, designator)
}

// Execute runs req on h through h's engine. When the request names a cached
// prepared statement it executes through the prepared path; otherwise it
// falls through to plain execution.
func (r *Registry) Execute(ctx context.Context, h *Handle, req *QueryRequest) (*QueryResult, error) {
	if h == nil || req == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil handle or request")
	}
	e, err := r.Get(h.Engine)
	if err != nil {
		return nil, err
	}

	if req.UsePrepared && req.PreparedName != "" {
		if stmt := h.Statements().Get(req.PreparedName); stmt != nil {
			return e.ExecutePrepared(ctx, h, stmt, req)
		}
	}
	return e.ExecuteQuery(ctx, h, req)
}

// HealthCheck dispatches a liveness check for h.
func (r *Registry) HealthCheck(ctx context.Context, h *Handle) error {
	if h == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil handle")
	}
	e, err := r.Get(h.Engine)
	if err != nil {
		return err
	}
	return e.HealthCheck(ctx, h)
}

// BeginTransaction dispatches transaction start for h.
func (r *Registry) BeginTransaction(ctx context.Context, h *Handle, level IsolationLevel) (*Transaction, error) {
	if h == nil {
		return nil, errs.New(errs.ErrKindInvalidInput, "nil handle")
	}
	e, err := r.Get(h.Engine)
	if err != nil {
		return nil, err
	}
	return e.BeginTransaction(ctx, h, level)
}

// CommitTransaction dispatches a commit for h.
func (r *Registry) CommitTransaction(ctx context.Context, h *Handle, tx *Transaction) error {
	if h == nil || tx == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil handle or transaction")
	}
	e, err := r.Get(h.Engine)
	if err != nil {
		return err
	}
	return e.CommitTransaction(ctx, h, tx)
}

// RollbackTransaction dispatches a rollback for h.
func (r *Registry) RollbackTransaction(ctx context.Context, h *Handle, tx *Transaction) error {
	if h == nil || tx == nil {
		return errs.New(errs.ErrKindInvalidInput, "nil handle or transaction")
	}
	e, err := r.Get(h.Engine)
	if err != nil {
		return err
	}
	return e.RollbackTransaction(ctx, h, tx)
}

// BuildConnectionString builds t's native connection string from cfg.
func (r *Registry) BuildConnectionString(t EngineType, cfg *ConnectionConfig) (string, error) {
	if cfg == nil {
		return "", errs.New(errs.ErrKindInvalidInput, "nil connection config")
	}
	e, err := r.Get(t)
	if err != nil {
		return "", err
	}
	return e.ConnectionString(cfg), nil
}

// ValidateConnectionString checks s against t's syntax. Unregistered
// engines validate nothing and fail closed.
func (r *Registry) ValidateConnectionString(t EngineType, s string) (bool, error) {
	e, err := r.Get(t)
	if err != nil {
		return false, err
	}
	return e.ValidateConnectionString(s), nil
}

// CleanupConnection tears down h: unprepares cached statements, disconnects
// the native connection, and clears the cache. It is idempotent and safe on
// a handle with any subset of sub-resources already released.
func (r *Registry) CleanupConnection(h *Handle) {
	if h == nil {
		return
	}

	e, err := r.Get(h.Engine)
	if err != nil {
		// Engine gone: nothing can touch the native state, but local
		// bookkeeping is still cleared.
		h.ClearNative()
		return
	}

	for _, stmt := range h.Statements().List() {
		// Best effort: a statement that fails to unprepare is dropped with
		// the connection anyway.
		_ = e.UnprepareStatement(context.Background(), h, stmt)
	}
	_ = e.Disconnect(h)
}
