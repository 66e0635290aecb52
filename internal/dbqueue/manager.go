package dbqueue

import (
	"sync"

	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// Manager is the process-wide registry of Lead queues, one per configured
// database. It supports lookup by name and round-robin distribution.
type Manager struct {
	mu           sync.Mutex
	leads        []*DatabaseQueue
	maxDatabases int
	rrCursor     int
	destroyed    bool
	log          *logger.Logger
}

// NewManager returns a manager capped at maxDatabases Lead queues.
func NewManager(maxDatabases int, log *logger.Logger) *Manager {
	if maxDatabases <= 0 {
		maxDatabases = 16
	}
	if log == nil {
		log = logger.Global()
	}
	return &Manager{
		leads:        make([]*DatabaseQueue, 0, maxDatabases),
		maxDatabases: maxDatabases,
		log:          log,
	}
}

// AddDatabase registers a Lead queue. It fails at capacity or on a
// duplicate database name.
func (m *Manager) AddDatabase(lead *DatabaseQueue) error {
	if lead == nil || !lead.IsLead() {
		return errs.New(errs.ErrKindInvalidInput, "a Lead queue is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return errs.New(errs.ErrKindUnavailable, "manager destroyed")
	}
	// Duplicates are rejected even at capacity; the name conflict is the
	// more useful error.
	for _, existing := range m.leads {
		if existing.DatabaseName == lead.DatabaseName {
			return errs.Newf(errs.ErrKindConflict, "database %q already managed", lead.DatabaseName)
		}
	}
	if len(m.leads) >= m.maxDatabases {
		return errs.Newf(errs.ErrKindCapacity, "database capacity %d reached", m.maxDatabases)
	}

	m.leads = append(m.leads, lead)
	m.log.Designator(lead.Designator()).Info("database added to queue manager")
	return nil
}

// GetDatabase returns the Lead queue for name, or nil when unmanaged.
func (m *Manager) GetDatabase(name string) *DatabaseQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lead := range m.leads {
		if lead.DatabaseName == name {
			return lead
		}
	}
	return nil
}

// NextDatabase returns Lead queues in round-robin order, or nil when none
// are managed.
func (m *Manager) NextDatabase() *DatabaseQueue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.leads) == 0 {
		return nil
	}
	lead := m.leads[m.rrCursor%len(m.leads)]
	m.rrCursor++
	return lead
}

// DatabaseCount returns the number of managed databases.
func (m *Manager) DatabaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leads)
}

// ManagerStats aggregates counters across all managed queues.
type ManagerStats struct {
	Databases        int          `json:"databases"`
	TotalQueries     int64        `json:"total_queries"`
	FailedQueries    int64        `json:"failed_queries"`
	QueueStats       []QueueStats `json:"queues"`
	MaxDatabases     int          `json:"max_databases"`
	RoundRobinCursor int          `json:"round_robin_cursor"`
}

// Stats snapshots every managed Lead and its children.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	leads := append([]*DatabaseQueue(nil), m.leads...)
	cursor := m.rrCursor
	m.mu.Unlock()

	s := ManagerStats{
		Databases:        len(leads),
		MaxDatabases:     m.maxDatabases,
		RoundRobinCursor: cursor,
	}
	for _, lead := range leads {
		for _, q := range append([]*DatabaseQueue{lead}, lead.Children()...) {
			qs := q.Stats()
			s.TotalQueries += qs.TotalProcessed + qs.TotalFailed
			s.FailedQueries += qs.TotalFailed
			s.QueueStats = append(s.QueueStats, qs)
		}
	}
	return s
}

// Destroy tears down every managed Lead queue, cascading to children.
// This is the single teardown path at process shutdown; idempotent.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	leads := m.leads
	m.leads = nil
	m.mu.Unlock()

	for _, lead := range leads {
		lead.Destroy()
	}
	m.log.Info("queue manager destroyed")
}
