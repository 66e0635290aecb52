package dbqueue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
	"github.com/500Foods/Philement-sub001/internal/queue"
)

// QueueState tracks the lifecycle of one DatabaseQueue.
type QueueState int

const (
	Created QueueState = iota
	Running
	ShutdownRequested
	Stopped
	Destroyed
)

func (s QueueState) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case ShutdownRequested:
		return "shutdown_requested"
	case Stopped:
		return "stopped"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// workerJoinWait bounds how long StopWorker waits for the worker goroutine.
// Teardown proceeds regardless once it elapses; shutdown never hangs on a
// wedged native call.
const workerJoinWait = 5 * time.Second

// defaultHeartbeatInterval is how often a queue checks its connection.
const defaultHeartbeatInterval = 30 * time.Second

// defaultBootstrapQuery is the Lead's post-connect validation query when
// none is configured.
const defaultBootstrapQuery = "SELECT 42 as test_value"

// Options carries the optional knobs shared by Lead and worker queues.
type Options struct {
	Registry          *dbengine.Registry
	Log               *logger.Logger
	HeartbeatInterval time.Duration
	BootstrapQuery    string
	MaxChildren       int
	ConnectTimeout    time.Duration

	// Engine overrides connection-string inference when non-nil. Needed
	// for engines whose native strings carry no scheme (SQLite paths,
	// DB2 keyword strings).
	Engine *dbengine.EngineType
}

func (o *Options) normalize() {
	if o.Registry == nil {
		o.Registry = dbengine.Default()
	}
	if o.Log == nil {
		o.Log = logger.Global()
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = defaultHeartbeatInterval
	}
	if o.BootstrapQuery == "" {
		o.BootstrapQuery = defaultBootstrapQuery
	}
	if o.MaxChildren <= 0 {
		o.MaxChildren = len(Tiers())
	}
}

// DatabaseQueue is one named work queue for one logical database with
// exactly one worker goroutine and one persistent connection.
type DatabaseQueue struct {
	DatabaseName string
	Type         QueueType
	QueueNumber  int

	connString string
	engineType dbengine.EngineType
	opts       Options
	log        *logger.Logger

	queue *queue.Queue
	slots *resultSlots

	stateMu sync.Mutex
	state   QueueState

	// connMu guards handle and bootstrapRan. Engine calls happen only on
	// the worker goroutine, which owns the connection; Stats and Destroy
	// take the lock just to read or release the handle.
	connMu       sync.Mutex
	handle       *dbengine.Handle
	bootstrapRan bool

	workerDone chan struct{}
	shutdown   chan struct{}

	// Lead-only topology. childrenMu is distinct from the queue's own
	// dispatch locking so topology changes do not contend with work.
	isLead     bool
	canSpawn   bool
	childrenMu sync.Mutex
	children   []*DatabaseQueue
	tagsMu     sync.Mutex
	tags       string

	totalProcessed atomic.Int64
	totalFailed    atomic.Int64
	lastHeartbeat  atomic.Int64 // unix nanos
}

// CreateLead builds the Lead queue for a database. The Lead holds queue
// number 00 and starts with responsibility for every tier.
func CreateLead(databaseName, connString string, opts Options) (*DatabaseQueue, error) {
	return create(databaseName, connString, Lead, 0, opts)
}

// CreateWorker builds a tier worker queue. Callers normally go through
// SpawnChild rather than calling this directly.
func CreateWorker(databaseName, connString string, tier QueueType, queueNumber int, opts Options) (*DatabaseQueue, error) {
	if tier == Lead {
		return nil, errs.New(errs.ErrKindInvalidInput, "worker queues must have a tier type")
	}
	if queueNumber <= 0 {
		return nil, errs.New(errs.ErrKindInvalidInput, "worker queue numbers start at 1")
	}
	return create(databaseName, connString, tier, queueNumber, opts)
}

func create(databaseName, connString string, qt QueueType, queueNumber int, opts Options) (*DatabaseQueue, error) {
	if databaseName == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "database name required")
	}
	if connString == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "connection string required")
	}
	opts.normalize()

	q := &DatabaseQueue{
		DatabaseName: databaseName,
		Type:         qt,
		QueueNumber:  queueNumber,
		connString:   connString,
		engineType:   engineFor(connString, opts.Engine),
		opts:         opts,
		queue:        queue.New(databaseName + "-" + qt.String()),
		slots:        newResultSlots(),
		state:        Created,
		workerDone:   make(chan struct{}),
		shutdown:     make(chan struct{}),
		isLead:       qt == Lead,
		canSpawn:     qt == Lead,
	}
	if q.isLead {
		q.tags = leadTags
	} else {
		q.tags = qt.Tag()
	}
	q.log = opts.Log.Designator(q.Designator())
	return q, nil
}

func engineFor(connString string, override *dbengine.EngineType) dbengine.EngineType {
	if override != nil && override.Valid() {
		return *override
	}
	return dbengine.EngineTypeFromConnString(connString)
}

// Designator returns the queue's logging label.
func (q *DatabaseQueue) Designator() string {
	q.tagsMu.Lock()
	tags := q.tags
	q.tagsMu.Unlock()
	return Label(q.DatabaseName, q.QueueNumber, tags)
}

// State returns the current lifecycle state.
func (q *DatabaseQueue) State() QueueState {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()
	return q.state
}

// IsLead reports whether this is the database's Lead queue.
func (q *DatabaseQueue) IsLead() bool { return q.isLead }

// EngineType returns the backend inferred from the connection string.
func (q *DatabaseQueue) EngineType() dbengine.EngineType { return q.engineType }

// StartWorker spawns the single worker goroutine. It may be called once per
// queue.
func (q *DatabaseQueue) StartWorker() error {
	q.stateMu.Lock()
	if q.state != Created {
		q.stateMu.Unlock()
		return errs.Newf(errs.ErrKindConflict, "queue in state %s, want created", q.state)
	}
	q.state = Running
	q.stateMu.Unlock()

	go q.worker()
	q.log.Info("worker started")
	return nil
}

// StopWorker requests shutdown, wakes the worker, and joins it with a
// bounded wait. Teardown proceeds even if the worker has not exited when
// the wait elapses.
func (q *DatabaseQueue) StopWorker() {
	q.stateMu.Lock()
	switch q.state {
	case Running:
		q.state = ShutdownRequested
	case Created:
		// Never started; nothing to join.
		q.state = Stopped
		q.stateMu.Unlock()
		q.closeOnce()
		return
	default:
		q.stateMu.Unlock()
		return
	}
	q.stateMu.Unlock()

	q.closeOnce()

	select {
	case <-q.workerDone:
	case <-time.After(workerJoinWait):
		q.log.Warn("worker did not exit within shutdown budget, proceeding")
	}

	q.stateMu.Lock()
	if q.state == ShutdownRequested {
		q.state = Stopped
	}
	q.stateMu.Unlock()
}

func (q *DatabaseQueue) closeOnce() {
	select {
	case <-q.shutdown:
	default:
		close(q.shutdown)
	}
	q.queue.Close()
}

// Destroy stops the worker, destroys children (Lead only), releases the
// connection, and marks the queue Destroyed. Idempotent; safe with any
// subset of sub-resources already released.
func (q *DatabaseQueue) Destroy() {
	q.stateMu.Lock()
	if q.state == Destroyed {
		q.stateMu.Unlock()
		return
	}
	q.stateMu.Unlock()

	q.StopWorker()

	if q.isLead {
		q.childrenMu.Lock()
		children := append([]*DatabaseQueue(nil), q.children...)
		q.children = nil
		q.childrenMu.Unlock()
		for _, child := range children {
			child.Destroy()
		}
	}

	q.connMu.Lock()
	if q.handle != nil {
		q.opts.Registry.CleanupConnection(q.handle)
		q.handle = nil
	}
	q.connMu.Unlock()

	q.stateMu.Lock()
	q.state = Destroyed
	q.stateMu.Unlock()
	q.log.Info("queue destroyed")
}

// SubmitQuery routes dq to the serving queue and enqueues it. On a Lead,
// a tier with a dedicated child routes there; tiers without a child are
// served by the Lead itself. Returns a channel the caller can await the
// result on.
func (q *DatabaseQueue) SubmitQuery(dq *DatabaseQuery) (<-chan *dbengine.QueryResult, error) {
	if dq == nil || dq.QueryID == "" {
		return nil, errs.New(errs.ErrKindInvalidInput, "query with a query_id required")
	}

	tier := QueueTypeFromHint(dq.QueueHint)
	target := q.routeFor(tier)

	if target.State() != Running {
		return nil, errs.Newf(errs.ErrKindUnavailable, "queue %s is not running", target.Designator())
	}

	if dq.SubmittedAt.IsZero() {
		dq.SubmittedAt = time.Now()
	}
	payload, err := json.Marshal(dq)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "serialize query")
	}

	ch, err := target.slots.register(dq.QueryID)
	if err != nil {
		return nil, err
	}
	if err := target.queue.Enqueue(payload, tier.Priority()); err != nil {
		target.slots.discard(dq.QueryID)
		return nil, err
	}
	return ch, nil
}

// WaitResult blocks until the query's result arrives or ctx expires.
// Children share their Lead's slot registry, so waiting on the Lead works
// for queries served by any of its children.
func (q *DatabaseQueue) WaitResult(ctx context.Context, queryID string, ch <-chan *dbengine.QueryResult) (*dbengine.QueryResult, error) {
	return await(ctx, queryID, ch, q.slots)
}

// routeFor picks the queue that serves a tier. Non-lead queues always
// serve their own work.
func (q *DatabaseQueue) routeFor(tier QueueType) *DatabaseQueue {
	if !q.isLead {
		return q
	}
	q.childrenMu.Lock()
	defer q.childrenMu.Unlock()
	for _, child := range q.children {
		if child.Type == tier {
			return child
		}
	}
	return q
}

// worker is the single dispatch loop: wait for work, execute it over the
// persistent connection, deliver the result. Heartbeats run here as well,
// between dequeues, so the connection is only ever touched from this
// goroutine. Invariant: a connection is used by exactly one worker at a
// time.
func (q *DatabaseQueue) worker() {
	defer close(q.workerDone)

	// First beat brings the connection up without waiting for work.
	q.beat()

	for {
		item := q.queue.DequeueTimeout(q.nextBeatIn())
		if item == nil {
			if q.queue.Closed() && q.queue.Size() == 0 {
				// Closed and drained.
				return
			}
			q.beat()
			continue
		}
		q.process(item.Data)
		if q.nextBeatIn() <= 0 {
			q.beat()
		}
	}
}

// nextBeatIn returns how long until the next heartbeat is due.
func (q *DatabaseQueue) nextBeatIn() time.Duration {
	last := time.Unix(0, q.lastHeartbeat.Load())
	return q.opts.HeartbeatInterval - time.Since(last)
}

func (q *DatabaseQueue) process(payload []byte) {
	var dq DatabaseQuery
	if err := json.Unmarshal(payload, &dq); err != nil {
		q.totalFailed.Add(1)
		q.log.With().Err(err).Logger().Error("dropping undecodable queue item")
		return
	}

	res := q.execute(&dq)
	dq.ProcessedAt = time.Now()

	if res.Success {
		q.totalProcessed.Add(1)
	} else {
		q.totalFailed.Add(1)
		q.log.With().Str("query_id", dq.QueryID).Str("error", res.ErrorMessage).Logger().
			Warn("query failed")
	}
	q.slots.deliver(dq.QueryID, res)
}

func (q *DatabaseQueue) execute(dq *DatabaseQuery) *dbengine.QueryResult {
	start := time.Now()

	h, err := q.connection(context.Background())
	if err != nil {
		return dbengine.FailedResult(err, time.Since(start))
	}

	req := &dbengine.QueryRequest{
		QueryID:        dq.QueryID,
		SQLTemplate:    dq.Template,
		ParametersJSON: dq.ParametersJSON,
		TimeoutSeconds: dq.TimeoutSeconds,
	}

	res, err := q.opts.Registry.Execute(context.Background(), h, req)
	if err != nil {
		if res == nil {
			res = dbengine.FailedResult(err, time.Since(start))
		}
		if errs.IsConnectionFailed(err) {
			q.dropConnection()
		}
		return res
	}
	return res
}

// connection returns the persistent handle, establishing it on first use
// or after a drop. The Lead runs its bootstrap query once after the first
// successful connect.
func (q *DatabaseQueue) connection(ctx context.Context) (*dbengine.Handle, error) {
	q.connMu.Lock()
	defer q.connMu.Unlock()

	if q.handle != nil && q.handle.Status() == dbengine.Connected {
		return q.handle, nil
	}

	timeout := q.opts.ConnectTimeout
	cfg := &dbengine.ConnectionConfig{
		ConnectionString: q.connString,
		TimeoutSeconds:   int(timeout.Seconds()),
	}

	h, err := q.opts.Registry.Connect(ctx, q.engineType, cfg, q.Designator())
	if err != nil {
		q.log.With().Str("connection", MaskConnString(q.connString)).Err(err).Logger().
			Error("connect failed")
		return nil, err
	}
	q.handle = h
	q.log.With().Str("connection", MaskConnString(q.connString)).Logger().
		Info("connection established")

	if q.isLead && !q.bootstrapRan {
		q.runBootstrap(ctx, h)
		q.bootstrapRan = true
	}
	return q.handle, nil
}

func (q *DatabaseQueue) runBootstrap(ctx context.Context, h *dbengine.Handle) {
	req := &dbengine.QueryRequest{
		QueryID:     "bootstrap-" + q.DatabaseName,
		SQLTemplate: q.opts.BootstrapQuery,
	}
	res, err := q.opts.Registry.Execute(ctx, h, req)
	if err != nil || !res.Success {
		q.log.With().Str("query", q.opts.BootstrapQuery).Logger().
			Warn("bootstrap query failed")
		return
	}
	q.log.Info("bootstrap query succeeded")
}

func (q *DatabaseQueue) dropConnection() {
	q.connMu.Lock()
	defer q.connMu.Unlock()
	if q.handle != nil {
		q.opts.Registry.CleanupConnection(q.handle)
		q.handle = nil
	}
}

// QueueStats is a point-in-time snapshot of one queue.
type QueueStats struct {
	Designator      string     `json:"designator"`
	Database        string     `json:"database"`
	Type            string     `json:"type"`
	State           string     `json:"state"`
	Depth           int        `json:"depth"`
	TotalProcessed  int64      `json:"total_processed"`
	TotalFailed     int64      `json:"total_failed"`
	Connected       bool       `json:"connected"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
	ChildQueueCount int        `json:"child_queue_count"`
}

// Stats snapshots the queue's counters and connection state.
func (q *DatabaseQueue) Stats() QueueStats {
	q.connMu.Lock()
	connected := q.handle != nil && q.handle.Status() == dbengine.Connected
	q.connMu.Unlock()

	s := QueueStats{
		Designator:     q.Designator(),
		Database:       q.DatabaseName,
		Type:           q.Type.String(),
		State:          q.State().String(),
		Depth:          q.queue.Size(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalFailed:    q.totalFailed.Load(),
		Connected:      connected,
	}
	if hb := q.lastHeartbeat.Load(); hb > 0 {
		t := time.Unix(0, hb)
		s.LastHeartbeat = &t
	}
	if q.isLead {
		q.childrenMu.Lock()
		s.ChildQueueCount = len(q.children)
		q.childrenMu.Unlock()
	}
	return s
}

// Depth returns the current number of queued items.
func (q *DatabaseQueue) Depth() int { return q.queue.Size() }

// TotalProcessed returns the number of successfully executed queries.
func (q *DatabaseQueue) TotalProcessed() int64 { return q.totalProcessed.Load() }
