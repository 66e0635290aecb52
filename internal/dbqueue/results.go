package dbqueue

import (
	"context"
	"sync"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/errs"
)

// resultSlots hands query results back to submitters. Each submitted query
// registers a buffered slot keyed by query id; the worker delivers into it
// exactly once.
type resultSlots struct {
	mu    sync.Mutex
	slots map[string]chan *dbengine.QueryResult
}

func newResultSlots() *resultSlots {
	return &resultSlots{slots: make(map[string]chan *dbengine.QueryResult)}
}

// register creates the slot for queryID. Re-registering an in-flight id
// fails; ids are expected to be unique per submission.
func (r *resultSlots) register(queryID string) (<-chan *dbengine.QueryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.slots[queryID]; exists {
		return nil, errs.Newf(errs.ErrKindConflict, "query %q already in flight", queryID)
	}
	ch := make(chan *dbengine.QueryResult, 1)
	r.slots[queryID] = ch
	return ch, nil
}

// deliver places the result and retires the slot. Results for unknown ids
// (submitter gave up and discarded) are dropped.
func (r *resultSlots) deliver(queryID string, res *dbengine.QueryResult) {
	r.mu.Lock()
	ch, ok := r.slots[queryID]
	delete(r.slots, queryID)
	r.mu.Unlock()

	if ok {
		ch <- res
	}
}

// discard abandons a slot without waiting for its result.
func (r *resultSlots) discard(queryID string) {
	r.mu.Lock()
	delete(r.slots, queryID)
	r.mu.Unlock()
}

// await blocks until the slot receives its result or ctx expires.
func await(ctx context.Context, queryID string, ch <-chan *dbengine.QueryResult, slots *resultSlots) (*dbengine.QueryResult, error) {
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		slots.discard(queryID)
		return nil, errs.Wrap(ctx.Err(), errs.ErrKindTimeout, "timed out waiting for query result")
	}
}
