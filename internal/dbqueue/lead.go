package dbqueue

import (
	"strings"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

// SpawnChild creates and starts a dedicated worker queue for a tier. It is
// a no-op success when a child of that tier already exists; it fails at
// child capacity. The existence check is authoritative: two children of the
// same tier can never coexist. The Lead's tag set is a derived hint updated
// afterward.
func (q *DatabaseQueue) SpawnChild(tier QueueType) error {
	if !q.isLead || !q.canSpawn {
		return errs.New(errs.ErrKindInvalidInput, "only a Lead queue can spawn children")
	}
	if tier == Lead {
		return errs.New(errs.ErrKindInvalidInput, "cannot spawn a Lead child")
	}
	if q.State() != Running {
		return errs.Newf(errs.ErrKindUnavailable, "queue %s is not running", q.Designator())
	}

	q.childrenMu.Lock()
	defer q.childrenMu.Unlock()

	for _, child := range q.children {
		if child.Type == tier {
			// Already served by a dedicated worker.
			return nil
		}
	}
	if len(q.children) >= q.opts.MaxChildren {
		return errs.Newf(errs.ErrKindCapacity, "child queue capacity %d reached", q.opts.MaxChildren)
	}

	child, err := CreateWorker(q.DatabaseName, q.connString, tier, q.nextQueueNumberLocked(), q.opts)
	if err != nil {
		return err
	}
	// Children deliver into the Lead's slot registry so submitters can wait
	// on the Lead regardless of routing.
	child.slots = q.slots

	if err := child.StartWorker(); err != nil {
		child.Destroy()
		return err
	}

	q.children = append(q.children, child)
	q.dropTag(tier)
	q.log.With().Str("child", child.Designator()).Logger().Info("child queue spawned")
	return nil
}

// ShutdownChild destroys the child serving a tier and compacts the array
// by swapping with the last entry. It fails without side effects when no
// matching child exists. The tier's tag returns to the Lead.
func (q *DatabaseQueue) ShutdownChild(tier QueueType) error {
	if !q.isLead {
		return errs.New(errs.ErrKindInvalidInput, "only a Lead queue has children")
	}

	q.childrenMu.Lock()
	idx := -1
	for i, child := range q.children {
		if child.Type == tier {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.childrenMu.Unlock()
		return errs.Newf(errs.ErrKindNotFound, "no %s child queue", tier)
	}

	child := q.children[idx]
	last := len(q.children) - 1
	q.children[idx] = q.children[last]
	q.children[last] = nil
	q.children = q.children[:last]
	q.childrenMu.Unlock()

	child.Destroy()
	q.addTag(tier)
	q.log.With().Str("child", child.Designator()).Logger().Info("child queue retired")
	return nil
}

// ChildCount returns the number of live children.
func (q *DatabaseQueue) ChildCount() int {
	q.childrenMu.Lock()
	defer q.childrenMu.Unlock()
	return len(q.children)
}

// Children returns a snapshot of the child queues.
func (q *DatabaseQueue) Children() []*DatabaseQueue {
	q.childrenMu.Lock()
	defer q.childrenMu.Unlock()
	return append([]*DatabaseQueue(nil), q.children...)
}

// nextQueueNumberLocked finds the lowest unused positive queue number.
// Caller holds childrenMu. The Lead reserves 0.
func (q *DatabaseQueue) nextQueueNumberLocked() int {
	used := make(map[int]bool, len(q.children))
	for _, child := range q.children {
		used[child.QueueNumber] = true
	}
	for n := 1; ; n++ {
		if !used[n] {
			return n
		}
	}
}

func (q *DatabaseQueue) dropTag(tier QueueType) {
	q.tagsMu.Lock()
	q.tags = strings.ReplaceAll(q.tags, tier.Tag(), "")
	q.tagsMu.Unlock()
}

func (q *DatabaseQueue) addTag(tier QueueType) {
	q.tagsMu.Lock()
	if !strings.Contains(q.tags, tier.Tag()) {
		q.tags += tier.Tag()
	}
	q.tagsMu.Unlock()
}
