package dbqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/500Foods/Philement-sub001/internal/errs"
)

func managedLead(t *testing.T, name string) *DatabaseQueue {
	t.Helper()
	lead, err := CreateLead(name, ":memory:", Options{Registry: testRegistry(t)})
	require.NoError(t, err)
	require.NoError(t, lead.StartWorker())
	return lead
}

func TestManagerAddAndGet(t *testing.T) {
	m := NewManager(4, nil)
	t.Cleanup(m.Destroy)

	orders := managedLead(t, "orders")
	billing := managedLead(t, "billing")

	require.NoError(t, m.AddDatabase(orders))
	require.NoError(t, m.AddDatabase(billing))
	assert.Equal(t, 2, m.DatabaseCount())

	assert.Same(t, orders, m.GetDatabase("orders"))
	assert.Same(t, billing, m.GetDatabase("billing"))
	assert.Nil(t, m.GetDatabase("missing"))
}

func TestManagerCapacityAndDuplicates(t *testing.T) {
	m := NewManager(1, nil)
	t.Cleanup(m.Destroy)

	orders := managedLead(t, "orders")
	require.NoError(t, m.AddDatabase(orders))

	dup := managedLead(t, "orders")
	t.Cleanup(dup.Destroy)
	err := m.AddDatabase(dup)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))

	other := managedLead(t, "billing")
	t.Cleanup(other.Destroy)
	err = m.AddDatabase(other)
	require.Error(t, err)
	assert.True(t, errs.IsCapacity(err))
}

func TestManagerRejectsNonLead(t *testing.T) {
	m := NewManager(4, nil)
	t.Cleanup(m.Destroy)

	worker, err := CreateWorker("orders", ":memory:", Fast, 1, Options{Registry: testRegistry(t)})
	require.NoError(t, err)
	t.Cleanup(worker.Destroy)

	err = m.AddDatabase(worker)
	require.Error(t, err)
	assert.True(t, errs.IsInvalidInput(err))
}

func TestManagerRoundRobin(t *testing.T) {
	m := NewManager(4, nil)
	t.Cleanup(m.Destroy)

	assert.Nil(t, m.NextDatabase())

	a := managedLead(t, "a")
	b := managedLead(t, "b")
	require.NoError(t, m.AddDatabase(a))
	require.NoError(t, m.AddDatabase(b))

	assert.Same(t, a, m.NextDatabase())
	assert.Same(t, b, m.NextDatabase())
	assert.Same(t, a, m.NextDatabase())
}

func TestManagerDestroyCascades(t *testing.T) {
	m := NewManager(4, nil)

	lead := managedLead(t, "orders")
	require.NoError(t, lead.SpawnChild(Fast))
	children := lead.Children()
	require.Len(t, children, 1)
	require.NoError(t, m.AddDatabase(lead))

	m.Destroy()

	assert.Equal(t, Destroyed, lead.State())
	assert.Equal(t, Destroyed, children[0].State())
	assert.Zero(t, m.DatabaseCount())

	// Destroy is idempotent, and the manager refuses new databases after.
	m.Destroy()
	late := managedLead(t, "late")
	t.Cleanup(late.Destroy)
	assert.Error(t, m.AddDatabase(late))
}

func TestManagerStats(t *testing.T) {
	m := NewManager(4, nil)
	t.Cleanup(m.Destroy)

	lead := managedLead(t, "orders")
	require.NoError(t, m.AddDatabase(lead))

	res := submitAndWait(t, lead, "medium", "SELECT 1 as one")
	require.True(t, res.Success)

	s := m.Stats()
	assert.Equal(t, 1, s.Databases)
	assert.Equal(t, int64(1), s.TotalQueries)
	assert.Zero(t, s.FailedQueries)
	require.Len(t, s.QueueStats, 1)
	assert.Equal(t, "DQM-orders-00-LSMFC", s.QueueStats[0].Designator)
}
