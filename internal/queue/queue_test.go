package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New("orders_fast")

	require.NoError(t, q.Enqueue([]byte("a"), 1))
	require.NoError(t, q.Enqueue([]byte("b"), 1))
	require.NoError(t, q.Enqueue([]byte("c"), 1))

	assert.Equal(t, "a", string(q.TryDequeue().Data))
	assert.Equal(t, "b", string(q.TryDequeue().Data))
	assert.Equal(t, "c", string(q.TryDequeue().Data))
	assert.Nil(t, q.TryDequeue())
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := New("orders_lead")

	require.NoError(t, q.Enqueue([]byte("slow"), 0))
	require.NoError(t, q.Enqueue([]byte("cache"), 3))
	require.NoError(t, q.Enqueue([]byte("medium"), 1))
	require.NoError(t, q.Enqueue([]byte("fast"), 2))

	assert.Equal(t, "cache", string(q.TryDequeue().Data))
	assert.Equal(t, "fast", string(q.TryDequeue().Data))
	assert.Equal(t, "medium", string(q.TryDequeue().Data))
	assert.Equal(t, "slow", string(q.TryDequeue().Data))
}

func TestQueue_DepthConservation(t *testing.T) {
	q := New("depth")
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = q.Enqueue([]byte(fmt.Sprintf("%d-%d", p, i)), i%4)
			}
		}(p)
	}

	// Concurrent consumer taking half the items.
	taken := 0
	wg.Add(1)
	go func() {
		defer wg.Done()
		for taken < producers*perProducer/2 {
			if it := q.TryDequeue(); it != nil {
				taken++
			}
		}
	}()

	wg.Wait()
	assert.Equal(t, producers*perProducer-taken, q.Size())

	stats := q.Stats()
	assert.Equal(t, uint64(producers*perProducer), stats.TotalEnqueued)
	assert.Equal(t, uint64(taken), stats.TotalDequeued)
}

func TestQueue_DequeueWaitWakesOnEnqueue(t *testing.T) {
	q := New("wait")
	done := make(chan string, 1)

	go func() {
		it := q.DequeueWait()
		done <- string(it.Data)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue([]byte("wake"), 0))

	select {
	case got := <-done:
		assert.Equal(t, "wake", got)
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueWait did not wake")
	}
}

func TestQueue_DequeueTimeout(t *testing.T) {
	q := New("timed")

	// Empty queue: returns nil once the window elapses.
	start := time.Now()
	assert.Nil(t, q.DequeueTimeout(20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// An enqueue inside the window wakes the waiter.
	done := make(chan string, 1)
	go func() {
		it := q.DequeueTimeout(2 * time.Second)
		done <- string(it.Data)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue([]byte("wake"), 0))

	select {
	case got := <-done:
		assert.Equal(t, "wake", got)
	case <-time.After(2 * time.Second):
		t.Fatal("DequeueTimeout did not wake")
	}

	// An elapsed window dequeues without blocking when items are ready.
	require.NoError(t, q.Enqueue([]byte("ready"), 0))
	it := q.DequeueTimeout(-time.Millisecond)
	require.NotNil(t, it)
	assert.Equal(t, "ready", string(it.Data))
}

func TestQueue_CloseWakesWaiters(t *testing.T) {
	q := New("close")
	done := make(chan bool, 1)

	go func() {
		done <- q.DequeueWait() == nil
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case gotNil := <-done:
		assert.True(t, gotNil)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not wake waiter")
	}

	// Enqueue after close fails, close is idempotent.
	assert.Error(t, q.Enqueue([]byte("late"), 0))
	q.Close()
	assert.True(t, q.Closed())
}

func TestQueue_DrainAfterClose(t *testing.T) {
	q := New("drain")
	require.NoError(t, q.Enqueue([]byte("pending"), 0))
	q.Close()

	// Items queued before close remain drainable.
	it := q.DequeueWait()
	require.NotNil(t, it)
	assert.Equal(t, "pending", string(it.Data))
	assert.Nil(t, q.DequeueWait())
}

func TestQueue_Stats(t *testing.T) {
	q := New("stats")
	assert.Equal(t, 0, q.Stats().Depth)
	assert.True(t, q.Stats().OldestQueued.IsZero())

	require.NoError(t, q.Enqueue([]byte("x"), 2))
	s := q.Stats()
	assert.Equal(t, "stats", s.Name)
	assert.Equal(t, 1, s.Depth)
	assert.Equal(t, 2, s.HighestPriority)
	assert.False(t, s.OldestQueued.IsZero())
}
