package orderwire

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestQueue(t *testing.T, submit SubmitFunction) *MutationQueue {
	store, err := OpenLocalStore(t.TempDir())
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		store.Close()
	})
	return NewMutationQueueWithDefaults(context.Background(), store, submit)
}

func TestQueueDrainInOrder(t *testing.T) {
	submitted := []Id{}
	queue := newTestQueue(t, func(ctx context.Context, mutation *QueuedMutation) error {
		submitted = append(submitted, mutation.Id)
		return nil
	})

	a, err := queue.Enqueue(MutationKindOrder, &Order{TableId: "t1", Status: "open"})
	assert.Equal(t, err, nil)
	b, err := queue.Enqueue(MutationKindWaiterCall, &WaiterCall{TableId: "t2"})
	assert.Equal(t, err, nil)
	c, err := queue.Enqueue(MutationKindOrder, &Order{TableId: "t3", Status: "open"})
	assert.Equal(t, err, nil)
	assert.Equal(t, queue.Size(), 3)

	queue.Drain()

	// oldest first, exactly once each
	assert.Equal(t, submitted, []Id{a, b, c})
	assert.Equal(t, queue.Size(), 0)

	// a drain of an empty queue is a no-op
	queue.Drain()
	assert.Equal(t, len(submitted), 3)
}

func TestQueueRetryAndEvict(t *testing.T) {
	attempts := 0
	queue := newTestQueue(t, func(ctx context.Context, mutation *QueuedMutation) error {
		attempts += 1
		return errors.New("backend down")
	})

	evicted := []*QueuedMutation{}
	queue.AddEvictCallback(func(mutation *QueuedMutation, err error) {
		evicted = append(evicted, mutation)
	})

	id, err := queue.Enqueue(MutationKindOrder, &Order{TableId: "t1", Status: "open"})
	assert.Equal(t, err, nil)

	// attempts 1..5 fail and keep the mutation queued
	for i := 0; i < 5; i += 1 {
		queue.Drain()
		assert.Equal(t, attempts, i+1)
		assert.Equal(t, queue.Size(), 1)
		assert.Equal(t, len(evicted), 0)
	}

	// the 6th consecutive failure exceeds the ceiling and evicts
	queue.Drain()
	assert.Equal(t, attempts, 6)
	assert.Equal(t, queue.Size(), 0)
	assert.Equal(t, len(evicted), 1)
	assert.Equal(t, evicted[0].Id, id)
	assert.Equal(t, evicted[0].RetryCount, 6)

	// never a 7th attempt
	queue.Drain()
	assert.Equal(t, attempts, 6)
}

func TestQueueConcurrentDrain(t *testing.T) {
	gate := make(chan struct{})
	submitCounts := map[Id]int{}
	submitLock := sync.Mutex{}
	started := atomic.Int32{}

	queue := newTestQueue(t, func(ctx context.Context, mutation *QueuedMutation) error {
		started.Add(1)
		<-gate
		submitLock.Lock()
		defer submitLock.Unlock()
		submitCounts[mutation.Id] += 1
		return nil
	})

	_, err := queue.Enqueue(MutationKindOrder, &Order{TableId: "t1", Status: "open"})
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue(MutationKindOrder, &Order{TableId: "t2", Status: "open"})
	assert.Equal(t, err, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		queue.Drain()
	}()

	waitFor(t, 5*time.Second, func() bool {
		return started.Load() == 1
	})

	// a drain while one is in progress is a no-op that returns immediately
	queue.Drain()
	assert.Equal(t, started.Load(), int32(1))

	close(gate)
	<-done

	assert.Equal(t, queue.Size(), 0)
	submitLock.Lock()
	defer submitLock.Unlock()
	assert.Equal(t, len(submitCounts), 2)
	for _, count := range submitCounts {
		// no mutation is submitted twice
		assert.Equal(t, count, 1)
	}
}

func TestQueueOfflineThenOnline(t *testing.T) {
	online := atomic.Bool{}
	submitted := []Id{}
	queue := newTestQueue(t, func(ctx context.Context, mutation *QueuedMutation) error {
		if !online.Load() {
			return errors.New("connection refused")
		}
		submitted = append(submitted, mutation.Id)
		return nil
	})

	pendingCounts := []int{}
	queue.AddPendingCountCallback(func(pendingCount int) {
		pendingCounts = append(pendingCounts, pendingCount)
	})

	a, err := queue.Enqueue(MutationKindOrder, &Order{TableId: "t1", Status: "open"})
	assert.Equal(t, err, nil)
	b, err := queue.Enqueue(MutationKindWaiterCall, &WaiterCall{TableId: "t1"})
	assert.Equal(t, err, nil)

	queue.Drain()
	assert.Equal(t, queue.Size(), 2)
	assert.Equal(t, len(submitted), 0)

	online.Store(true)
	queue.Drain()

	// both replayed in enqueue order, indicator returns to 0
	assert.Equal(t, submitted, []Id{a, b})
	assert.Equal(t, queue.Size(), 0)
	assert.Equal(t, pendingCounts[len(pendingCounts)-1], 0)
}

func TestQueueSizeRecomputedAfterRestart(t *testing.T) {
	dataDir := t.TempDir()

	store, err := OpenLocalStore(dataDir)
	assert.Equal(t, err, nil)
	queue := NewMutationQueueWithDefaults(context.Background(), store, nil)
	_, err = queue.Enqueue(MutationKindOrder, &Order{TableId: "t1", Status: "open"})
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue(MutationKindOrder, &Order{TableId: "t2", Status: "open"})
	assert.Equal(t, err, nil)
	err = store.Close()
	assert.Equal(t, err, nil)

	// the durable store is the source of truth for the pending count
	store, err = OpenLocalStore(dataDir)
	assert.Equal(t, err, nil)
	defer store.Close()

	submitted := 0
	queue = NewMutationQueueWithDefaults(context.Background(), store, func(ctx context.Context, mutation *QueuedMutation) error {
		submitted += 1
		return nil
	})
	assert.Equal(t, queue.Size(), 2)

	queue.Drain()
	assert.Equal(t, submitted, 2)
	assert.Equal(t, queue.Size(), 0)
}
