package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoroai/kokoro/internal/vector"
)

// recordingIndex logs applied operations in order.
type recordingIndex struct {
	*fakeIndex
	mu  sync.Mutex
	ops []string
}

func (r *recordingIndex) Upsert(ctx context.Context, p vector.Payload, enriched string) error {
	r.mu.Lock()
	r.ops = append(r.ops, "upsert:"+p.Key+":"+p.Content)
	r.mu.Unlock()
	return r.fakeIndex.Upsert(ctx, p, enriched)
}

func (r *recordingIndex) Delete(ctx context.Context, keys []string) error {
	r.mu.Lock()
	for _, k := range keys {
		r.ops = append(r.ops, "delete:"+k)
	}
	r.mu.Unlock()
	return r.fakeIndex.Delete(ctx, keys)
}

func TestQueueAppliesTasksInFIFOOrder(t *testing.T) {
	idx := &recordingIndex{fakeIndex: newFakeIndex()}
	q := newVectorQueue(idx, func(err error) { t.Errorf("unexpected failure: %v", err) })

	for i := 0; i < 20; i++ {
		q.EnqueueUpsert(vector.Payload{Key: "memory_20250101000000", Content: fmt.Sprintf("v%d", i)}, "")
	}
	q.EnqueueDelete([]string{"memory_20250101000000"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	idx.mu.Lock()
	defer idx.mu.Unlock()
	require.Len(t, idx.ops, 21)
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("upsert:memory_20250101000000:v%d", i), idx.ops[i])
	}
	assert.Equal(t, "delete:memory_20250101000000", idx.ops[20])
}

func TestQueueFailureRaisesFlagAndDropsTask(t *testing.T) {
	idx := newFakeIndex()
	idx.fail.Store(true)

	var failures int
	var mu sync.Mutex
	q := newVectorQueue(idx, func(err error) {
		mu.Lock()
		failures++
		mu.Unlock()
	})

	q.EnqueueUpsert(vector.Payload{Key: "memory_20250101000000", Content: "doomed"}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	mu.Lock()
	assert.Equal(t, 1, failures, "failure reported exactly once, no retry")
	mu.Unlock()
	n, _ := idx.Count(context.Background())
	assert.Zero(t, n)
}

func TestQueueCloseDrainsBacklog(t *testing.T) {
	idx := newFakeIndex()
	q := newVectorQueue(idx, func(err error) { t.Errorf("unexpected failure: %v", err) })

	for i := 0; i < 10; i++ {
		q.EnqueueUpsert(vector.Payload{Key: fmt.Sprintf("memory_2025010100000%d", i)}, "")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))

	n, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Enqueue after close is reported as a failure, not a panic.
	var late bool
	q.onFailure = func(err error) { late = true }
	q.EnqueueUpsert(vector.Payload{Key: "memory_20250101000099"}, "")
	assert.True(t, late)
}

func TestQueueCloseWithoutConsumer(t *testing.T) {
	q := newVectorQueue(newFakeIndex(), func(err error) {})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

// Dirty-flag recovery: fail the index during a burst of writes, confirm
// the dirty flag, heal and rebuild, and check index count matches the
// durable store with correct contents.
func TestDirtyFlagRecoveryThroughRebuild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.index.fail.Store(true)
	for i := 0; i < 100; i++ {
		_, err := f.engine.Create(ctx, CreateInput{Content: fmt.Sprintf("burst write %d", i)})
		require.NoError(t, err)
	}
	f.drain(t)
	assert.True(t, f.engine.Dirty())

	n, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.index.fail.Store(false)
	require.NoError(t, f.engine.Rebuild(ctx))
	assert.False(t, f.engine.Dirty())

	stored, err := f.store.Count(ctx)
	require.NoError(t, err)
	indexed, err := f.index.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, stored, indexed)

	all, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	f.index.mu.Lock()
	defer f.index.mu.Unlock()
	for key, record := range all {
		p, ok := f.index.points[key]
		require.True(t, ok, "missing point for %s", key)
		assert.Equal(t, record.Content, p.Content)
	}
}

func TestShouldRebuildTrigger(t *testing.T) {
	f := newFixture(t)
	f.cfg.VectorRebuild.IdleSeconds = 30
	f.cfg.VectorRebuild.MinInterval = 120
	now := time.Now()

	// not dirty: never
	assert.False(t, f.engine.shouldRebuild(now))

	f.engine.dirty.Store(true)
	f.engine.lastWrite.Store(now.Add(-10 * time.Second).UnixNano())
	assert.False(t, f.engine.shouldRebuild(now), "recent write blocks rebuild")

	f.engine.lastWrite.Store(now.Add(-60 * time.Second).UnixNano())
	f.engine.lastRebuild.Store(now.Add(-60 * time.Second).UnixNano())
	assert.False(t, f.engine.shouldRebuild(now), "min interval not elapsed")

	f.engine.lastRebuild.Store(now.Add(-300 * time.Second).UnixNano())
	assert.True(t, f.engine.shouldRebuild(now))
}
