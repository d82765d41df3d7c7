package queue

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type captureSink struct {
	mu   sync.Mutex
	dead []*types.DeadLetter
}

func (c *captureSink) AppendDeadLetter(dl *types.DeadLetter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, dl)
	return nil
}

func (c *captureSink) letters() []*types.DeadLetter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.DeadLetter, len(c.dead))
	copy(out, c.dead)
	return out
}

func item(scanID, plugin string) *types.WorkItem {
	return &types.WorkItem{
		ID:         plugin + "-item",
		ScanID:     scanID,
		PluginName: plugin,
		Event:      &types.Event{ID: "ev-1", ScanID: scanID, Type: types.EventTypeDomainName},
		Attempt:    1,
	}
}

func testOptions() Options {
	return Options{
		High:           LaneOptions{Capacity: 8, Weight: 4, Policy: Block},
		Normal:         LaneOptions{Capacity: 8, Weight: 2, Policy: Block},
		Low:            LaneOptions{Capacity: 8, Weight: 1, Policy: Block},
		EnqueueTimeout: 100 * time.Millisecond,
	}
}

func TestFairShareDequeueOrder(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	ctx := context.Background()
	// Fill all three lanes with more items than one weighted cycle.
	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, item("s", "high"), types.PriorityHigh))
		require.NoError(t, q.Enqueue(ctx, item("s", "normal"), types.PriorityNormal))
		require.NoError(t, q.Enqueue(ctx, item("s", "low"), types.PriorityLow))
	}

	// One full weighted cycle serves 4 high, 2 normal, 1 low.
	counts := map[string]int{}
	for i := 0; i < 7; i++ {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		counts[it.PluginName]++
	}
	assert.Equal(t, 4, counts["high"])
	assert.Equal(t, 2, counts["normal"])
	assert.Equal(t, 1, counts["low"])
}

func TestLowLaneNeverStarves(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(ctx, item("s", "high"), types.PriorityHigh))
	}
	require.NoError(t, q.Enqueue(ctx, item("s", "low"), types.PriorityLow))

	// The low item must surface within the first full cycle plus one.
	sawLow := false
	for i := 0; i < 8; i++ {
		it, ok := q.TryDequeue()
		require.True(t, ok)
		if it.PluginName == "low" {
			sawLow = true
			break
		}
	}
	assert.True(t, sawLow, "low lane starved by sustained high-priority load")
}

func TestRejectPolicyFailsFast(t *testing.T) {
	sink := &captureSink{}
	opts := testOptions()
	opts.Normal = LaneOptions{Capacity: 2, Weight: 2, Policy: Reject}
	q := New(opts, sink)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, item("s", "a"), types.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, item("s", "b"), types.PriorityNormal))

	err := q.Enqueue(ctx, item("s", "c"), types.PriorityNormal)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestBlockPolicyTimesOut(t *testing.T) {
	sink := &captureSink{}
	opts := testOptions()
	opts.High = LaneOptions{Capacity: 1, Weight: 4, Policy: Block}
	opts.EnqueueTimeout = 50 * time.Millisecond
	q := New(opts, sink)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, item("s", "a"), types.PriorityHigh))

	start := time.Now()
	err := q.Enqueue(ctx, item("s", "b"), types.PriorityHigh)
	assert.ErrorIs(t, err, ErrEnqueueTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDropOldestEvictsToDeadLetterQueue(t *testing.T) {
	sink := &captureSink{}
	opts := testOptions()
	opts.Low = LaneOptions{Capacity: 2, Weight: 1, Policy: DropOldest}
	q := New(opts, sink)
	defer q.Close()

	ctx := context.Background()
	oldest := item("s", "oldest")
	require.NoError(t, q.Enqueue(ctx, oldest, types.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, item("s", "middle"), types.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, item("s", "newest"), types.PriorityLow))

	letters := sink.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, "oldest", letters[0].PluginName)
	assert.Equal(t, types.DeadLetterQueueEvicted, letters[0].Reason)
	assert.Equal(t, types.WorkItemDeadLettered, oldest.State)

	// The lane still holds the two survivors.
	assert.Equal(t, 2, q.LaneDepth(types.PriorityLow))
}

func TestRequeueCeilingDeadLetters(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	ctx := context.Background()
	it := item("s", "flaky")
	it.Attempt = 5

	require.NoError(t, q.Requeue(ctx, it, 5, "fp-1"))
	letters := sink.letters()
	require.Len(t, letters, 1)
	assert.Equal(t, types.DeadLetterRetryExhausted, letters[0].Reason)
	assert.Equal(t, "fp-1", letters[0].Fingerprint)
	assert.Equal(t, 6, letters[0].Attempts)
	assert.Equal(t, 0, q.LaneDepth(types.PriorityLow))
}

func TestRequeueBelowCeilingGoesToLowLane(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	ctx := context.Background()
	it := item("s", "flaky")
	it.Attempt = 1

	require.NoError(t, q.Requeue(ctx, it, 5, ""))
	assert.Equal(t, 2, it.Attempt)
	assert.Equal(t, 1, q.LaneDepth(types.PriorityLow))
	assert.Empty(t, sink.letters())
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	got := make(chan *types.WorkItem, 1)
	go func() {
		it, err := q.Dequeue(context.Background())
		if err == nil {
			got <- it
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), item("s", "late"), types.PriorityNormal))

	select {
	case it := <-got:
		assert.Equal(t, "late", it.PluginName)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe the enqueue")
	}
}

func TestDequeueHonorsContextCancel(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPressureCallbackFiresOncePerCrossing(t *testing.T) {
	sink := &captureSink{}
	opts := Options{
		High:   LaneOptions{Capacity: 2, Weight: 4, Policy: Reject},
		Normal: LaneOptions{Capacity: 2, Weight: 2, Policy: Reject},
		Low:    LaneOptions{Capacity: 2, Weight: 1, Policy: Reject},
	}
	q := New(opts, sink)
	defer q.Close()

	var fired int
	var mu sync.Mutex
	q.OnPressure(0.5, func(float64) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	ctx := context.Background()
	// 3 of 6 slots crosses 0.5; further enqueues above the threshold must
	// not re-fire.
	require.NoError(t, q.Enqueue(ctx, item("s", "a"), types.PriorityHigh))
	require.NoError(t, q.Enqueue(ctx, item("s", "b"), types.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, item("s", "c"), types.PriorityLow))
	require.NoError(t, q.Enqueue(ctx, item("s", "d"), types.PriorityHigh))

	mu.Lock()
	assert.Equal(t, 1, fired)
	mu.Unlock()

	// Drain below the threshold, cross again: one more firing.
	for i := 0; i < 3; i++ {
		_, ok := q.TryDequeue()
		require.True(t, ok)
	}
	require.NoError(t, q.Enqueue(ctx, item("s", "e"), types.PriorityNormal))
	require.NoError(t, q.Enqueue(ctx, item("s", "f"), types.PriorityLow))

	mu.Lock()
	assert.Equal(t, 2, fired)
	mu.Unlock()
}

func TestClosedQueueRejectsEnqueue(t *testing.T) {
	sink := &captureSink{}
	q := New(testOptions(), sink)
	q.Close()

	err := q.Enqueue(context.Background(), item("s", "a"), types.PriorityHigh)
	assert.ErrorIs(t, err, ErrQueueClosed)
}
