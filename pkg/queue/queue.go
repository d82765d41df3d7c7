package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

var (
	// ErrQueueFull is returned by REJECT-policy enqueues on a full lane.
	ErrQueueFull = errors.New("queue lane is full")

	// ErrEnqueueTimeout is returned by BLOCK-policy enqueues whose
	// deadline elapsed before space freed.
	ErrEnqueueTimeout = errors.New("enqueue timed out")

	// ErrQueueClosed is returned once the queue has been closed.
	ErrQueueClosed = errors.New("queue is closed")
)

// Policy selects the backpressure behavior of one lane.
type Policy int

const (
	// Block makes enqueue wait for space until the caller's deadline.
	Block Policy = iota

	// Reject fails enqueue immediately when the lane is full.
	Reject

	// DropOldest evicts the lane's oldest item to the DLQ and admits the
	// new one.
	DropOldest
)

// DeadLetterSink receives evicted and exhausted work items. The storage
// layer satisfies it.
type DeadLetterSink interface {
	AppendDeadLetter(dl *types.DeadLetter) error
}

// LaneOptions configure one priority lane.
type LaneOptions struct {
	Capacity int
	Weight   int
	Policy   Policy
}

// Options configure the queue.
type Options struct {
	High   LaneOptions
	Normal LaneOptions
	Low    LaneOptions

	// EnqueueTimeout is the default Block-policy deadline when the
	// caller's context has none.
	EnqueueTimeout time.Duration
}

type lane struct {
	ch     chan *types.WorkItem
	policy Policy
	weight int
}

// PressureCallback fires when queue pressure crosses its threshold.
type PressureCallback func(pressure float64)

type pressureHook struct {
	threshold float64
	fn        PressureCallback
	above     bool
}

// Queue is the three-lane bounded priority queue with fair-share
// dequeue.
type Queue struct {
	lanes    [3]*lane // indexed by types.Priority
	sequence []types.Priority
	dlq      DeadLetterSink
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cursor int
	closed bool
	hooks  []*pressureHook
	notify chan struct{} // wakes blocked dequeuers on enqueue
}

// New creates a queue. dlq receives DROP_OLDEST evictions and
// retry-ceiling breaches; it must not be nil.
func New(opts Options, dlq DeadLetterSink) *Queue {
	fix := func(l LaneOptions) LaneOptions {
		if l.Capacity <= 0 {
			l.Capacity = 1024
		}
		if l.Weight <= 0 {
			l.Weight = 1
		}
		return l
	}
	high, normal, low := fix(opts.High), fix(opts.Normal), fix(opts.Low)
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 5 * time.Second
	}

	q := &Queue{
		dlq:     dlq,
		timeout: opts.EnqueueTimeout,
		logger:  log.WithComponent("queue"),
		notify:  make(chan struct{}, 1),
	}
	q.lanes[types.PriorityHigh] = &lane{ch: make(chan *types.WorkItem, high.Capacity), policy: high.Policy, weight: high.Weight}
	q.lanes[types.PriorityNormal] = &lane{ch: make(chan *types.WorkItem, normal.Capacity), policy: normal.Policy, weight: normal.Weight}
	q.lanes[types.PriorityLow] = &lane{ch: make(chan *types.WorkItem, low.Capacity), policy: low.Policy, weight: low.Weight}

	// Weighted round-robin visit sequence; every lane appears at least
	// once per cycle so no lane can starve.
	for _, p := range []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow} {
		for i := 0; i < q.lanes[p].weight; i++ {
			q.sequence = append(q.sequence, p)
		}
	}
	return q
}

// Enqueue admits a work item to a lane under that lane's policy.
func (q *Queue) Enqueue(ctx context.Context, item *types.WorkItem, priority types.Priority) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.mu.Unlock()

	ln := q.lanes[priority]
	item.State = types.WorkItemCreated
	item.EnqueuedAt = time.Now()

	switch ln.policy {
	case Reject:
		select {
		case ln.ch <- item:
		default:
			return ErrQueueFull
		}

	case DropOldest:
		q.mu.Lock()
		select {
		case ln.ch <- item:
			q.mu.Unlock()
		default:
			var evicted *types.WorkItem
			select {
			case evicted = <-ln.ch:
			default:
			}
			ln.ch <- item
			q.mu.Unlock()
			if evicted != nil {
				q.deadLetter(evicted, types.DeadLetterQueueEvicted, "")
			}
		}

	default: // Block
		select {
		case ln.ch <- item:
		default:
			timer := time.NewTimer(q.timeout)
			defer timer.Stop()
			select {
			case ln.ch <- item:
			case <-ctx.Done():
				return ErrEnqueueTimeout
			case <-timer.C:
				return ErrEnqueueTimeout
			}
		}
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.firePressureHooks()
	return nil
}

// Dequeue returns the next work item under fair-share order, blocking
// until one is available or the context is done.
func (q *Queue) Dequeue(ctx context.Context) (*types.WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		// One full weighted cycle; every non-empty lane is visited.
		for i := 0; i < len(q.sequence); i++ {
			p := q.sequence[q.cursor]
			q.cursor = (q.cursor + 1) % len(q.sequence)
			select {
			case item := <-q.lanes[p].ch:
				q.mu.Unlock()
				item.State = types.WorkItemInFlight
				q.firePressureHooks()
				return item, nil
			default:
			}
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDequeue is the non-blocking variant of Dequeue.
func (q *Queue) TryDequeue() (*types.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}
	for i := 0; i < len(q.sequence); i++ {
		p := q.sequence[q.cursor]
		q.cursor = (q.cursor + 1) % len(q.sequence)
		select {
		case item := <-q.lanes[p].ch:
			item.State = types.WorkItemInFlight
			return item, true
		default:
		}
	}
	return nil, false
}

// Requeue re-admits an item with an incremented attempt counter. Once
// the counter exceeds ceiling the item is dead-lettered instead.
func (q *Queue) Requeue(ctx context.Context, item *types.WorkItem, ceiling int, fingerprint string) error {
	item.Attempt++
	if item.Attempt > ceiling {
		q.deadLetter(item, types.DeadLetterRetryExhausted, fingerprint)
		return nil
	}
	item.State = types.WorkItemRetryScheduled
	return q.Enqueue(ctx, item, types.PriorityLow)
}

// DeadLetter moves an item straight to the DLQ.
func (q *Queue) DeadLetter(item *types.WorkItem, reason types.DeadLetterReason, fingerprint string) {
	q.deadLetter(item, reason, fingerprint)
}

func (q *Queue) deadLetter(item *types.WorkItem, reason types.DeadLetterReason, fingerprint string) {
	item.State = types.WorkItemDeadLettered
	dl := &types.DeadLetter{
		ID:          uuid.New().String(),
		ScanID:      item.ScanID,
		PluginName:  item.PluginName,
		EventID:     item.Event.ID,
		Attempts:    item.Attempt,
		Reason:      reason,
		Fingerprint: fingerprint,
		CreatedAt:   time.Now(),
	}
	if err := q.dlq.AppendDeadLetter(dl); err != nil {
		q.logger.Error().Str("scan_id", item.ScanID).Err(err).Msg("failed to persist dead letter")
	}
}

// Pressure returns total used capacity as a value in [0, 1].
func (q *Queue) Pressure() float64 {
	used, total := 0, 0
	for _, ln := range q.lanes {
		used += len(ln.ch)
		total += cap(ln.ch)
	}
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total)
}

// LaneDepth returns the current occupancy of one lane.
func (q *Queue) LaneDepth(priority types.Priority) int {
	return len(q.lanes[priority].ch)
}

// OnPressure registers a callback fired each time pressure crosses the
// threshold upward.
func (q *Queue) OnPressure(threshold float64, fn PressureCallback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, &pressureHook{threshold: threshold, fn: fn})
}

func (q *Queue) firePressureHooks() {
	pressure := q.Pressure()

	q.mu.Lock()
	var fire []PressureCallback
	for _, h := range q.hooks {
		if pressure >= h.threshold && !h.above {
			h.above = true
			fire = append(fire, h.fn)
		} else if pressure < h.threshold {
			h.above = false
		}
	}
	q.mu.Unlock()

	for _, fn := range fire {
		fn(pressure)
	}
}

// Close stops the queue. Items still enqueued are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}
