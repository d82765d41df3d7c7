package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

var (
	// ErrInvalidCausality is returned when a published event references a
	// parent that does not exist within the scan.
	ErrInvalidCausality = errors.New("source event not found in scan")

	// ErrScanTerminated is returned when publishing to a scan that is not
	// open on this bus.
	ErrScanTerminated = errors.New("scan is not accepting events")

	// ErrBackpressureTimeout is returned when a publish blocked on a full
	// delivery window past its deadline.
	ErrBackpressureTimeout = errors.New("publish timed out under backpressure")

	// ErrDeliveryDepthExceeded is returned when recursive inline publishes
	// exceed the configured depth limit.
	ErrDeliveryDepthExceeded = errors.New("inline delivery depth exceeded")
)

// DeliveryMode selects how a subscription receives events.
type DeliveryMode int

const (
	// SyncInline invokes the handler on the publisher's goroutine.
	SyncInline DeliveryMode = iota

	// AsyncPool enqueues a WorkItem to the worker pool.
	AsyncPool
)

// Handler is invoked for SyncInline deliveries.
type Handler func(ctx context.Context, ev *types.Event) error

// Dispatcher accepts WorkItems for AsyncPool deliveries. Implemented by
// the plugin runtime on top of the worker pool.
type Dispatcher interface {
	Dispatch(item *types.WorkItem) error
}

// Filter is an optional payload predicate evaluated before delivery.
type Filter func(ev *types.Event) bool

// SubscribeOptions configure one subscription.
type SubscribeOptions struct {
	Mode DeliveryMode

	// PluginName identifies the consumer for AsyncPool deliveries.
	PluginName string

	// Handler receives SyncInline deliveries.
	Handler Handler

	// Filter, when set, must return true for the event to be delivered.
	Filter Filter
}

// Subscription is a live routing-table entry. Unsubscribe via the bus.
type Subscription struct {
	id      uint64
	scanID  string
	pattern types.EventType
	opts    SubscribeOptions
}

// Options configure the bus.
type Options struct {
	// WindowSize bounds concurrent in-flight publishes per scan.
	WindowSize int

	// PublishTimeout bounds how long Publish may block on backpressure
	// when the caller's context has no earlier deadline.
	PublishTimeout time.Duration

	// MaxSyncDepth bounds recursive publishes from inline handlers.
	MaxSyncDepth int
}

type scanState struct {
	mu       sync.RWMutex
	routes   map[types.EventType][]*Subscription
	wildcard []*Subscription
	seen     map[string]struct{}
	seq      atomic.Uint64
	closed   bool

	// window is a counting semaphore modelling the per-scan delivery ring.
	window chan struct{}
}

// Bus routes published events to matching subscribers within one scan,
// writing every event durably before fanout.
type Bus struct {
	backend    Backend
	dispatcher Dispatcher
	opts       Options
	logger     zerolog.Logger

	mu     sync.RWMutex
	scans  map[string]*scanState
	nextID atomic.Uint64

	// onInlineError, when set, receives errors returned by SyncInline
	// handlers. Fanout itself never fails on handler errors.
	onInlineError func(scanID, plugin string, ev *types.Event, err error)
}

// New creates a Bus over the given durable backend.
func New(backend Backend, dispatcher Dispatcher, opts Options) *Bus {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.MaxSyncDepth <= 0 {
		opts.MaxSyncDepth = 32
	}
	return &Bus{
		backend:    backend,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     log.WithComponent("bus"),
		scans:      make(map[string]*scanState),
	}
}

// SetInlineErrorFunc installs the sink for SyncInline handler errors.
func (b *Bus) SetInlineErrorFunc(fn func(scanID, plugin string, ev *types.Event, err error)) {
	b.onInlineError = fn
}

// OpenScan prepares routing state for a scan. Publishing or subscribing
// before OpenScan fails with ErrScanTerminated.
func (b *Bus) OpenScan(scanID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.scans[scanID]; ok {
		return
	}
	b.scans[scanID] = &scanState{
		routes: make(map[types.EventType][]*Subscription),
		seen:   make(map[string]struct{}),
		window: make(chan struct{}, b.opts.WindowSize),
	}
}

func (b *Bus) scan(scanID string) *scanState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scans[scanID]
}

// Subscribe registers a subscriber for an exact event type or the "*"
// wildcard within one scan. Returns a handle for Unsubscribe.
func (b *Bus) Subscribe(scanID string, pattern types.EventType, opts SubscribeOptions) (*Subscription, error) {
	st := b.scan(scanID)
	if st == nil {
		return nil, ErrScanTerminated
	}
	if opts.Mode == SyncInline && opts.Handler == nil {
		return nil, fmt.Errorf("inline subscription for %q has no handler", pattern)
	}
	if opts.Mode == AsyncPool && opts.PluginName == "" {
		return nil, fmt.Errorf("async subscription for %q has no plugin name", pattern)
	}

	sub := &Subscription{
		id:      b.nextID.Add(1),
		scanID:  scanID,
		pattern: pattern,
		opts:    opts,
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil, ErrScanTerminated
	}
	if pattern == types.EventTypeWildcard {
		st.wildcard = append(st.wildcard, sub)
	} else {
		st.routes[pattern] = append(st.routes[pattern], sub)
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Safe to call after Close.
func (b *Bus) Unsubscribe(sub *Subscription) {
	st := b.scan(sub.scanID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if sub.pattern == types.EventTypeWildcard {
		st.wildcard = removeSub(st.wildcard, sub.id)
		return
	}
	st.routes[sub.pattern] = removeSub(st.routes[sub.pattern], sub.id)
}

func removeSub(subs []*Subscription, id uint64) []*Subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

type depthKey struct{}

func inlineDepth(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Publish validates, sequences, durably persists and fans out one event.
// Duplicate event IDs are dropped after the first (idempotent no-op).
func (b *Bus) Publish(ctx context.Context, ev *types.Event) error {
	st := b.scan(ev.ScanID)
	if st == nil {
		return ErrScanTerminated
	}

	st.mu.RLock()
	closed := st.closed
	_, dup := st.seen[ev.ID]
	_, parentSeen := st.seen[ev.SourceEventID]
	st.mu.RUnlock()

	if closed {
		return ErrScanTerminated
	}
	if dup {
		return nil
	}
	if !ev.IsRoot() && !parentSeen {
		// The in-memory set only covers this process lifetime; after a
		// failover resume the parent may exist only in the durable log.
		ok, err := b.backend.HasEvent(ev.ScanID, ev.SourceEventID)
		if err != nil {
			return fmt.Errorf("causality check failed: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidCausality, ev.SourceEventID, ev.ID)
		}
	}

	if inlineDepth(ctx) >= b.opts.MaxSyncDepth {
		return fmt.Errorf("%w: depth %d", ErrDeliveryDepthExceeded, inlineDepth(ctx))
	}

	// Cooperative backpressure against the bounded delivery window.
	deadline := time.NewTimer(b.opts.PublishTimeout)
	defer deadline.Stop()
	select {
	case st.window <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrBackpressureTimeout, ctx.Err())
	case <-deadline.C:
		return ErrBackpressureTimeout
	}
	defer func() { <-st.window }()

	ev.Seq = st.seq.Add(1)
	if ev.Created.IsZero() {
		ev.Created = time.Now()
	}

	// Durable write before fanout: an event that exists can always be
	// re-driven from the log, which upholds at-least-once delivery.
	if err := b.backend.AppendDurable(ev); err != nil {
		return fmt.Errorf("durable write failed: %w", err)
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrScanTerminated
	}
	st.seen[ev.ID] = struct{}{}
	st.mu.Unlock()

	return b.fanout(ctx, st, ev)
}

// fanout dispatches the event to every matching subscription.
func (b *Bus) fanout(ctx context.Context, st *scanState, ev *types.Event) error {
	st.mu.RLock()
	matched := make([]*Subscription, 0, len(st.routes[ev.Type])+len(st.wildcard))
	matched = append(matched, st.routes[ev.Type]...)
	matched = append(matched, st.wildcard...)
	st.mu.RUnlock()

	for _, sub := range matched {
		if sub.opts.Filter != nil && !sub.opts.Filter(ev) {
			continue
		}
		switch sub.opts.Mode {
		case SyncInline:
			inlineCtx := context.WithValue(ctx, depthKey{}, inlineDepth(ctx)+1)
			if err := sub.opts.Handler(inlineCtx, ev); err != nil {
				if errors.Is(err, ErrDeliveryDepthExceeded) {
					return err
				}
				if b.onInlineError != nil {
					b.onInlineError(ev.ScanID, sub.opts.PluginName, ev, err)
				}
				b.logger.Warn().
					Str("scan_id", ev.ScanID).
					Str("type", string(ev.Type)).
					Err(err).
					Msg("inline handler failed")
			}
		case AsyncPool:
			item := &types.WorkItem{
				ID:         uuid.New().String(),
				ScanID:     ev.ScanID,
				PluginName: sub.opts.PluginName,
				Event:      ev,
				Attempt:    1,
				State:      types.WorkItemCreated,
				EnqueuedAt: time.Now(),
			}
			if err := b.dispatcher.Dispatch(item); err != nil {
				b.logger.Error().
					Str("scan_id", ev.ScanID).
					Str("plugin", sub.opts.PluginName).
					Err(err).
					Msg("failed to dispatch work item")
			}
		}
	}
	return nil
}

// Redrive replays the persisted event log of a scan through the current
// routing table. Safe to run against partially-delivered scans: consumers
// deduplicate by event ID.
func (b *Bus) Redrive(ctx context.Context, scanID string) error {
	st := b.scan(scanID)
	if st == nil {
		return ErrScanTerminated
	}
	return b.backend.Replay(scanID, func(ev *types.Event) error {
		st.mu.Lock()
		st.seen[ev.ID] = struct{}{}
		if ev.Seq > st.seq.Load() {
			st.seq.Store(ev.Seq)
		}
		st.mu.Unlock()
		return b.fanout(ctx, st, ev)
	})
}

// Close drains pending deliveries for a scan and rejects further
// publishes with ErrScanTerminated.
func (b *Bus) Close(scanID string) {
	st := b.scan(scanID)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()

	// Drain: claim the whole window so no publish is mid-flight.
	for i := 0; i < cap(st.window); i++ {
		st.window <- struct{}{}
	}

	b.mu.Lock()
	delete(b.scans, scanID)
	b.mu.Unlock()
}

// SequenceFor returns the last assigned publish sequence for a scan.
func (b *Bus) SequenceFor(scanID string) uint64 {
	st := b.scan(scanID)
	if st == nil {
		return 0
	}
	return st.seq.Load()
}
