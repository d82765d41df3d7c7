package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/bus"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/config"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/metrics"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/plugin"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/queue"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/resolver"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/retry"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/scan"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/storage"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/telemetry"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/worker"
)

var (
	// ErrScanNotFound is returned for operations on unknown scan IDs.
	ErrScanNotFound = errors.New("scan not found")

	// ErrScanNotActive is returned when a lifecycle operation needs the
	// scan to be running on this node.
	ErrScanNotActive = errors.New("scan is not active on this node")
)

// activeScan bundles the live state of one scan on this node. Counters
// live here as atomics; they fold into the persisted ScanMetrics only
// through snapshot.
type activeScan struct {
	scan    *types.Scan
	ctrl    *scan.Controller
	runtime *plugin.Runtime
	subs    []*bus.Subscription

	events  atomic.Int64
	errs    atomic.Int64
	retries atomic.Int64
}

// snapshot copies the scan with the live counters folded in, so persist
// paths never read a counter another goroutine is still incrementing.
func (as *activeScan) snapshot() *types.Scan {
	cp := *as.scan
	cp.Metrics = types.ScanMetrics{
		EventsProduced: as.events.Load(),
		Errors:         as.errs.Load(),
		Retries:        as.retries.Load(),
	}
	return &cp
}

// Engine is the composition root: it owns the store, bus, queue, worker
// pool, retry layer and telemetry, and drives scans through their
// lifecycle.
type Engine struct {
	cfg       *config.Config
	store     storage.Store
	bus       *bus.Bus
	pool      *worker.Pool
	queue     *queue.Queue
	retrier   *retry.Retrier
	telemetry *telemetry.Store
	registry  *plugin.Registry
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[string]*activeScan

	runCtx  context.Context
	runStop context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine from configuration. The registry carries the
// available plugin corpus; the engine never registers plugins itself.
func New(cfg *config.Config, store storage.Store, registry *plugin.Registry) *Engine {
	e := &Engine{
		cfg:      cfg,
		store:    store,
		registry: registry,
		logger:   log.WithComponent("engine"),
		active:   make(map[string]*activeScan),
	}

	e.telemetry = telemetry.NewStore(telemetry.Options{
		RingSize: cfg.Telemetry.RingSize,
		Windows:  cfg.Telemetry.Windows,
	})
	e.telemetry.SetArchiver(store)

	e.retrier = retry.New(retry.Options{
		Ceiling:  cfg.Retry.Ceiling,
		Base:     cfg.Retry.Base,
		Factor:   cfg.Retry.Factor,
		Cap:      cfg.Retry.Cap,
		Policies: categoryOverrides(cfg.Retry.CategoryCeilings),
	})

	e.queue = queue.New(queue.Options{
		High:           laneOptions(cfg.Queue.High),
		Normal:         laneOptions(cfg.Queue.Normal),
		Low:            laneOptions(cfg.Queue.Low),
		EnqueueTimeout: cfg.Queue.EnqueueTimeout,
	}, store)
	for _, th := range cfg.Queue.PressureThresholds {
		threshold := th
		e.queue.OnPressure(threshold, func(pressure float64) {
			e.logger.Warn().Float64("pressure", pressure).Float64("threshold", threshold).Msg("queue pressure threshold crossed")
		})
	}

	e.pool = worker.NewPool(cfg.WorkerCount(), cfg.Worker.TaskBuffer)

	e.bus = bus.New(bus.NewStoreBackend(store), e, bus.Options{
		WindowSize:     cfg.Bus.WindowSize,
		PublishTimeout: cfg.Bus.PublishTimeout,
		MaxSyncDepth:   cfg.Bus.MaxSyncDepth,
	})
	e.bus.SetInlineErrorFunc(func(scanID, pluginName string, ev *types.Event, err error) {
		e.telemetry.Record(scanID, pluginName, pluginName+".Handle", err)
	})

	return e
}

func laneOptions(lc config.LaneConfig) queue.LaneOptions {
	var p queue.Policy
	switch lc.Policy {
	case config.PolicyReject:
		p = queue.Reject
	case config.PolicyDropOldest:
		p = queue.DropOldest
	default:
		p = queue.Block
	}
	return queue.LaneOptions{Capacity: lc.Capacity, Weight: lc.Weight, Policy: p}
}

func categoryOverrides(ceilings map[string]int) map[types.ErrorCategory]retry.Policy {
	if len(ceilings) == 0 {
		return nil
	}
	base := retry.New(retry.Options{})
	out := make(map[types.ErrorCategory]retry.Policy, len(ceilings))
	for name, ceiling := range ceilings {
		cat := types.ErrorCategory(strings.ToUpper(name))
		if !base.Retryable(cat) {
			continue
		}
		out[cat] = retry.Policy{Strategy: retry.Exponential, Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, Ceiling: ceiling}
	}
	return out
}

// Start launches the dispatch loop. Call once.
func (e *Engine) Start() {
	e.runCtx, e.runStop = context.WithCancel(context.Background())
	e.wg.Add(1)
	go e.dispatchLoop()
	e.logger.Info().Msg("engine started")
}

// Shutdown stops dispatch, aborts active scans and closes the pool.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	actives := make([]*activeScan, 0, len(e.active))
	for _, as := range e.active {
		actives = append(actives, as)
	}
	e.mu.Unlock()

	for _, as := range actives {
		as.ctrl.Stop()
	}
	for _, as := range actives {
		if _, err := as.ctrl.Wait(ctx); err != nil {
			e.logger.Warn().Str("scan_id", as.scan.ID).Err(err).Msg("scan did not reach terminal state before shutdown deadline")
		}
	}

	if e.runStop != nil {
		e.runStop()
	}
	e.queue.Close()
	e.wg.Wait()
	e.pool.Shutdown()
	e.logger.Info().Msg("engine stopped")
}

// Telemetry exposes the error telemetry store.
func (e *Engine) Telemetry() *telemetry.Store {
	return e.telemetry
}

// Registry exposes the plugin registry.
func (e *Engine) Registry() *plugin.Registry {
	return e.registry
}

// Store exposes the persistence layer for read paths.
func (e *Engine) Store() storage.Store {
	return e.store
}

// CreateScanRequest describes a new scan.
type CreateScanRequest struct {
	Name        string
	TargetValue string
	TargetType  types.EventType

	// Modules selects an explicit module set. When empty, Outputs drives
	// module resolution instead.
	Modules []string

	// Outputs are desired event types; the resolver computes the minimal
	// module set producing them from the target type.
	Outputs []types.EventType

	Config       map[string]map[string]string
	Priority     types.Priority
	RequiredTags []string
}

// CreateScan validates the request, resolves the module set and
// persists the scan in CREATED.
func (e *Engine) CreateScan(req CreateScanRequest) (*types.Scan, error) {
	if req.TargetValue == "" {
		return nil, fmt.Errorf("scan target value is required")
	}
	if req.TargetType == "" {
		req.TargetType = types.EventTypeDomainName
	}

	modules := req.Modules
	if len(modules) == 0 {
		res, err := resolver.Resolve(e.registry.List(), req.TargetType, req.Outputs)
		if err != nil {
			return nil, fmt.Errorf("module resolution failed: %w", err)
		}
		modules = res.Modules
		for _, missing := range res.Diagnostics.UnsatisfiedOutputs {
			e.logger.Warn().Str("output", string(missing)).Msg("requested output is unreachable from the target type")
		}
		for _, edge := range res.Diagnostics.BrokenEdges {
			e.logger.Debug().Str("edge", edge.String()).Msg("broke module cycle for initialization ordering")
		}
	}
	for _, m := range modules {
		if !e.registry.Has(m) {
			return nil, fmt.Errorf("unknown module: %s", m)
		}
	}
	if err := e.registry.ValidateOptions(req.Config); err != nil {
		return nil, fmt.Errorf("invalid scan config: %w", err)
	}

	s := &types.Scan{
		ID:           uuid.New().String(),
		Name:         req.Name,
		TargetValue:  req.TargetValue,
		TargetType:   req.TargetType,
		Status:       types.ScanStatusCreated,
		CreatedAt:    time.Now(),
		Modules:      modules,
		Config:       req.Config,
		Priority:     req.Priority,
		RequiredTags: req.RequiredTags,
	}
	if s.Name == "" {
		s.Name = s.TargetValue
	}
	if err := e.store.UpsertScan(s); err != nil {
		return nil, fmt.Errorf("failed to persist scan: %w", err)
	}
	e.logger.Info().Str("scan_id", s.ID).Str("target", s.TargetValue).Int("modules", len(modules)).Msg("scan created")
	return s, nil
}

// StartScan moves a CREATED scan to RUNNING: it instantiates plugins,
// wires subscriptions, starts the lifecycle controller and publishes
// the ROOT event.
func (e *Engine) StartScan(ctx context.Context, scanID string) error {
	return e.launch(ctx, scanID, false)
}

// ResumeScan restarts an interrupted scan on this node by re-driving
// its durable event log through a fresh routing table. Consumers
// deduplicate by event ID, so replaying already-processed events is
// harmless.
func (e *Engine) ResumeScan(ctx context.Context, scanID string) error {
	return e.launch(ctx, scanID, true)
}

func (e *Engine) launch(ctx context.Context, scanID string, resume bool) error {
	s, err := e.store.GetScan(scanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrScanNotFound
		}
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("scan %s already terminal: %s", scanID, s.Status)
	}

	e.mu.Lock()
	if _, dup := e.active[scanID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("scan already active: %s", scanID)
	}
	e.mu.Unlock()

	if resume {
		// Re-drive starts from a clean lifecycle; reset persisted status so
		// the controller's transition graph holds.
		s.Status = types.ScanStatusCreated
		if err := e.store.SetScanStatus(scanID, s.Status); err != nil {
			return fmt.Errorf("failed to reset scan status: %w", err)
		}
	}

	e.bus.OpenScan(scanID)

	rt := plugin.NewRuntime(scanID, &scanEmitter{engine: e, scanID: scanID}, e.telemetry, plugin.RuntimeOptions{
		SoftTimeout: e.cfg.Worker.SoftTimeout,
		HardTimeout: e.cfg.Worker.HardTimeout,
	})

	as := &activeScan{scan: s, runtime: rt}
	as.ctrl = scan.NewController(scanID, e.store, scan.Hooks{
		OnFinishing: func(ctx context.Context) error { return e.finishScan(ctx, as) },
		OnAborting:  func(ctx context.Context) error { return e.abortScan(ctx, as) },
		OnTerminal:  func(status types.ScanStatus) { e.retire(as, status) },
	}, scan.Options{
		QuietWindow: e.cfg.Scan.QuietWindow,
		AbortGrace:  e.cfg.Scan.AbortGrace,
	})

	// Setup in resolver order; a setup failure tears down what started.
	for _, name := range s.Modules {
		p, err := e.registry.Instantiate(name)
		if err != nil {
			rt.TeardownAll()
			e.bus.Close(scanID)
			return err
		}
		if err := rt.AddPlugin(p, s.Config[name]); err != nil {
			rt.TeardownAll()
			e.bus.Close(scanID)
			return fmt.Errorf("module %s: %w", name, err)
		}
		desc := p.Descriptor()
		for _, watched := range desc.WatchedEvents {
			sub, err := e.bus.Subscribe(scanID, watched, bus.SubscribeOptions{
				Mode:       bus.AsyncPool,
				PluginName: name,
			})
			if err != nil {
				rt.TeardownAll()
				e.bus.Close(scanID)
				return fmt.Errorf("module %s: %w", name, err)
			}
			as.subs = append(as.subs, sub)
		}
	}

	e.pool.RegisterScan(context.Background(), scanID)

	e.mu.Lock()
	e.active[scanID] = as
	e.mu.Unlock()
	metrics.ScansActive.Inc()

	if err := as.ctrl.Begin(); err != nil {
		e.retire(as, types.ScanStatusFailed)
		return err
	}
	s.StartedAt = time.Now()
	if err := e.store.UpsertScan(s); err != nil {
		e.logger.Warn().Str("scan_id", scanID).Err(err).Msg("failed to persist scan start time")
	}

	if resume {
		if err := e.bus.Redrive(ctx, scanID); err != nil {
			as.ctrl.Fail(fmt.Errorf("event log re-drive failed: %w", err))
			return err
		}
		as.ctrl.Touch()
		return nil
	}

	root := &types.Event{
		ID:         uuid.New().String(),
		ScanID:     scanID,
		Type:       types.EventTypeRoot,
		Data:       s.TargetValue,
		Module:     types.SystemModule,
		Created:    time.Now(),
		Risk:       types.RiskInfo,
		Confidence: 100,
	}
	if err := e.publish(ctx, as, root); err != nil {
		as.ctrl.Fail(fmt.Errorf("failed to publish root event: %w", err))
		return err
	}
	return nil
}

// StopScan requests an abort. Idempotent; no-op error for unknown or
// inactive scans.
func (e *Engine) StopScan(scanID string) error {
	as := e.lookup(scanID)
	if as == nil {
		return ErrScanNotActive
	}
	as.ctrl.Stop()
	return nil
}

// WaitScan blocks until the scan reaches a terminal state.
func (e *Engine) WaitScan(ctx context.Context, scanID string) (types.ScanStatus, error) {
	as := e.lookup(scanID)
	if as == nil {
		// Not active here; report the persisted state.
		s, err := e.store.GetScan(scanID)
		if err != nil {
			return "", ErrScanNotFound
		}
		if s.Status.Terminal() {
			return s.Status, nil
		}
		return s.Status, ErrScanNotActive
	}
	return as.ctrl.Wait(ctx)
}

// ScanStatus returns the lifecycle state of a scan, live when active
// and persisted otherwise.
func (e *Engine) ScanStatus(scanID string) (types.ScanStatus, error) {
	if as := e.lookup(scanID); as != nil {
		return as.ctrl.Status(), nil
	}
	s, err := e.store.GetScan(scanID)
	if err != nil {
		return "", ErrScanNotFound
	}
	return s.Status, nil
}

func (e *Engine) lookup(scanID string) *activeScan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[scanID]
}

// publish routes an event through the bus and refreshes scan activity.
func (e *Engine) publish(ctx context.Context, as *activeScan, ev *types.Event) error {
	if err := e.bus.Publish(ctx, ev); err != nil {
		return err
	}
	as.ctrl.Touch()
	as.events.Add(1)
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// scanEmitter adapts the bus into the plugin Emitter, keeping the scan
// controller's activity clock in step with plugin output.
type scanEmitter struct {
	engine *Engine
	scanID string
}

func (se *scanEmitter) Publish(ctx context.Context, ev *types.Event) error {
	as := se.engine.lookup(se.scanID)
	if as == nil {
		return bus.ErrScanTerminated
	}
	return se.engine.publish(ctx, as, ev)
}

// Dispatch implements bus.Dispatcher: AsyncPool deliveries land in the
// scan queue on the owning scan's priority lane.
func (e *Engine) Dispatch(item *types.WorkItem) error {
	as := e.lookup(item.ScanID)
	if as == nil {
		return ErrScanNotActive
	}

	as.ctrl.TaskStarted()
	lane := as.scan.Priority
	if err := e.queue.Enqueue(e.runCtx, item, lane); err != nil {
		as.ctrl.TaskFinished()
		return err
	}
	metrics.WorkItemsDispatched.WithLabelValues(lane.String()).Inc()
	metrics.QueuePressure.Set(e.queue.Pressure())
	return nil
}

// dispatchLoop pulls work items off the queue and hands them to the
// shared pool.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		item, err := e.queue.Dequeue(e.runCtx)
		if err != nil {
			return
		}
		it := item
		if err := e.pool.Submit(e.runCtx, it.ScanID, func(ctx context.Context) {
			e.runItem(ctx, it)
		}); err != nil {
			e.settleDropped(it)
			if errors.Is(err, worker.ErrPoolClosed) {
				return
			}
		}
	}
}

func (e *Engine) settleDropped(item *types.WorkItem) {
	if as := e.lookup(item.ScanID); as != nil {
		as.ctrl.TaskFinished()
	}
}

// runItem executes one handler invocation and settles its outcome.
func (e *Engine) runItem(ctx context.Context, item *types.WorkItem) {
	as := e.lookup(item.ScanID)
	if as == nil || as.ctrl.Status().Terminal() {
		e.settleDropped(item)
		return
	}
	if ctx.Err() != nil {
		// Scan context canceled while queued.
		as.ctrl.TaskFinished()
		return
	}

	outcome := as.runtime.Invoke(ctx, item)
	switch {
	case outcome.OK():
		item.State = types.WorkItemCompleted
		as.ctrl.TaskFinished()
		metrics.WorkItemsCompleted.WithLabelValues("ok").Inc()

	case outcome.Canceled:
		// The scan is stopping; drop the item without error accounting
		// so the abort settles as soon as in-flight work drains.
		as.ctrl.TaskFinished()
		metrics.WorkItemsCompleted.WithLabelValues("canceled").Inc()

	case outcome.Abandoned:
		fp := telemetry.Fingerprint(outcome.Category, item.PluginName+".Handle", outcome.Err.Error())
		e.queue.DeadLetter(item, types.DeadLetterTimeout, fp)
		as.errs.Add(1)
		as.ctrl.TaskFinished()
		metrics.WorkItemsCompleted.WithLabelValues("abandoned").Inc()
		metrics.DeadLetters.WithLabelValues(string(types.DeadLetterTimeout)).Inc()
		metrics.HandlerErrors.WithLabelValues(string(outcome.Category)).Inc()

	default:
		as.errs.Add(1)
		metrics.HandlerErrors.WithLabelValues(string(outcome.Category)).Inc()
		e.settleFailure(as, item, outcome)
	}
}

// settleFailure applies the retry policy to a failed invocation. The
// item stays in-flight across the backoff delay so the scan cannot
// quiesce with a retry pending.
func (e *Engine) settleFailure(as *activeScan, item *types.WorkItem, outcome plugin.Outcome) {
	fp := telemetry.Fingerprint(outcome.Category, item.PluginName+".Handle", outcome.Err.Error())

	delay, ok := e.retrier.Decision(outcome.Category, item.Attempt)
	if !ok {
		reason := types.DeadLetterRetryExhausted
		if !e.retrier.Retryable(outcome.Category) {
			reason = types.DeadLetterPermanent
		}
		e.queue.DeadLetter(item, reason, fp)
		as.ctrl.TaskFinished()
		metrics.WorkItemsCompleted.WithLabelValues("dead_lettered").Inc()
		metrics.DeadLetters.WithLabelValues(string(reason)).Inc()
		return
	}

	as.retries.Add(1)
	metrics.Retries.Inc()
	metrics.WorkItemsCompleted.WithLabelValues("retried").Inc()
	ceiling := e.retrier.Ceiling(outcome.Category)

	time.AfterFunc(delay, func() {
		if as.ctrl.Status().Terminal() {
			as.ctrl.TaskFinished()
			return
		}
		if err := e.queue.Requeue(e.runCtx, item, ceiling, fp); err != nil {
			e.logger.Warn().Str("scan_id", item.ScanID).Err(err).Msg("retry requeue failed")
			as.ctrl.TaskFinished()
			return
		}
		if item.State == types.WorkItemDeadLettered {
			// Requeue hit the ceiling and dead-lettered instead.
			as.ctrl.TaskFinished()
			metrics.DeadLetters.WithLabelValues(string(types.DeadLetterRetryExhausted)).Inc()
		}
	})
}

// finishScan runs the FINISHING phase: close intake, tear plugins down,
// stamp the end time.
func (e *Engine) finishScan(_ context.Context, as *activeScan) error {
	e.bus.Close(as.scan.ID)
	as.runtime.TeardownAll()
	return e.stampEnd(as)
}

// abortScan cancels in-flight work and tears plugins down under the
// grace deadline.
func (e *Engine) abortScan(_ context.Context, as *activeScan) error {
	e.pool.CancelScan(as.scan.ID)
	e.bus.Close(as.scan.ID)
	as.runtime.TeardownAll()
	return e.stampEnd(as)
}

func (e *Engine) stampEnd(as *activeScan) error {
	as.scan.EndedAt = time.Now()
	if err := e.store.UpsertScan(as.snapshot()); err != nil {
		return fmt.Errorf("failed to persist scan end: %w", err)
	}
	return nil
}

// retire removes a terminal scan from the active set.
func (e *Engine) retire(as *activeScan, status types.ScanStatus) {
	e.mu.Lock()
	_, present := e.active[as.scan.ID]
	delete(e.active, as.scan.ID)
	e.mu.Unlock()
	if !present {
		return
	}

	e.pool.ReleaseScan(as.scan.ID)
	as.scan.Status = status
	final := as.snapshot()
	if err := e.store.UpsertScan(final); err != nil {
		e.logger.Warn().Str("scan_id", as.scan.ID).Err(err).Msg("failed to persist terminal scan state")
	}
	metrics.ScansActive.Dec()
	metrics.ScanTransitions.WithLabelValues(string(status)).Inc()
	e.logger.Info().Str("scan_id", as.scan.ID).Str("status", string(status)).
		Int64("events", final.Metrics.EventsProduced).
		Int64("errors", final.Metrics.Errors).
		Msg("scan retired")
}
