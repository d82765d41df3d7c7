package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// ErrIllegalTransition is wrapped by transition errors for states the
// lifecycle graph does not connect.
var ErrIllegalTransition = errors.New("illegal scan state transition")

// legal is the scan lifecycle graph. Terminal states have no exits.
var legal = map[types.ScanStatus][]types.ScanStatus{
	types.ScanStatusCreated:   {types.ScanStatusStarting, types.ScanStatusAborting, types.ScanStatusFailed},
	types.ScanStatusStarting:  {types.ScanStatusRunning, types.ScanStatusAborting, types.ScanStatusFailed},
	types.ScanStatusRunning:   {types.ScanStatusFinishing, types.ScanStatusAborting, types.ScanStatusFailed},
	types.ScanStatusFinishing: {types.ScanStatusFinished, types.ScanStatusAborting, types.ScanStatusFailed},
	types.ScanStatusAborting:  {types.ScanStatusAborted, types.ScanStatusFailed},
}

// StatusSink persists lifecycle transitions. The storage layer
// satisfies it.
type StatusSink interface {
	SetScanStatus(scanID string, status types.ScanStatus) error
	AppendScanLog(scanID string, entry *types.ScanLogEntry) error
}

// Hooks are the engine-supplied callbacks the controller drives during
// shutdown phases. All are optional.
type Hooks struct {
	// OnFinishing drains remaining work and tears plugins down. A non-nil
	// error fails the scan instead of finishing it.
	OnFinishing func(ctx context.Context) error

	// OnAborting cancels in-flight work and tears plugins down. Runs with
	// a context bounded by the abort grace period.
	OnAborting func(ctx context.Context) error

	// OnTerminal fires exactly once with the terminal status.
	OnTerminal func(status types.ScanStatus)
}

// Options configure a Controller.
type Options struct {
	// QuietWindow is how long in-flight work must stay at zero with no
	// event traffic before a RUNNING scan is considered quiescent.
	QuietWindow time.Duration

	// AbortGrace bounds how long ABORTING waits for handlers before
	// forcing ABORTED.
	AbortGrace time.Duration

	// PollInterval is the quiescence check cadence.
	PollInterval time.Duration
}

// Controller owns one scan's lifecycle. It tracks in-flight work and
// event activity, detects quiescence, and serializes every state
// transition through the lifecycle graph, persisting each one.
type Controller struct {
	scanID string
	sink   StatusSink
	hooks  Hooks
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	status types.ScanStatus

	inflight     atomic.Int64
	lastActivity atomic.Int64 // unix nanos

	stopOnce sync.Once
	stopCh   chan struct{}
	doneOnce sync.Once
	done     chan struct{}
	termErr  error
}

// NewController creates a controller in CREATED.
func NewController(scanID string, sink StatusSink, hooks Hooks, opts Options) *Controller {
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = 2 * time.Second
	}
	if opts.AbortGrace <= 0 {
		opts.AbortGrace = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	c := &Controller{
		scanID: scanID,
		sink:   sink,
		hooks:  hooks,
		opts:   opts,
		logger: log.WithScanID(scanID),
		status: types.ScanStatusCreated,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.Touch()
	return c
}

// Status returns the current lifecycle state.
func (c *Controller) Status() types.ScanStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Transition moves the scan to the given state if the lifecycle graph
// allows it, persisting the change.
func (c *Controller) Transition(to types.ScanStatus) error {
	c.mu.Lock()
	from := c.status
	allowed := false
	for _, next := range legal[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	c.status = to
	c.mu.Unlock()

	c.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("scan state transition")
	if err := c.sink.SetScanStatus(c.scanID, to); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist scan status")
	}
	c.appendLog("INFO", fmt.Sprintf("state transition %s -> %s", from, to))
	return nil
}

// Begin moves CREATED through STARTING to RUNNING and starts the
// quiescence monitor.
func (c *Controller) Begin() error {
	if err := c.Transition(types.ScanStatusStarting); err != nil {
		return err
	}
	if err := c.Transition(types.ScanStatusRunning); err != nil {
		return err
	}
	c.Touch()
	go c.monitor()
	return nil
}

// TaskStarted registers one unit of in-flight work.
func (c *Controller) TaskStarted() {
	c.inflight.Add(1)
	c.Touch()
}

// TaskFinished retires one unit of in-flight work.
func (c *Controller) TaskFinished() {
	c.inflight.Add(-1)
	c.Touch()
}

// InFlight returns the current in-flight count.
func (c *Controller) InFlight() int64 {
	return c.inflight.Load()
}

// Touch records activity, restarting the quiet window. The bus calls it
// on every publish for the scan.
func (c *Controller) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Stop requests an abort. Safe to call from any non-terminal state and
// idempotent; the monitor completes the transition to ABORTED.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Fail moves the scan to FAILED from any non-terminal state. Used for
// engine-internal faults, never for plugin errors.
func (c *Controller) Fail(cause error) {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return
	}
	from := c.status
	c.status = types.ScanStatusFailed
	c.termErr = cause
	c.mu.Unlock()

	c.logger.Error().Str("from", string(from)).Err(cause).Msg("scan failed")
	if err := c.sink.SetScanStatus(c.scanID, types.ScanStatusFailed); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist scan status")
	}
	c.appendLog("ERROR", fmt.Sprintf("scan failed: %v", cause))
	c.finish(types.ScanStatusFailed)
}

// Wait blocks until the scan reaches a terminal state or the context is
// done, returning the terminal status.
func (c *Controller) Wait(ctx context.Context) (types.ScanStatus, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.status, c.termErr
	case <-ctx.Done():
		return c.Status(), ctx.Err()
	}
}

// monitor watches for quiescence and abort requests.
func (c *Controller) monitor() {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.abort()
			return

		case <-ticker.C:
			c.mu.Lock()
			status := c.status
			c.mu.Unlock()
			if status.Terminal() {
				c.finish(status)
				return
			}
			if status != types.ScanStatusRunning {
				continue
			}
			quietFor := time.Since(time.Unix(0, c.lastActivity.Load()))
			if c.inflight.Load() == 0 && quietFor >= c.opts.QuietWindow {
				c.quiesce()
				return
			}
		}
	}
}

// quiesce runs the FINISHING phase to completion.
func (c *Controller) quiesce() {
	if err := c.Transition(types.ScanStatusFinishing); err != nil {
		// Lost the race with an abort or failure; the winner finishes.
		return
	}
	if c.hooks.OnFinishing != nil {
		if err := c.hooks.OnFinishing(context.Background()); err != nil {
			c.Fail(fmt.Errorf("finishing phase: %w", err))
			return
		}
	}
	if err := c.Transition(types.ScanStatusFinished); err != nil {
		return
	}
	c.finish(types.ScanStatusFinished)
}

// abort runs the ABORTING phase, waiting up to the grace period for
// in-flight work to drain before declaring ABORTED.
func (c *Controller) abort() {
	if err := c.Transition(types.ScanStatusAborting); err != nil {
		// Already terminal.
		c.finish(c.Status())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.AbortGrace)
	defer cancel()

	if c.hooks.OnAborting != nil {
		if err := c.hooks.OnAborting(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("abort phase reported error")
		}
	}

	deadline := time.NewTimer(c.opts.AbortGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for c.inflight.Load() > 0 {
		select {
		case <-ticker.C:
		case <-deadline.C:
			c.logger.Warn().Int64("in_flight", c.inflight.Load()).Msg("abort grace elapsed with handlers still running")
			c.appendLog("WARN", "abort grace period elapsed before all handlers finished")
			goto terminal
		}
	}

terminal:
	if err := c.Transition(types.ScanStatusAborted); err != nil {
		c.finish(c.Status())
		return
	}
	c.finish(types.ScanStatusAborted)
}

func (c *Controller) finish(status types.ScanStatus) {
	c.doneOnce.Do(func() {
		if c.hooks.OnTerminal != nil {
			c.hooks.OnTerminal(status)
		}
		close(c.done)
	})
}

func (c *Controller) appendLog(level, message string) {
	entry := &types.ScanLogEntry{
		ScanID:    c.scanID,
		Timestamp: time.Now(),
		Level:     level,
		Module:    types.SystemModule,
		Message:   message,
	}
	if err := c.sink.AppendScanLog(c.scanID, entry); err != nil {
		c.logger.Debug().Err(err).Msg("failed to append scan log entry")
	}
}
