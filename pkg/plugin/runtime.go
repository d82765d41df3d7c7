package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/telemetry"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Outcome is the sum-type result of one handler invocation. Errors are
// caught at this boundary; the scan never observes a raised panic.
type Outcome struct {
	Err       error
	Category  types.ErrorCategory
	Panicked  bool
	Abandoned bool // handler ignored cancellation past the hard timeout
	Canceled  bool // the scan was stopped; not an error and never retried
}

// OK reports a successful invocation.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// RuntimeOptions configure handler execution bounds.
type RuntimeOptions struct {
	// SoftTimeout cancels the handler's context when it expires.
	SoftTimeout time.Duration

	// HardTimeout abandons a handler that ignored cancellation. The
	// goroutine is left to finish on its own; the work item is
	// dead-lettered with category TIMEOUT.
	HardTimeout time.Duration
}

// Runtime owns one scan's plugin instances and the isolated dispatch of
// events to their handlers.
type Runtime struct {
	scanID    string
	emitter   Emitter
	telemetry *telemetry.Store
	opts      RuntimeOptions
	logger    zerolog.Logger

	mu       sync.Mutex
	plugins  map[string]Plugin
	tornDown map[string]bool
}

// NewRuntime creates a runtime for one scan.
func NewRuntime(scanID string, emitter Emitter, store *telemetry.Store, opts RuntimeOptions) *Runtime {
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 2 * time.Minute
	}
	if opts.HardTimeout <= opts.SoftTimeout {
		opts.HardTimeout = opts.SoftTimeout + 3*time.Minute
	}
	return &Runtime{
		scanID:    scanID,
		emitter:   emitter,
		telemetry: store,
		opts:      opts,
		logger:    log.WithScanID(scanID),
		plugins:   make(map[string]Plugin),
		tornDown:  make(map[string]bool),
	}
}

// AddPlugin instantiates the plugin's context and runs Setup.
func (r *Runtime) AddPlugin(p Plugin, options map[string]string) error {
	desc := p.Descriptor()
	pc := NewContext(r.scanID, desc.Name, r.emitter, r.telemetry, options, log.WithModule(desc.Name))
	if err := p.Setup(pc); err != nil {
		return fmt.Errorf("setup failed for %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[desc.Name]; exists {
		return fmt.Errorf("plugin already added to scan: %s", desc.Name)
	}
	r.plugins[desc.Name] = p
	return nil
}

// Plugins returns the names of all installed plugins.
func (r *Runtime) Plugins() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Invoke runs one handler invocation with full isolation: panics are
// recovered, the soft timeout escalates to context cancellation, and the
// hard timeout abandons the handler.
func (r *Runtime) Invoke(ctx context.Context, item *types.WorkItem) Outcome {
	r.mu.Lock()
	p, ok := r.plugins[item.PluginName]
	r.mu.Unlock()
	if !ok {
		err := fmt.Errorf("plugin not installed for scan: %s", item.PluginName)
		return Outcome{Err: err, Category: types.ErrorInternal}
	}

	hctx, cancel := context.WithTimeout(ctx, r.opts.SoftTimeout)
	defer cancel()

	type result struct {
		err      error
		panicked bool
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("plugin", item.PluginName).
					Interface("panic", rec).
					Msg("handler panicked")
				done <- result{
					err:      telemetry.Classify(types.ErrorInternal, fmt.Errorf("panic in %s: %v\n%s", item.PluginName, rec, debug.Stack())),
					panicked: true,
				}
			}
		}()
		done <- result{err: p.Handle(hctx, item.Event)}
	}()

	hardTimer := time.NewTimer(r.opts.HardTimeout)
	defer hardTimer.Stop()

	select {
	case res := <-done:
		if res.err == nil {
			return Outcome{}
		}
		// A handler bailing out because the scan itself was stopped is
		// cancellation, not a module failure: no telemetry, no retry.
		if errors.Is(res.err, context.Canceled) && ctx.Err() != nil {
			return Outcome{Err: res.err, Canceled: true}
		}
		category := telemetry.Categorize(res.err)
		location := fmt.Sprintf("%s.Handle", item.PluginName)
		r.telemetry.RecordCategorized(item.ScanID, item.PluginName, location, category, res.err)
		return Outcome{Err: res.err, Category: category, Panicked: res.panicked}

	case <-hardTimer.C:
		// The handler ignored cancellation; abandon it.
		err := fmt.Errorf("handler abandoned after hard timeout %v: %s", r.opts.HardTimeout, item.PluginName)
		location := fmt.Sprintf("%s.Handle", item.PluginName)
		r.telemetry.RecordCategorized(item.ScanID, item.PluginName, location, types.ErrorTimeout, err)
		return Outcome{Err: err, Category: types.ErrorTimeout, Abandoned: true}
	}
}

// TeardownAll invokes Teardown exactly once per plugin, even when called
// multiple times or after partial teardown. Teardown errors are logged
// and recorded, never propagated.
func (r *Runtime) TeardownAll() {
	r.mu.Lock()
	pending := make(map[string]Plugin)
	for name, p := range r.plugins {
		if !r.tornDown[name] {
			r.tornDown[name] = true
			pending[name] = p
		}
	}
	r.mu.Unlock()

	for name, p := range pending {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Str("plugin", name).Interface("panic", rec).Msg("teardown panicked")
				}
			}()
			if err := p.Teardown(); err != nil {
				r.logger.Warn().Str("plugin", name).Err(err).Msg("teardown failed")
				r.telemetry.Record(r.scanID, name, name+".Teardown", err)
			}
		}()
	}
}
