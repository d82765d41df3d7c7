package plugin

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Plugin is the authoring contract every data-collection module
// implements. Descriptor is static; Setup runs once per scan; Handle is
// invoked once per matching delivery and may emit any number of events
// synchronously; Teardown runs exactly once at scan termination, even on
// abort.
type Plugin interface {
	Descriptor() types.PluginDescriptor
	Setup(pc *Context) error
	Handle(ctx context.Context, ev *types.Event) error
	Teardown() error
}

// Emitter publishes events back through the bus. Satisfied by *bus.Bus.
type Emitter interface {
	Publish(ctx context.Context, ev *types.Event) error
}

// ErrorReporter receives handler-reported errors outside the normal
// return path (e.g. partial failures the plugin recovered from).
type ErrorReporter interface {
	Record(scanID, module, location string, err error) *types.ErrorRecord
}

// Context is the per-scan handle a plugin receives at Setup. It carries
// everything the plugin needs to emit events, read its frozen option
// snapshot and report errors; plugins never hold a reference to the scan
// or the engine directly.
type Context struct {
	scanID   string
	plugin   string
	emitter  Emitter
	reporter ErrorReporter
	options  map[string]string
	logger   zerolog.Logger
}

// NewContext builds a plugin context. Used by the runtime and by tests.
func NewContext(scanID, plugin string, emitter Emitter, reporter ErrorReporter, options map[string]string, logger zerolog.Logger) *Context {
	if options == nil {
		options = map[string]string{}
	}
	return &Context{
		scanID:   scanID,
		plugin:   plugin,
		emitter:  emitter,
		reporter: reporter,
		options:  options,
		logger:   logger,
	}
}

// ScanID returns the owning scan.
func (c *Context) ScanID() string {
	return c.scanID
}

// Option returns one configuration value from the frozen snapshot.
func (c *Context) Option(key string) (string, bool) {
	v, ok := c.options[key]
	return v, ok
}

// OptionOr returns a configuration value or a default.
func (c *Context) OptionOr(key, def string) string {
	if v, ok := c.options[key]; ok {
		return v
	}
	return def
}

// Logger returns the plugin's scan-scoped logger.
func (c *Context) Logger() zerolog.Logger {
	return c.logger
}

// Emit publishes a new event caused by parent. The envelope is filled in
// here; plugins only supply the type and payload.
func (c *Context) Emit(ctx context.Context, parent *types.Event, t types.EventType, data string) error {
	ev := &types.Event{
		ID:            uuid.New().String(),
		ScanID:        c.scanID,
		Type:          t,
		Data:          data,
		Module:        c.plugin,
		SourceEventID: parent.ID,
		Created:       time.Now(),
		Risk:          types.RiskInfo,
		Confidence:    100,
	}
	return c.emitter.Publish(ctx, ev)
}

// EmitEvent publishes a fully populated event, filling in only the
// identity fields the plugin left empty.
func (c *Context) EmitEvent(ctx context.Context, ev *types.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.ScanID == "" {
		ev.ScanID = c.scanID
	}
	if ev.Module == "" {
		ev.Module = c.plugin
	}
	if ev.Risk == "" {
		ev.Risk = types.RiskInfo
	}
	if ev.SourceEventID == "" && !ev.IsRoot() {
		return fmt.Errorf("event %s has no source event", ev.ID)
	}
	return c.emitter.Publish(ctx, ev)
}

// ReportError surfaces a non-fatal error to telemetry without failing
// the handler invocation.
func (c *Context) ReportError(location string, err error) {
	if c.reporter != nil {
		c.reporter.Record(c.scanID, c.plugin, location, err)
	}
}
