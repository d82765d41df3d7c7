package types

import (
	"time"
)

// EventType is a symbolic event type from an open registry. Unknown types
// are accepted; producing modules declare them in their descriptor.
type EventType string

const (
	// EventTypeRoot is the synthetic seed event representing the scan target.
	EventTypeRoot EventType = "ROOT"

	// EventTypeWildcard matches every event type in a subscription pattern.
	EventTypeWildcard EventType = "*"
)

// Common event types produced by the built-in module corpus. The registry
// is open; these constants only cover types the engine itself references.
const (
	EventTypeDomainName EventType = "DOMAIN_NAME"
	EventTypeIPAddress  EventType = "IP_ADDRESS"
	EventTypeNetblock   EventType = "NETBLOCK"
	EventTypeEmailAddr  EventType = "EMAILADDR"
	EventTypeUsername   EventType = "USERNAME"
	EventTypeASN        EventType = "BGP_AS_OWNER"
)

// SystemModule is the module name recorded on engine-produced events (ROOT).
const SystemModule = "SYSTEM"

// Risk tags an event with an assessed severity.
type Risk string

const (
	RiskInfo     Risk = "INFO"
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
	RiskUnknown  Risk = "UNKNOWN"
)

// Event is the immutable record exchanged through the bus. Events are never
// mutated after publication; false-positive marking lives on the storage
// record, not on the in-flight event.
type Event struct {
	ID            string
	ScanID        string
	Type          EventType
	Data          string
	Module        string // producing module, or SystemModule for ROOT
	SourceEventID string // causal parent; empty only for ROOT
	Seq           uint64 // per-scan publish sequence, assigned by the bus
	Created       time.Time
	Risk          Risk
	Confidence    int // 0-100
	FalsePositive bool
}

// IsRoot reports whether the event is the scan's seed event.
func (e *Event) IsRoot() bool {
	return e.Type == EventTypeRoot && e.SourceEventID == ""
}

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusCreated   ScanStatus = "created"
	ScanStatusStarting  ScanStatus = "starting"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusFinishing ScanStatus = "finishing"
	ScanStatusAborting  ScanStatus = "aborting"
	ScanStatusFinished  ScanStatus = "finished"
	ScanStatusAborted   ScanStatus = "aborted"
	ScanStatusFailed    ScanStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s ScanStatus) Terminal() bool {
	return s == ScanStatusFinished || s == ScanStatusAborted || s == ScanStatusFailed
}

// ScanMetrics tracks per-scan counters.
type ScanMetrics struct {
	EventsProduced int64
	Errors         int64
	Retries        int64
}

// Scan is the owning context for a pipeline run.
type Scan struct {
	ID          string
	Name        string
	TargetValue string
	TargetType  EventType
	Status      ScanStatus
	CreatedAt   time.Time
	StartedAt   time.Time
	EndedAt     time.Time

	// Modules is the resolved module set, frozen at STARTING.
	Modules []string

	// Config is the frozen per-module option snapshot.
	Config map[string]map[string]string

	// Priority selects the queue lane scan work is admitted on.
	Priority Priority

	// RequiredTags restricts multi-node placement to nodes carrying all tags.
	RequiredTags []string

	Metrics ScanMetrics
}

// PluginDescriptor is the static registration record for a module.
type PluginDescriptor struct {
	Name           string
	WatchedEvents  []EventType
	ProducedEvents []EventType
	RequiredInputs []EventType // subset of WatchedEvents
	OptionalInputs []EventType
	Flags          []string // labels like "slow", "invasive", "apiKey"
	Category       string
}

// Watches reports whether the descriptor's watched set contains t.
func (d PluginDescriptor) Watches(t EventType) bool {
	for _, w := range d.WatchedEvents {
		if w == t {
			return true
		}
	}
	return false
}

// Produces reports whether the descriptor's produced set contains t.
func (d PluginDescriptor) Produces(t EventType) bool {
	for _, p := range d.ProducedEvents {
		if p == t {
			return true
		}
	}
	return false
}

// Priority selects a queue lane.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the lane label used in logs and metrics.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// WorkItemState tracks a queued handler invocation through its lifecycle.
type WorkItemState string

const (
	WorkItemCreated        WorkItemState = "created"
	WorkItemInFlight       WorkItemState = "in_flight"
	WorkItemCompleted      WorkItemState = "completed"
	WorkItemRetryScheduled WorkItemState = "retry_scheduled"
	WorkItemDeadLettered   WorkItemState = "dead_lettered"
)

// WorkItem is a queued handler invocation: deliver Event to PluginName.
type WorkItem struct {
	ID         string
	ScanID     string
	PluginName string
	Event      *Event
	Attempt    int
	State      WorkItemState
	EnqueuedAt time.Time
}

// ErrorCategory classifies a caught handler error.
type ErrorCategory string

const (
	ErrorTransientNetwork ErrorCategory = "TRANSIENT_NETWORK"
	ErrorAuth             ErrorCategory = "AUTH"
	ErrorDataParse        ErrorCategory = "DATA_PARSE"
	ErrorTimeout          ErrorCategory = "TIMEOUT"
	ErrorResource         ErrorCategory = "RESOURCE"
	ErrorInternal         ErrorCategory = "INTERNAL"
	ErrorUnknown          ErrorCategory = "UNKNOWN"
)

// Transient reports whether work failing with this category is retried.
func (c ErrorCategory) Transient() bool {
	switch c {
	case ErrorTransientNetwork, ErrorTimeout, ErrorResource:
		return true
	default:
		return false
	}
}

// ErrorRecord is a telemetry entry for one caught handler error.
type ErrorRecord struct {
	Fingerprint string
	Category    ErrorCategory
	ScanID      string
	Module      string
	Location    string // handler location, e.g. "sfp_dnsresolve.Handle"
	Message     string
	SampleStack string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int64
}

// DeadLetterReason records why an item landed in the DLQ.
type DeadLetterReason string

const (
	DeadLetterRetryExhausted DeadLetterReason = "RETRY_EXHAUSTED"
	DeadLetterPermanent      DeadLetterReason = "PERMANENT_ERROR"
	DeadLetterQueueEvicted   DeadLetterReason = "QUEUE_EVICTED"
	DeadLetterDepthExceeded  DeadLetterReason = "DEPTH_EXCEEDED"
	DeadLetterTimeout        DeadLetterReason = "TIMEOUT"
)

// DeadLetter is the terminal record for a work item that will not run again.
type DeadLetter struct {
	ID          string
	ScanID      string
	PluginName  string
	EventID     string
	Attempts    int
	Reason      DeadLetterReason
	Fingerprint string // last error fingerprint, if any
	CreatedAt   time.Time
}

// NodeHealth represents the reachability assessment of a scanner node.
type NodeHealth string

const (
	NodeHealthy     NodeHealth = "healthy"
	NodeDegraded    NodeHealth = "degraded"
	NodeUnreachable NodeHealth = "unreachable"
)

// ScannerNode is one process instance in a multi-node deployment.
type ScannerNode struct {
	ID            string
	Endpoint      string
	Capacity      int
	CurrentLoad   int
	Tags          []string
	Health        NodeHealth
	LastHeartbeat time.Time
	MissedBeats   int
	RegisteredAt  time.Time
}

// HasTags reports whether the node carries every tag in required.
func (n *ScannerNode) HasTags(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range n.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// ScanLogEntry is one line in a scan's per-scan log stream.
type ScanLogEntry struct {
	ScanID    string
	Timestamp time.Time
	Level     string
	Module    string
	Message   string
}

// EventFilter narrows ListEvents queries. Zero values match everything.
type EventFilter struct {
	Type             EventType
	Module           string
	Risk             Risk
	SinceSeq         uint64
	NoFalsePositives bool
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev *Event) bool {
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Module != "" && ev.Module != f.Module {
		return false
	}
	if f.Risk != "" && ev.Risk != f.Risk {
		return false
	}
	if f.SinceSeq > 0 && ev.Seq < f.SinceSeq {
		return false
	}
	if f.NoFalsePositives && ev.FalsePositive {
		return false
	}
	return true
}

// Page bounds a paginated query. A zero Limit means no bound.
type Page struct {
	Offset int
	Limit  int
}
