package storage

import (
	"errors"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence contract the engine consumes. Any backend
// that satisfies it works: the shipped implementation is BoltDB, but the
// contract is engine-agnostic.
type Store interface {
	// Events. AppendEvent must be durable before it returns and idempotent
	// on the event ID: appending the same event twice is a no-op.
	AppendEvent(event *types.Event) error
	GetEvent(scanID, eventID string) (*types.Event, error)
	HasEvent(scanID, eventID string) (bool, error)
	ListEvents(scanID string, filter types.EventFilter, page types.Page) ([]*types.Event, error)
	CountEvents(scanID string) (int, error)

	// SetFalsePositive marks the persisted record; in-flight events are
	// never touched.
	SetFalsePositive(scanID, eventID string, fp bool) error

	// Scans
	UpsertScan(scan *types.Scan) error
	GetScan(id string) (*types.Scan, error)
	ListScans() ([]*types.Scan, error)
	SetScanStatus(id string, status types.ScanStatus) error
	DeleteScan(id string) error

	// Scan log stream
	AppendScanLog(scanID string, entry *types.ScanLogEntry) error
	ListScanLog(scanID string, page types.Page) ([]*types.ScanLogEntry, error)

	// Dead letters
	AppendDeadLetter(dl *types.DeadLetter) error
	ListDeadLetters(scanID string) ([]*types.DeadLetter, error)

	// Error telemetry archive
	UpsertErrorRecord(rec *types.ErrorRecord) error
	ListErrorRecords() ([]*types.ErrorRecord, error)

	// Utility
	Close() error
}
