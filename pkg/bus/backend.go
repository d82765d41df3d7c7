package bus

import (
	"github.com/poppopjmp/spiderfoot-sub004/pkg/storage"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Backend is the durable substrate the bus writes to before fanout. The
// shipped implementation persists through the storage layer; a
// broker-backed backend (durable partitions keyed on scan ID) satisfies
// the same surface as long as it preserves ordering within (scan, type).
type Backend interface {
	// AppendDurable persists the event; must be idempotent on event ID.
	AppendDurable(ev *types.Event) error

	// HasEvent reports whether an event ID is durable within a scan.
	HasEvent(scanID, eventID string) (bool, error)

	// Replay streams a scan's log in publish order.
	Replay(scanID string, fn func(ev *types.Event) error) error
}

// StoreBackend adapts a storage.Store to the Backend contract.
type StoreBackend struct {
	store storage.Store
}

// NewStoreBackend wraps a Store as the bus backend.
func NewStoreBackend(store storage.Store) *StoreBackend {
	return &StoreBackend{store: store}
}

func (s *StoreBackend) AppendDurable(ev *types.Event) error {
	return s.store.AppendEvent(ev)
}

func (s *StoreBackend) HasEvent(scanID, eventID string) (bool, error) {
	return s.store.HasEvent(scanID, eventID)
}

func (s *StoreBackend) Replay(scanID string, fn func(ev *types.Event) error) error {
	const pageSize = 256
	offset := 0
	for {
		events, err := s.store.ListEvents(scanID, types.EventFilter{}, types.Page{Offset: offset, Limit: pageSize})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		if len(events) < pageSize {
			return nil
		}
		offset += len(events)
	}
}
