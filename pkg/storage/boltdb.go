package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

var (
	// Bucket names
	bucketEvents      = []byte("events")       // scanID -> (seq -> event JSON)
	bucketEventIDs    = []byte("event_ids")    // scanID -> (eventID -> seq)
	bucketScans       = []byte("scans")        // scanID -> scan JSON
	bucketScanLogs    = []byte("scan_logs")    // scanID -> (seq -> entry JSON)
	bucketDeadLetters = []byte("dead_letters") // scanID -> (id -> record JSON)
	bucketTelemetry   = []byte("telemetry")    // fingerprint -> record JSON
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "spiderfoot.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketEvents,
			bucketEventIDs,
			bucketScans,
			bucketScanLogs,
			bucketDeadLetters,
			bucketTelemetry,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	// Big-endian so bucket iteration order is publish order.
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// AppendEvent durably persists an event. Appending the same event ID twice
// is a no-op, which is what makes log re-drive after failover harmless.
func (s *BoltStore) AppendEvent(event *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids, err := tx.Bucket(bucketEventIDs).CreateBucketIfNotExists([]byte(event.ScanID))
		if err != nil {
			return err
		}
		if ids.Get([]byte(event.ID)) != nil {
			// Duplicate publish, already durable.
			return nil
		}

		evb, err := tx.Bucket(bucketEvents).CreateBucketIfNotExists([]byte(event.ScanID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		key := seqKey(event.Seq)
		if err := evb.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(event.ID), key)
	})
}

// GetEvent retrieves one event by ID within a scan
func (s *BoltStore) GetEvent(scanID, eventID string) (*types.Event, error) {
	var event types.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs).Bucket([]byte(scanID))
		if ids == nil {
			return ErrNotFound
		}
		key := ids.Get([]byte(eventID))
		if key == nil {
			return ErrNotFound
		}
		evb := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if evb == nil {
			return ErrNotFound
		}
		data := evb.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &event)
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// HasEvent reports whether an event ID exists within a scan
func (s *BoltStore) HasEvent(scanID, eventID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs).Bucket([]byte(scanID))
		if ids == nil {
			return nil
		}
		found = ids.Get([]byte(eventID)) != nil
		return nil
	})
	return found, err
}

// ListEvents returns a scan's events in publish order, filtered and paged
func (s *BoltStore) ListEvents(scanID string, filter types.EventFilter, page types.Page) ([]*types.Event, error) {
	var events []*types.Event
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		evb := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if evb == nil {
			return nil
		}
		c := evb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var event types.Event
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if !filter.Matches(&event) {
				continue
			}
			if skipped < page.Offset {
				skipped++
				continue
			}
			events = append(events, &event)
			if page.Limit > 0 && len(events) >= page.Limit {
				return nil
			}
		}
		return nil
	})
	return events, err
}

// CountEvents returns the number of persisted events for a scan
func (s *BoltStore) CountEvents(scanID string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		evb := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		if evb == nil {
			return nil
		}
		count = evb.Stats().KeyN
		return nil
	})
	return count, err
}

// SetFalsePositive flips the false-positive flag on the persisted record
func (s *BoltStore) SetFalsePositive(scanID, eventID string, fp bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketEventIDs).Bucket([]byte(scanID))
		if ids == nil {
			return ErrNotFound
		}
		key := ids.Get([]byte(eventID))
		if key == nil {
			return ErrNotFound
		}
		evb := tx.Bucket(bucketEvents).Bucket([]byte(scanID))
		data := evb.Get(key)
		if data == nil {
			return ErrNotFound
		}
		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		event.FalsePositive = fp
		updated, err := json.Marshal(&event)
		if err != nil {
			return err
		}
		return evb.Put(key, updated)
	})
}

// Scan operations

func (s *BoltStore) UpsertScan(scan *types.Scan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data, err := json.Marshal(scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(scan.ID), data)
	})
}

func (s *BoltStore) GetScan(id string) (*types.Scan, error) {
	var scan types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (s *BoltStore) ListScans() ([]*types.Scan, error) {
	var scans []*types.Scan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		return b.ForEach(func(k, v []byte) error {
			var scan types.Scan
			if err := json.Unmarshal(v, &scan); err != nil {
				return err
			}
			scans = append(scans, &scan)
			return nil
		})
	})
	return scans, err
}

func (s *BoltStore) SetScanStatus(id string, status types.ScanStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScans)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var scan types.Scan
		if err := json.Unmarshal(data, &scan); err != nil {
			return err
		}
		scan.Status = status
		updated, err := json.Marshal(&scan)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) DeleteScan(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketScans).Delete([]byte(id)); err != nil {
			return err
		}
		for _, parent := range [][]byte{bucketEvents, bucketEventIDs, bucketScanLogs, bucketDeadLetters} {
			b := tx.Bucket(parent)
			if b.Bucket([]byte(id)) != nil {
				if err := b.DeleteBucket([]byte(id)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Scan log operations

func (s *BoltStore) AppendScanLog(scanID string, entry *types.ScanLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketScanLogs).CreateBucketIfNotExists([]byte(scanID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
}

func (s *BoltStore) ListScanLog(scanID string, page types.Page) ([]*types.ScanLogEntry, error) {
	var entries []*types.ScanLogEntry
	skipped := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketScanLogs).Bucket([]byte(scanID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < page.Offset {
				skipped++
				continue
			}
			var entry types.ScanLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			if page.Limit > 0 && len(entries) >= page.Limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}

// Dead letter operations

func (s *BoltStore) AppendDeadLetter(dl *types.DeadLetter) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDeadLetters).CreateBucketIfNotExists([]byte(dl.ScanID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(dl)
		if err != nil {
			return err
		}
		return b.Put([]byte(dl.ID), data)
	})
}

func (s *BoltStore) ListDeadLetters(scanID string) ([]*types.DeadLetter, error) {
	var letters []*types.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters).Bucket([]byte(scanID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var dl types.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			letters = append(letters, &dl)
			return nil
		})
	})
	return letters, err
}

// Error telemetry archive

func (s *BoltStore) UpsertErrorRecord(rec *types.ErrorRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelemetry)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Fingerprint), data)
	})
}

func (s *BoltStore) ListErrorRecords() ([]*types.ErrorRecord, error) {
	var records []*types.ErrorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTelemetry)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ErrorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}
