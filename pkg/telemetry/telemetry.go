package telemetry

import (
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

const shardCount = 16

// Archiver persists aggregated fingerprint records. Optional; the
// storage layer satisfies it.
type Archiver interface {
	UpsertErrorRecord(rec *types.ErrorRecord) error
}

// QueryFilter narrows Recent queries. Zero values match everything.
type QueryFilter struct {
	ScanID   string
	Module   string
	Category types.ErrorCategory
}

// Snapshot is handed to alert rule predicates and callbacks.
type Snapshot struct {
	Rule        string
	Window      time.Duration
	GlobalCount int64
	ModuleCount map[string]int64
	At          time.Time
}

// AlertRule pairs a predicate over windowed counters with a callback.
// The callback fires at most once per rule per window.
type AlertRule struct {
	Name      string
	Window    time.Duration
	Predicate func(s Snapshot) bool
	Callback  func(s Snapshot)
}

// Options configure the telemetry store.
type Options struct {
	// RingSize bounds the buffer of most recent error occurrences.
	RingSize int

	// Windows are the sliding-window spans tracked globally and per module.
	Windows []time.Duration
}

type shard struct {
	mu      sync.Mutex
	records map[string]*types.ErrorRecord
}

// Store is the fingerprint-grouped error store with sliding-window rate
// counters and alert evaluation.
type Store struct {
	opts     Options
	logger   zerolog.Logger
	archiver Archiver

	ringMu  sync.Mutex
	ring    []*types.ErrorRecord
	ringPos int
	ringLen int

	// Per-fingerprint aggregates, sharded by fingerprint hash to avoid
	// lock contention across concurrent handlers.
	shards [shardCount]*shard

	windowMu  sync.Mutex
	global    map[time.Duration]*slidingWindow
	perModule map[string]map[time.Duration]*slidingWindow

	ruleMu    sync.Mutex
	rules     []AlertRule
	lastFired map[string]time.Time
}

// NewStore creates a telemetry store.
func NewStore(opts Options) *Store {
	if opts.RingSize <= 0 {
		opts.RingSize = 10000
	}
	if len(opts.Windows) == 0 {
		opts.Windows = []time.Duration{time.Minute, 5 * time.Minute, time.Hour}
	}
	s := &Store{
		opts:      opts,
		logger:    log.WithComponent("telemetry"),
		ring:      make([]*types.ErrorRecord, opts.RingSize),
		global:    make(map[time.Duration]*slidingWindow),
		perModule: make(map[string]map[time.Duration]*slidingWindow),
		lastFired: make(map[string]time.Time),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*types.ErrorRecord)}
	}
	for _, w := range opts.Windows {
		s.global[w] = newSlidingWindow(w)
	}
	return s
}

// SetArchiver installs the persistent sink for aggregated records.
func (s *Store) SetArchiver(a Archiver) {
	s.archiver = a
}

func (s *Store) shardFor(fingerprint string) *shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return s.shards[h.Sum32()%shardCount]
}

// Record ingests one caught handler error and returns the aggregated
// fingerprint record.
func (s *Store) Record(scanID, module, location string, err error) *types.ErrorRecord {
	return s.RecordCategorized(scanID, module, location, Categorize(err), err)
}

// RecordCategorized ingests an error with a pre-assigned category.
func (s *Store) RecordCategorized(scanID, module, location string, category types.ErrorCategory, err error) *types.ErrorRecord {
	now := time.Now()
	fp := Fingerprint(category, location, err.Error())

	sh := s.shardFor(fp)
	sh.mu.Lock()
	rec, ok := sh.records[fp]
	if !ok {
		rec = &types.ErrorRecord{
			Fingerprint: fp,
			Category:    category,
			ScanID:      scanID,
			Module:      module,
			Location:    location,
			Message:     NormalizeMessage(err.Error()),
			SampleStack: string(debug.Stack()),
			FirstSeen:   now,
		}
		sh.records[fp] = rec
	}
	rec.Count++
	rec.LastSeen = now
	snapshot := *rec
	sh.mu.Unlock()

	occurrence := snapshot
	occurrence.Count = 1
	occurrence.ScanID = scanID
	occurrence.Module = module
	s.pushRing(&occurrence)

	s.tickWindows(module, now)

	if s.archiver != nil {
		if aerr := s.archiver.UpsertErrorRecord(&snapshot); aerr != nil {
			s.logger.Warn().Err(aerr).Msg("failed to archive error record")
		}
	}

	s.evaluateRules(now)
	return &snapshot
}

func (s *Store) pushRing(rec *types.ErrorRecord) {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()
	s.ring[s.ringPos] = rec
	s.ringPos = (s.ringPos + 1) % len(s.ring)
	if s.ringLen < len(s.ring) {
		s.ringLen++
	}
}

func (s *Store) tickWindows(module string, now time.Time) {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	for _, w := range s.global {
		w.add(now)
	}
	mod, ok := s.perModule[module]
	if !ok {
		mod = make(map[time.Duration]*slidingWindow, len(s.opts.Windows))
		for _, span := range s.opts.Windows {
			mod[span] = newSlidingWindow(span)
		}
		s.perModule[module] = mod
	}
	for _, w := range mod {
		w.add(now)
	}
}

// Recent returns the most recent error occurrences matching the filter,
// newest first.
func (s *Store) Recent(filter QueryFilter, limit int) []*types.ErrorRecord {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	var out []*types.ErrorRecord
	for i := 0; i < s.ringLen; i++ {
		idx := (s.ringPos - 1 - i + len(s.ring)) % len(s.ring)
		rec := s.ring[idx]
		if rec == nil {
			continue
		}
		if filter.ScanID != "" && rec.ScanID != filter.ScanID {
			continue
		}
		if filter.Module != "" && rec.Module != filter.Module {
			continue
		}
		if filter.Category != "" && rec.Category != filter.Category {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FingerprintRecord returns the aggregate for one fingerprint.
func (s *Store) FingerprintRecord(fp string) (*types.ErrorRecord, bool) {
	sh := s.shardFor(fp)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[fp]
	if !ok {
		return nil, false
	}
	snapshot := *rec
	return &snapshot, true
}

// GlobalCount returns the error count inside the given sliding window.
func (s *Store) GlobalCount(window time.Duration) int64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	w, ok := s.global[window]
	if !ok {
		return 0
	}
	return w.count(time.Now())
}

// ModuleCount returns one module's error count inside the window.
func (s *Store) ModuleCount(module string, window time.Duration) int64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	mod, ok := s.perModule[module]
	if !ok {
		return 0
	}
	w, ok := mod[window]
	if !ok {
		return 0
	}
	return w.count(time.Now())
}

// AddRule registers an alert rule.
func (s *Store) AddRule(rule AlertRule) {
	s.ruleMu.Lock()
	defer s.ruleMu.Unlock()
	s.rules = append(s.rules, rule)
}

func (s *Store) evaluateRules(now time.Time) {
	s.ruleMu.Lock()
	rules := make([]AlertRule, len(s.rules))
	copy(rules, s.rules)
	s.ruleMu.Unlock()

	for _, rule := range rules {
		snap := Snapshot{
			Rule:        rule.Name,
			Window:      rule.Window,
			GlobalCount: s.GlobalCount(rule.Window),
			ModuleCount: s.moduleCounts(rule.Window),
			At:          now,
		}
		if rule.Predicate == nil || !rule.Predicate(snap) {
			continue
		}

		s.ruleMu.Lock()
		last, fired := s.lastFired[rule.Name]
		// At most one callback per rule per window to avoid fan-out storms.
		if fired && now.Sub(last) < rule.Window {
			s.ruleMu.Unlock()
			continue
		}
		s.lastFired[rule.Name] = now
		s.ruleMu.Unlock()

		if rule.Callback != nil {
			rule.Callback(snap)
		}
	}
}

func (s *Store) moduleCounts(window time.Duration) map[string]int64 {
	s.windowMu.Lock()
	defer s.windowMu.Unlock()
	now := time.Now()
	out := make(map[string]int64, len(s.perModule))
	for module, windows := range s.perModule {
		if w, ok := windows[window]; ok {
			out[module] = w.count(now)
		}
	}
	return out
}

// slidingWindow is a bucketized event counter covering a fixed span.
type slidingWindow struct {
	span   time.Duration
	bucket time.Duration
	counts []int64
	stamps []time.Time
}

const windowBuckets = 60

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{
		span:   span,
		bucket: span / windowBuckets,
		counts: make([]int64, windowBuckets),
		stamps: make([]time.Time, windowBuckets),
	}
}

func (w *slidingWindow) idx(t time.Time) int {
	return int(t.UnixNano()/int64(w.bucket)) % windowBuckets
}

func (w *slidingWindow) add(now time.Time) {
	i := w.idx(now)
	bucketStart := now.Truncate(w.bucket)
	if !w.stamps[i].Equal(bucketStart) {
		w.stamps[i] = bucketStart
		w.counts[i] = 0
	}
	w.counts[i]++
}

func (w *slidingWindow) count(now time.Time) int64 {
	var total int64
	cutoff := now.Add(-w.span)
	for i := range w.counts {
		if w.stamps[i].After(cutoff) {
			total += w.counts[i]
		}
	}
	return total
}
