package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected types.ErrorCategory
	}{
		{"explicit classification wins", Classify(types.ErrorAuth, errors.New("whatever")), types.ErrorAuth},
		{"wrapped classification", fmt.Errorf("outer: %w", Classify(types.ErrorDataParse, errors.New("bad json"))), types.ErrorDataParse},
		{"context deadline", context.DeadlineExceeded, types.ErrorTimeout},
		{"auth message", errors.New("403 Forbidden"), types.ErrorAuth},
		{"api key message", errors.New("missing API key"), types.ErrorAuth},
		{"parse message", errors.New("failed to unmarshal response"), types.ErrorDataParse},
		{"timeout message", errors.New("request timed out"), types.ErrorTimeout},
		{"rate limit message", errors.New("429 rate limit exceeded"), types.ErrorResource},
		{"unrecognized", errors.New("something odd happened"), types.ErrorUnknown},
		{"nil", nil, types.ErrorUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Categorize(tt.err))
		})
	}
}

func TestNormalizeMessageStripsVolatileValues(t *testing.T) {
	tests := []struct {
		name string
		in   string
		out  string
	}{
		{"ipv4", "dial tcp 192.168.1.17: refused", "dial tcp <ip>: refused"},
		{"large number", "status 50013 from upstream", "status <n> from upstream"},
		{"quoted target", `lookup "sub.example.com" failed`, "lookup <str> failed"},
		{"hex id", "request deadbeef01234567 rejected", "request <id> rejected"},
		{"timestamp", "at 2026-08-24T10:11:12Z connection lost", "at <ts> connection lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.out, NormalizeMessage(tt.in))
		})
	}
}

func TestFingerprintGroupsEquivalentErrors(t *testing.T) {
	a := Fingerprint(types.ErrorTransientNetwork, "sfp_dns.Handle", "dial tcp 10.0.0.1: connection refused")
	b := Fingerprint(types.ErrorTransientNetwork, "sfp_dns.Handle", "dial tcp 10.9.8.7: connection refused")
	c := Fingerprint(types.ErrorTransientNetwork, "sfp_whois.Handle", "dial tcp 10.0.0.1: connection refused")
	d := Fingerprint(types.ErrorTimeout, "sfp_dns.Handle", "dial tcp 10.0.0.1: connection refused")

	assert.Equal(t, a, b, "same failure at different targets must share a fingerprint")
	assert.NotEqual(t, a, c, "different locations must not collide")
	assert.NotEqual(t, a, d, "different categories must not collide")
}

func TestRecordAggregatesByFingerprint(t *testing.T) {
	s := NewStore(Options{RingSize: 100})

	var last *types.ErrorRecord
	for i := 0; i < 3; i++ {
		err := fmt.Errorf("dial tcp 10.0.0.%d: connection refused", i)
		last = s.RecordCategorized("scan-1", "sfp_dns", "sfp_dns.Handle", types.ErrorTransientNetwork, err)
	}

	require.NotNil(t, last)
	assert.Equal(t, int64(3), last.Count)
	assert.False(t, last.FirstSeen.After(last.LastSeen))

	rec, ok := s.FingerprintRecord(last.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Count)
}

func TestRecentReturnsNewestFirstAndFilters(t *testing.T) {
	s := NewStore(Options{RingSize: 100})

	s.RecordCategorized("scan-1", "sfp_dns", "sfp_dns.Handle", types.ErrorTransientNetwork, errors.New("refused"))
	s.RecordCategorized("scan-1", "sfp_whois", "sfp_whois.Handle", types.ErrorAuth, errors.New("forbidden"))
	s.RecordCategorized("scan-2", "sfp_dns", "sfp_dns.Handle", types.ErrorTransientNetwork, errors.New("reset"))

	all := s.Recent(QueryFilter{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, "scan-2", all[0].ScanID)

	dns := s.Recent(QueryFilter{Module: "sfp_dns"}, 0)
	assert.Len(t, dns, 2)

	auth := s.Recent(QueryFilter{Category: types.ErrorAuth}, 0)
	require.Len(t, auth, 1)
	assert.Equal(t, "sfp_whois", auth[0].Module)

	limited := s.Recent(QueryFilter{}, 1)
	assert.Len(t, limited, 1)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	s := NewStore(Options{RingSize: 5})
	for i := 0; i < 8; i++ {
		s.RecordCategorized("scan-1", "sfp_dns", "loc", types.ErrorUnknown, fmt.Errorf("distinct failure shape %c", 'a'+i))
	}
	recent := s.Recent(QueryFilter{}, 0)
	assert.Len(t, recent, 5)
}

func TestWindowCounts(t *testing.T) {
	s := NewStore(Options{RingSize: 100, Windows: []time.Duration{time.Minute}})

	for i := 0; i < 4; i++ {
		s.RecordCategorized("scan-1", "sfp_dns", "loc", types.ErrorUnknown, errors.New("x"))
	}
	s.RecordCategorized("scan-1", "sfp_whois", "loc", types.ErrorUnknown, errors.New("y"))

	assert.Equal(t, int64(5), s.GlobalCount(time.Minute))
	assert.Equal(t, int64(4), s.ModuleCount("sfp_dns", time.Minute))
	assert.Equal(t, int64(1), s.ModuleCount("sfp_whois", time.Minute))
	assert.Equal(t, int64(0), s.ModuleCount("sfp_other", time.Minute))
	assert.Equal(t, int64(0), s.GlobalCount(5*time.Minute), "untracked window reads zero")
}

func TestAlertRuleFiresOncePerWindow(t *testing.T) {
	s := NewStore(Options{RingSize: 100, Windows: []time.Duration{time.Minute}})

	fired := 0
	s.AddRule(AlertRule{
		Name:      "error-burst",
		Window:    time.Minute,
		Predicate: func(snap Snapshot) bool { return snap.GlobalCount >= 3 },
		Callback:  func(snap Snapshot) { fired++ },
	})

	for i := 0; i < 10; i++ {
		s.RecordCategorized("scan-1", "sfp_dns", "loc", types.ErrorUnknown, errors.New("x"))
	}
	assert.Equal(t, 1, fired, "rule must fire at most once per window")
}

type captureArchiver struct {
	records []*types.ErrorRecord
}

func (c *captureArchiver) UpsertErrorRecord(rec *types.ErrorRecord) error {
	c.records = append(c.records, rec)
	return nil
}

func TestArchiverReceivesAggregates(t *testing.T) {
	s := NewStore(Options{RingSize: 100})
	arch := &captureArchiver{}
	s.SetArchiver(arch)

	s.RecordCategorized("scan-1", "sfp_dns", "loc", types.ErrorUnknown, errors.New("x"))
	s.RecordCategorized("scan-1", "sfp_dns", "loc", types.ErrorUnknown, errors.New("x"))

	require.Len(t, arch.records, 2)
	assert.Equal(t, int64(2), arch.records[1].Count)
}
