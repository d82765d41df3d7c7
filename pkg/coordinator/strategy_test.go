package coordinator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func node(id string, load, capacity int, health types.NodeHealth, tags ...string) *types.ScannerNode {
	return &types.ScannerNode{
		ID:          id,
		Endpoint:    id + ":9000",
		Capacity:    capacity,
		CurrentLoad: load,
		Tags:        tags,
		Health:      health,
	}
}

func TestEligibleFiltersHealthCapacityAndTags(t *testing.T) {
	nodes := []*types.ScannerNode{
		node("node-a", 0, 4, types.NodeHealthy),
		node("node-b", 4, 4, types.NodeHealthy),     // full
		node("node-c", 0, 4, types.NodeUnreachable), // down
		node("node-d", 0, 4, types.NodeDegraded),    // degraded nodes are skipped too
		node("node-e", 0, 0, types.NodeHealthy),     // zero capacity means unbounded
		node("node-f", 0, 4, types.NodeHealthy, "gpu", "eu"),
	}

	out := eligible(nodes, &types.Scan{ID: "scan-1"})
	var ids []string
	for _, n := range out {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"node-a", "node-e", "node-f"}, ids)

	tagged := eligible(nodes, &types.Scan{ID: "scan-1", RequiredTags: []string{"gpu"}})
	require.Len(t, tagged, 1)
	assert.Equal(t, "node-f", tagged[0].ID)

	none := eligible(nodes, &types.Scan{ID: "scan-1", RequiredTags: []string{"gpu", "us"}})
	assert.Empty(t, none)
}

func TestLeastLoadedPicksLowestLoadWithIDTieBreak(t *testing.T) {
	s, err := NewStrategy("least_loaded", NewState())
	require.NoError(t, err)

	picked := s.Pick([]*types.ScannerNode{
		node("node-a", 3, 10, types.NodeHealthy),
		node("node-b", 1, 10, types.NodeHealthy),
		node("node-c", 1, 10, types.NodeHealthy),
	}, &types.Scan{ID: "scan-1"})
	require.NotNil(t, picked)
	assert.Equal(t, "node-b", picked.ID, "ties break toward the lower node ID")

	assert.Nil(t, s.Pick(nil, &types.Scan{ID: "scan-1"}))
}

func TestDefaultStrategyIsLeastLoaded(t *testing.T) {
	s, err := NewStrategy("", NewState())
	require.NoError(t, err)
	assert.Equal(t, "least_loaded", s.Name())

	_, err = NewStrategy("bogus", NewState())
	assert.Error(t, err)
}

func TestRoundRobinRotates(t *testing.T) {
	state := NewState()
	f := NewFSM(state)
	s, err := NewStrategy("round_robin", state)
	require.NoError(t, err)

	candidates := []*types.ScannerNode{
		node("node-a", 0, 0, types.NodeHealthy),
		node("node-b", 0, 0, types.NodeHealthy),
		node("node-c", 0, 0, types.NodeHealthy),
	}

	// The rotation advances per committed assignment, not per Pick call.
	var picks []string
	for i := 0; i < 6; i++ {
		scanID := fmt.Sprintf("scan-%d", i)
		picked := s.Pick(candidates, &types.Scan{ID: scanID})
		require.NotNil(t, picked)
		picks = append(picks, picked.ID)
		require.Nil(t, apply(t, f, opAssignScan, Assignment{ScanID: scanID, NodeID: picked.ID}))
	}
	assert.Equal(t, []string{"node-a", "node-b", "node-c", "node-a", "node-b", "node-c"}, picks)

	// A fresh strategy over the same replicated state resumes the
	// rotation where it stood instead of restarting at the front.
	resumed, err := NewStrategy("round_robin", state)
	require.NoError(t, err)
	assert.Equal(t, "node-a", resumed.Pick(candidates, &types.Scan{ID: "scan-6"}).ID)
}

func TestHashBasedIsSticky(t *testing.T) {
	s, err := NewStrategy("hash_based", NewState())
	require.NoError(t, err)

	candidates := []*types.ScannerNode{
		node("node-a", 0, 0, types.NodeHealthy),
		node("node-b", 0, 0, types.NodeHealthy),
		node("node-c", 0, 0, types.NodeHealthy),
	}

	scan := &types.Scan{ID: "scan-sticky"}
	first := s.Pick(candidates, scan)
	require.NotNil(t, first)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.ID, s.Pick(candidates, scan).ID, "same scan must land on the same node")
	}

	// Different scans spread across the ring; with 64 virtual points
	// per node, 64 scans must reach all three.
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		n := s.Pick(candidates, &types.Scan{ID: fmt.Sprintf("scan-%d", i)})
		seen[n.ID] = true
	}
	assert.Len(t, seen, 3, "hash placement must not funnel everything to one node")
}

func TestRandomPicksFromCandidates(t *testing.T) {
	s, err := NewStrategy("random", NewState())
	require.NoError(t, err)

	candidates := []*types.ScannerNode{
		node("node-a", 0, 0, types.NodeHealthy),
		node("node-b", 0, 0, types.NodeHealthy),
	}
	for i := 0; i < 20; i++ {
		picked := s.Pick(candidates, &types.Scan{ID: "scan-1"})
		require.NotNil(t, picked)
		assert.Contains(t, []string{"node-a", "node-b"}, picked.ID)
	}
	assert.Nil(t, s.Pick(nil, &types.Scan{ID: "scan-1"}))
}
