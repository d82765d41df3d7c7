package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// ErrNoEligibleNode is returned when no healthy node can take a scan.
var ErrNoEligibleNode = errors.New("no eligible node for scan")

// Strategy picks a node for a scan from the eligible candidates. The
// candidate list is already filtered for health, spare capacity and
// required tags.
type Strategy interface {
	Name() string
	Pick(candidates []*types.ScannerNode, s *types.Scan) *types.ScannerNode
}

// NewStrategy resolves a strategy by its configuration name. Strategies
// that keep placement state (the round-robin cursor) read it from the
// replicated cluster state rather than process memory.
func NewStrategy(name string, state *State) (Strategy, error) {
	switch name {
	case "least_loaded", "":
		return &leastLoaded{}, nil
	case "round_robin":
		return &roundRobin{state: state}, nil
	case "hash_based":
		return &hashRing{virtualNodes: 64}, nil
	case "random":
		return &randomPick{}, nil
	default:
		return nil, errors.New("unknown placement strategy: " + name)
	}
}

// eligible filters the node table down to placement candidates.
func eligible(nodes []*types.ScannerNode, s *types.Scan) []*types.ScannerNode {
	var out []*types.ScannerNode
	for _, n := range nodes {
		if n.Health != types.NodeHealthy {
			continue
		}
		if n.Capacity > 0 && n.CurrentLoad >= n.Capacity {
			continue
		}
		if !n.HasTags(s.RequiredTags) {
			continue
		}
		out = append(out, n)
	}
	return out
}

type leastLoaded struct{}

func (*leastLoaded) Name() string { return "least_loaded" }

func (*leastLoaded) Pick(candidates []*types.ScannerNode, _ *types.Scan) *types.ScannerNode {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, n := range candidates[1:] {
		if n.CurrentLoad < best.CurrentLoad ||
			(n.CurrentLoad == best.CurrentLoad && n.ID < best.ID) {
			best = n
		}
	}
	return best
}

// roundRobin rotates placement over the candidate list. The cursor is
// the count of committed assignments in the replicated state, so the
// rotation position survives restarts and leader changes.
type roundRobin struct {
	state *State
}

func (*roundRobin) Name() string { return "round_robin" }

func (r *roundRobin) Pick(candidates []*types.ScannerNode, _ *types.Scan) *types.ScannerNode {
	if len(candidates) == 0 {
		return nil
	}
	// Candidates arrive sorted by ID, so the rotation is stable across
	// calls even as unrelated nodes join and leave.
	return candidates[r.state.Cursor()%uint64(len(candidates))]
}

// hashRing places scans by consistent hashing over a ring of virtual
// node points, so the same scan lands on the same node as long as that
// node stays eligible.
type hashRing struct {
	virtualNodes int
}

func (*hashRing) Name() string { return "hash_based" }

func (h *hashRing) Pick(candidates []*types.ScannerNode, s *types.Scan) *types.ScannerNode {
	if len(candidates) == 0 {
		return nil
	}

	type point struct {
		hash uint64
		node *types.ScannerNode
	}
	ring := make([]point, 0, len(candidates)*h.virtualNodes)
	for _, n := range candidates {
		for v := 0; v < h.virtualNodes; v++ {
			ring = append(ring, point{hash: hash64(fmt.Sprintf("%s#%d", n.ID, v)), node: n})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	key := hash64(s.ID)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= key })
	if idx == len(ring) {
		idx = 0
	}
	return ring[idx].node
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

type randomPick struct{}

func (*randomPick) Name() string { return "random" }

func (*randomPick) Pick(candidates []*types.ScannerNode, _ *types.Scan) *types.ScannerNode {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}
