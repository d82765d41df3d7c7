package coordinator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Assignment binds a scan to the node executing it.
type Assignment struct {
	ScanID       string
	NodeID       string
	AssignedAt   time.Time
	Deadline     time.Time
	Replacements int // how many times this scan has been re-placed
}

// State is the replicated cluster state: the node table and the scan
// assignment table. Mutations only happen through FSM command
// application, so every voter converges on the same view.
type State struct {
	mu          sync.RWMutex
	nodes       map[string]*types.ScannerNode
	assignments map[string]*Assignment // keyed by scan ID
	cursor      uint64                 // round-robin rotation, advances per committed assignment
}

// NewState creates empty cluster state.
func NewState() *State {
	return &State{
		nodes:       make(map[string]*types.ScannerNode),
		assignments: make(map[string]*Assignment),
	}
}

func (s *State) putNode(n *types.ScannerNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
}

func (s *State) removeNode(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

func (s *State) heartbeat(id string, load int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("heartbeat from unknown node: %s", id)
	}
	n.LastHeartbeat = at
	n.MissedBeats = 0
	n.CurrentLoad = load
	if n.Health != types.NodeHealthy {
		n.Health = types.NodeHealthy
	}
	return nil
}

// Node returns a copy of one node.
func (s *State) Node(id string) (*types.ScannerNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// Nodes returns copies of all known nodes, sorted by ID.
func (s *State) Nodes() []*types.ScannerNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ScannerNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *State) putAssignment(a *Assignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.assignments[a.ScanID]; ok && prev.NodeID != a.NodeID {
		s.adjustLoadLocked(prev.NodeID, -1)
	}
	s.assignments[a.ScanID] = a
	s.adjustLoadLocked(a.NodeID, +1)
	// The rotation cursor rides the replicated log, so round-robin
	// placement survives restarts and leader changes.
	s.cursor++
}

// Cursor returns the replicated round-robin rotation cursor.
func (s *State) Cursor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *State) setCursor(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = v
}

func (s *State) removeAssignment(scanID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.assignments[scanID]; ok {
		s.adjustLoadLocked(a.NodeID, -1)
		delete(s.assignments, scanID)
	}
}

func (s *State) adjustLoadLocked(nodeID string, delta int) {
	if n, ok := s.nodes[nodeID]; ok {
		n.CurrentLoad += delta
		if n.CurrentLoad < 0 {
			n.CurrentLoad = 0
		}
	}
}

// Assignment returns a copy of one scan's assignment.
func (s *State) Assignment(scanID string) (*Assignment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[scanID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

// AssignmentsFor returns copies of all assignments on one node.
func (s *State) AssignmentsFor(nodeID string) []*Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Assignment
	for _, a := range s.assignments {
		if a.NodeID == nodeID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanID < out[j].ScanID })
	return out
}

// Assignments returns copies of every assignment.
func (s *State) Assignments() []*Assignment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Assignment, 0, len(s.assignments))
	for _, a := range s.assignments {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScanID < out[j].ScanID })
	return out
}

// markMissed increments the miss counter of every node whose last
// heartbeat is older than the cutoff, flipping health at the threshold.
// Returns the nodes that just became unreachable.
func (s *State) markMissed(cutoff time.Time, threshold int) []*types.ScannerNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var down []*types.ScannerNode
	for _, n := range s.nodes {
		if n.Health == types.NodeUnreachable {
			continue
		}
		if n.LastHeartbeat.After(cutoff) {
			continue
		}
		n.MissedBeats++
		switch {
		case n.MissedBeats >= threshold:
			n.Health = types.NodeUnreachable
			cp := *n
			down = append(down, &cp)
		case n.MissedBeats > 1:
			n.Health = types.NodeDegraded
		}
	}
	return down
}
