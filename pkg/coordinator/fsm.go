package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/raft"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// Command is one replicated state change in the raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode    = "register_node"
	opUpdateNode      = "update_node"
	opRemoveNode      = "remove_node"
	opHeartbeat       = "heartbeat"
	opAssignScan      = "assign_scan"
	opReleaseScan     = "release_scan"
	opMarkUnreachable = "mark_unreachable"
)

type heartbeatPayload struct {
	NodeID string    `json:"node_id"`
	Load   int       `json:"load"`
	At     time.Time `json:"at"`
}

type unreachablePayload struct {
	Cutoff    time.Time `json:"cutoff"`
	Threshold int       `json:"threshold"`
}

// FSM applies committed raft log entries to the cluster state. Every
// voter holds the same State after the same log prefix.
type FSM struct {
	state *State
}

// NewFSM creates an FSM over the given state.
func NewFSM(state *State) *FSM {
	return &FSM{state: state}
}

// Apply applies one committed log entry.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	switch cmd.Op {
	case opRegisterNode, opUpdateNode:
		var node types.ScannerNode
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		f.state.putNode(&node)
		return nil

	case opRemoveNode:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		f.state.removeNode(nodeID)
		return nil

	case opHeartbeat:
		var hb heartbeatPayload
		if err := json.Unmarshal(cmd.Data, &hb); err != nil {
			return err
		}
		return f.state.heartbeat(hb.NodeID, hb.Load, hb.At)

	case opAssignScan:
		var a Assignment
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		f.state.putAssignment(&a)
		return nil

	case opReleaseScan:
		var scanID string
		if err := json.Unmarshal(cmd.Data, &scanID); err != nil {
			return err
		}
		f.state.removeAssignment(scanID)
		return nil

	case opMarkUnreachable:
		var p unreachablePayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.state.markMissed(p.Cutoff, p.Threshold)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the full cluster state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{
		Nodes:       f.state.Nodes(),
		Assignments: f.state.Assignments(),
		Cursor:      f.state.Cursor(),
	}, nil
}

// Restore replaces the cluster state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.state.mu.Lock()
	f.state.nodes = make(map[string]*types.ScannerNode, len(snap.Nodes))
	f.state.assignments = make(map[string]*Assignment, len(snap.Assignments))
	f.state.mu.Unlock()

	for _, n := range snap.Nodes {
		f.state.putNode(n)
	}
	for _, a := range snap.Assignments {
		// putAssignment adjusts load; node loads were snapshotted already,
		// so install directly.
		f.state.mu.Lock()
		f.state.assignments[a.ScanID] = a
		f.state.mu.Unlock()
	}
	f.state.setCursor(snap.Cursor)
	return nil
}

type fsmSnapshot struct {
	Nodes       []*types.ScannerNode `json:"nodes"`
	Assignments []*Assignment        `json:"assignments"`
	Cursor      uint64               `json:"cursor"`
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
