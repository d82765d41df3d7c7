package coordinator

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func apply(t *testing.T, f *FSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return f.Apply(&raft.Log{Data: cmd})
}

func TestApplyNodeLifecycle(t *testing.T) {
	state := NewState()
	f := NewFSM(state)

	n := node("node-a", 0, 4, types.NodeHealthy, "eu")
	n.RegisteredAt = time.Now().UTC()
	require.Nil(t, apply(t, f, opRegisterNode, n))

	got, ok := state.Node("node-a")
	require.True(t, ok)
	assert.Equal(t, []string{"eu"}, got.Tags)

	require.Nil(t, apply(t, f, opRemoveNode, "node-a"))
	_, ok = state.Node("node-a")
	assert.False(t, ok)
}

func TestApplyHeartbeatResetsMisses(t *testing.T) {
	state := NewState()
	f := NewFSM(state)

	n := node("node-a", 0, 4, types.NodeDegraded)
	n.MissedBeats = 2
	require.Nil(t, apply(t, f, opRegisterNode, n))

	require.Nil(t, apply(t, f, opHeartbeat, heartbeatPayload{
		NodeID: "node-a",
		Load:   3,
		At:     time.Now().UTC(),
	}))

	got, ok := state.Node("node-a")
	require.True(t, ok)
	assert.Equal(t, types.NodeHealthy, got.Health)
	assert.Zero(t, got.MissedBeats)
	assert.Equal(t, 3, got.CurrentLoad)

	err, _ := apply(t, f, opHeartbeat, heartbeatPayload{NodeID: "node-ghost"}).(error)
	assert.Error(t, err, "heartbeats from unknown nodes are rejected")
}

func TestApplyAssignmentAdjustsLoad(t *testing.T) {
	state := NewState()
	f := NewFSM(state)

	require.Nil(t, apply(t, f, opRegisterNode, node("node-a", 0, 4, types.NodeHealthy)))
	require.Nil(t, apply(t, f, opRegisterNode, node("node-b", 0, 4, types.NodeHealthy)))

	require.Nil(t, apply(t, f, opAssignScan, Assignment{ScanID: "scan-1", NodeID: "node-a", AssignedAt: time.Now()}))
	a, _ := state.Node("node-a")
	assert.Equal(t, 1, a.CurrentLoad)

	// Re-placement moves the load to the new node.
	require.Nil(t, apply(t, f, opAssignScan, Assignment{ScanID: "scan-1", NodeID: "node-b", Replacements: 1}))
	a, _ = state.Node("node-a")
	b, _ := state.Node("node-b")
	assert.Zero(t, a.CurrentLoad)
	assert.Equal(t, 1, b.CurrentLoad)

	got, ok := state.Assignment("scan-1")
	require.True(t, ok)
	assert.Equal(t, "node-b", got.NodeID)
	assert.Equal(t, 1, got.Replacements)

	require.Nil(t, apply(t, f, opReleaseScan, "scan-1"))
	b, _ = state.Node("node-b")
	assert.Zero(t, b.CurrentLoad)
	_, ok = state.Assignment("scan-1")
	assert.False(t, ok)
}

func TestMarkMissedEscalatesToUnreachable(t *testing.T) {
	state := NewState()
	f := NewFSM(state)

	stale := node("node-a", 0, 4, types.NodeHealthy)
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	require.Nil(t, apply(t, f, opRegisterNode, stale))

	fresh := node("node-b", 0, 4, types.NodeHealthy)
	fresh.LastHeartbeat = time.Now()
	require.Nil(t, apply(t, f, opRegisterNode, fresh))

	sweep := func() []*types.ScannerNode {
		res := apply(t, f, opMarkUnreachable, unreachablePayload{
			Cutoff:    time.Now().Add(-time.Minute),
			Threshold: 3,
		})
		down, _ := res.([]*types.ScannerNode)
		return down
	}

	// Miss 1: still healthy. Miss 2: degraded. Miss 3: unreachable.
	assert.Empty(t, sweep())
	a, _ := state.Node("node-a")
	assert.Equal(t, types.NodeHealthy, a.Health)

	assert.Empty(t, sweep())
	a, _ = state.Node("node-a")
	assert.Equal(t, types.NodeDegraded, a.Health)

	down := sweep()
	require.Len(t, down, 1)
	assert.Equal(t, "node-a", down[0].ID)
	a, _ = state.Node("node-a")
	assert.Equal(t, types.NodeUnreachable, a.Health)

	// Already-unreachable nodes are not reported again.
	assert.Empty(t, sweep())

	b, _ := state.Node("node-b")
	assert.Equal(t, types.NodeHealthy, b.Health, "fresh nodes are untouched by the sweep")
}

type memSnapshotSink struct {
	bytes.Buffer
	canceled bool
}

func (s *memSnapshotSink) ID() string    { return "mem" }
func (s *memSnapshotSink) Close() error  { return nil }
func (s *memSnapshotSink) Cancel() error { s.canceled = true; return nil }

func TestSnapshotRestoreRoundtrip(t *testing.T) {
	state := NewState()
	f := NewFSM(state)

	require.Nil(t, apply(t, f, opRegisterNode, node("node-a", 0, 4, types.NodeHealthy, "eu")))
	require.Nil(t, apply(t, f, opRegisterNode, node("node-b", 0, 8, types.NodeHealthy)))
	require.Nil(t, apply(t, f, opAssignScan, Assignment{ScanID: "scan-1", NodeID: "node-a"}))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSnapshotSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.canceled)

	restored := NewFSM(NewState())
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	nodes := restored.state.Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-a", nodes[0].ID)
	assert.Equal(t, 1, nodes[0].CurrentLoad, "snapshotted load carries over")

	a, ok := restored.state.Assignment("scan-1")
	require.True(t, ok)
	assert.Equal(t, "node-a", a.NodeID)
	assert.Equal(t, state.Cursor(), restored.state.Cursor(), "rotation cursor survives compaction")
}

func TestApplyUnknownCommand(t *testing.T) {
	f := NewFSM(NewState())
	res := apply(t, f, "explode", struct{}{})
	err, ok := res.(error)
	require.True(t, ok)
	assert.Error(t, err)
}
