package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/config"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/log"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/metrics"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/storage"
	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// maxReplacements bounds failover attempts before a scan is declared
// FAILED rather than bounced around a sick cluster.
const maxReplacements = 2

// Launcher resumes scans placed on the local node. Satisfied by the
// engine.
type Launcher interface {
	ResumeScan(ctx context.Context, scanID string) error
}

// LoadFunc reports the local node's current scan load.
type LoadFunc func() int

// Coordinator runs the multi-node distribution layer: a raft-replicated
// node and assignment table, heartbeat liveness tracking and failover
// of scans from dead nodes.
type Coordinator struct {
	cfg      config.CoordinatorConfig
	dataDir  string
	state    *State
	fsm      *FSM
	raft     *raft.Raft
	strategy Strategy
	store    storage.Store
	launcher Launcher
	loadFn   LoadFunc
	hbClient *http.Client
	logger   zerolog.Logger

	// applyFn indirects raft application so the placement and failover
	// paths can be driven against a bare FSM in tests.
	applyFn func(op string, payload interface{}) (interface{}, error)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a coordinator. The raft layer starts with Bootstrap or
// Join.
func New(cfg config.CoordinatorConfig, dataDir string, store storage.Store, launcher Launcher, loadFn LoadFunc) (*Coordinator, error) {
	state := NewState()
	strategy, err := NewStrategy(cfg.Strategy, state)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:      cfg,
		dataDir:  dataDir,
		state:    state,
		fsm:      NewFSM(state),
		strategy: strategy,
		store:    store,
		launcher: launcher,
		loadFn:   loadFn,
		hbClient: &http.Client{Timeout: 5 * time.Second},
		logger:   log.WithComponent("coordinator").With().Str("node_id", cfg.NodeID).Logger(),
		stopCh:   make(chan struct{}),
	}
	c.applyFn = c.applyRaft
	return c, nil
}

// State exposes the replicated cluster state for read paths.
func (c *Coordinator) State() *State {
	return c.state
}

func (c *Coordinator) setupRaft() (*raft.NetworkTransport, error) {
	if err := os.MkdirAll(c.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(c.cfg.NodeID)
	// Tighter than the WAN-oriented defaults; failover detection rides on
	// heartbeat misses, not raft elections, so these only gate leader
	// handoff latency.
	rc.HeartbeatTimeout = 500 * time.Millisecond
	rc.ElectionTimeout = 500 * time.Millisecond
	rc.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", c.cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(c.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(c.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(c.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(rc, c.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	c.raft = r
	return transport, nil
}

// Bootstrap starts a new single-node cluster with this node as leader
// and registers it in the node table.
func (c *Coordinator) Bootstrap() error {
	transport, err := c.setupRaft()
	if err != nil {
		return err
	}

	future := c.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{
			ID:      raft.ServerID(c.cfg.NodeID),
			Address: transport.LocalAddr(),
		}},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	// Leadership election for a single voter completes quickly; wait so
	// the self-registration apply below does not race it.
	deadline := time.After(5 * time.Second)
	for c.raft.State() != raft.Leader {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for leadership after bootstrap")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := c.registerSelf(); err != nil {
		return err
	}
	c.startLoops()
	c.logger.Info().Str("bind", c.cfg.BindAddr).Msg("coordinator bootstrapped")
	return nil
}

// Join starts the raft layer and waits to be added as a voter by the
// current leader via AddVoter.
func (c *Coordinator) Join() error {
	if _, err := c.setupRaft(); err != nil {
		return err
	}
	c.startLoops()
	c.logger.Info().Str("bind", c.cfg.BindAddr).Msg("coordinator joined, awaiting voter promotion")
	return nil
}

// AddVoter adds a node to the raft cluster and registers it in the node
// table. Leader only.
func (c *Coordinator) AddVoter(nodeID, address, endpoint string, capacity int, tags []string) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", c.LeaderAddr())
	}
	future := c.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return c.RegisterNode(&types.ScannerNode{
		ID:            nodeID,
		Endpoint:      endpoint,
		Capacity:      capacity,
		Tags:          tags,
		Health:        types.NodeHealthy,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	})
}

// RemoveNode removes a node from both the raft cluster and the node
// table. Its scans fail over on the next sweep.
func (c *Coordinator) RemoveNode(nodeID string) error {
	if !c.IsLeader() {
		return fmt.Errorf("not the leader")
	}
	future := c.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %w", err)
	}
	_, err := c.apply(opRemoveNode, nodeID)
	return err
}

// IsLeader reports whether this node currently leads the cluster.
func (c *Coordinator) IsLeader() bool {
	return c.raft != nil && c.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's raft address.
func (c *Coordinator) LeaderAddr() string {
	if c.raft == nil {
		return ""
	}
	return string(c.raft.Leader())
}

func (c *Coordinator) registerSelf() error {
	return c.RegisterNode(&types.ScannerNode{
		ID:            c.cfg.NodeID,
		Endpoint:      c.cfg.Endpoint,
		Capacity:      c.cfg.Capacity,
		Tags:          c.cfg.Tags,
		Health:        types.NodeHealthy,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	})
}

// RegisterNode replicates a node-table entry.
func (c *Coordinator) RegisterNode(n *types.ScannerNode) error {
	_, err := c.apply(opRegisterNode, n)
	return err
}

// Heartbeat replicates one liveness report.
func (c *Coordinator) Heartbeat(nodeID string, load int) error {
	_, err := c.apply(opHeartbeat, heartbeatPayload{NodeID: nodeID, Load: load, At: time.Now()})
	return err
}

// PlaceScan picks a node for the scan under the configured strategy and
// replicates the assignment. Leader only.
func (c *Coordinator) PlaceScan(s *types.Scan) (*types.ScannerNode, error) {
	if !c.IsLeader() {
		return nil, fmt.Errorf("not the leader, current leader: %s", c.LeaderAddr())
	}
	candidates := eligible(c.state.Nodes(), s)
	node := c.strategy.Pick(candidates, s)
	if node == nil {
		return nil, ErrNoEligibleNode
	}
	a := &Assignment{
		ScanID:     s.ID,
		NodeID:     node.ID,
		AssignedAt: time.Now(),
	}
	if c.cfg.AssignmentDeadline > 0 {
		a.Deadline = a.AssignedAt.Add(c.cfg.AssignmentDeadline)
	}
	if _, err := c.apply(opAssignScan, a); err != nil {
		return nil, err
	}
	c.logger.Info().Str("scan_id", s.ID).Str("node", node.ID).Str("strategy", c.strategy.Name()).Msg("scan placed")
	return node, nil
}

// ReleaseScan drops a terminal scan's assignment.
func (c *Coordinator) ReleaseScan(scanID string) error {
	_, err := c.apply(opReleaseScan, scanID)
	return err
}

func (c *Coordinator) apply(op string, payload interface{}) (interface{}, error) {
	return c.applyFn(op, payload)
}

func (c *Coordinator) applyRaft(op string, payload interface{}) (interface{}, error) {
	if c.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	future := c.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", op, err)
	}
	resp := future.Response()
	if rerr, ok := resp.(error); ok && rerr != nil {
		return nil, rerr
	}
	return resp, nil
}

func (c *Coordinator) startLoops() {
	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.sweepLoop()
}

// heartbeatLoop reports local liveness on the configured cadence.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			load := 0
			if c.loadFn != nil {
				load = c.loadFn()
			}
			if c.IsLeader() {
				if err := c.Heartbeat(c.cfg.NodeID, load); err != nil {
					c.logger.Warn().Err(err).Msg("failed to replicate heartbeat")
				}
				continue
			}
			// Only the leader can append to the log, so followers hand
			// their liveness report to the leader's HTTP endpoint.
			if err := c.forwardHeartbeat(load); err != nil {
				c.logger.Warn().Err(err).Msg("failed to forward heartbeat to leader")
			}
		}
	}
}

// sweepLoop ages heartbeats, flips unreachable nodes and fails their
// scans over. Leader only; followers observe the results through the
// log.
func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.IsLeader() {
				continue
			}
			c.sweep()
		}
	}
}

func (c *Coordinator) sweep() {
	cutoff := time.Now().Add(-c.cfg.HeartbeatInterval)
	resp, err := c.apply(opMarkUnreachable, unreachablePayload{Cutoff: cutoff, Threshold: c.cfg.MissThreshold})
	if err != nil {
		c.logger.Warn().Err(err).Msg("liveness sweep failed")
		return
	}
	c.updateNodeGauges()

	down, _ := resp.([]*types.ScannerNode)
	for _, node := range down {
		c.logger.Warn().Str("node", node.ID).Int("missed", node.MissedBeats).Msg("node unreachable, failing scans over")
		c.failover(node.ID)
	}

	// Assignments that blew their deadline are re-placed like those on a
	// dead node; a scan stuck past its deadline is indistinguishable from
	// one whose node silently wedged.
	now := time.Now()
	for _, a := range c.state.Assignments() {
		if !a.Deadline.IsZero() && now.After(a.Deadline) {
			c.logger.Warn().Str("scan_id", a.ScanID).Str("node", a.NodeID).Msg("assignment deadline exceeded")
			c.replace(a)
		}
	}
}

func (c *Coordinator) updateNodeGauges() {
	counts := map[types.NodeHealth]int{}
	for _, n := range c.state.Nodes() {
		counts[n.Health]++
	}
	for _, h := range []types.NodeHealth{types.NodeHealthy, types.NodeDegraded, types.NodeUnreachable} {
		metrics.NodesKnown.WithLabelValues(string(h)).Set(float64(counts[h]))
	}
}

// failover re-places every scan assigned to a dead node.
func (c *Coordinator) failover(nodeID string) {
	for _, a := range c.state.AssignmentsFor(nodeID) {
		c.replace(a)
	}
}

// replace moves one assignment to a fresh node, resuming it from the
// durable event log when it lands locally. After maxReplacements failed
// placements the scan is declared FAILED.
func (c *Coordinator) replace(a *Assignment) {
	if a.Replacements >= maxReplacements {
		c.failScan(a.ScanID)
		return
	}

	s, err := c.store.GetScan(a.ScanID)
	if err != nil {
		c.logger.Error().Str("scan_id", a.ScanID).Err(err).Msg("cannot load scan for re-placement")
		c.failScan(a.ScanID)
		return
	}

	candidates := eligible(c.state.Nodes(), s)
	// Never re-place onto the node it just failed on.
	filtered := candidates[:0]
	for _, n := range candidates {
		if n.ID != a.NodeID {
			filtered = append(filtered, n)
		}
	}
	target := c.strategy.Pick(filtered, s)
	if target == nil {
		c.logger.Warn().Str("scan_id", a.ScanID).Msg("no eligible node for re-placement")
		c.failScan(a.ScanID)
		return
	}

	next := &Assignment{
		ScanID:       a.ScanID,
		NodeID:       target.ID,
		AssignedAt:   time.Now(),
		Replacements: a.Replacements + 1,
	}
	if c.cfg.AssignmentDeadline > 0 {
		next.Deadline = next.AssignedAt.Add(c.cfg.AssignmentDeadline)
	}
	if _, err := c.apply(opAssignScan, next); err != nil {
		c.logger.Error().Str("scan_id", a.ScanID).Err(err).Msg("failed to replicate re-placement")
		return
	}
	metrics.Failovers.Inc()
	c.logger.Info().Str("scan_id", a.ScanID).Str("from", a.NodeID).Str("to", target.ID).
		Int("replacements", next.Replacements).Msg("scan re-placed")

	if target.ID == c.cfg.NodeID && c.launcher != nil {
		go func(scanID string) {
			if err := c.launcher.ResumeScan(context.Background(), scanID); err != nil {
				c.logger.Error().Str("scan_id", scanID).Err(err).Msg("local resume after failover failed")
			}
		}(a.ScanID)
	}
}

func (c *Coordinator) failScan(scanID string) {
	c.logger.Error().Str("scan_id", scanID).Msg("re-placement budget exhausted, failing scan")
	if err := c.store.SetScanStatus(scanID, types.ScanStatusFailed); err != nil {
		c.logger.Error().Str("scan_id", scanID).Err(err).Msg("failed to persist FAILED status")
	}
	if _, err := c.apply(opReleaseScan, scanID); err != nil {
		c.logger.Warn().Str("scan_id", scanID).Err(err).Msg("failed to release assignment")
	}
}

// Shutdown stops the loops and the raft layer.
func (c *Coordinator) Shutdown() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	if c.raft != nil {
		if err := c.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
	}
	return nil
}
