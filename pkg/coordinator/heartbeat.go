package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HeartbeatPath is the HTTP path on a node's endpoint that accepts
// forwarded liveness reports.
const HeartbeatPath = "/v1/heartbeat"

// HeartbeatHandler returns the receiver for forwarded heartbeats. Only
// the leader can append to the raft log, so followers POST their
// liveness report here and the leader replicates it on their behalf.
func (c *Coordinator) HeartbeatHandler() http.Handler {
	return heartbeatReceiver(c.IsLeader, c.Heartbeat)
}

func heartbeatReceiver(isLeader func() bool, record func(nodeID string, load int) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var hb heartbeatPayload
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
			http.Error(w, "malformed heartbeat", http.StatusBadRequest)
			return
		}
		if hb.NodeID == "" {
			http.Error(w, "missing node_id", http.StatusBadRequest)
			return
		}
		if !isLeader() {
			// Leadership moved since the sender looked it up; it will
			// retry against the new leader on the next beat.
			http.Error(w, "not the leader", http.StatusServiceUnavailable)
			return
		}
		if err := record(hb.NodeID, hb.Load); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// forwardHeartbeat delivers the local liveness report to the current
// leader's HTTP endpoint.
func (c *Coordinator) forwardHeartbeat(load int) error {
	if c.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	_, leaderID := c.raft.LeaderWithID()
	if leaderID == "" {
		return fmt.Errorf("no leader elected")
	}
	leader, ok := c.state.Node(string(leaderID))
	if !ok || leader.Endpoint == "" {
		return fmt.Errorf("no endpoint known for leader %s", leaderID)
	}
	return postHeartbeat(c.hbClient, leader.Endpoint, heartbeatPayload{
		NodeID: c.cfg.NodeID,
		Load:   load,
		At:     time.Now(),
	})
}

func postHeartbeat(client *http.Client, endpoint string, hb heartbeatPayload) error {
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	url := endpoint + HeartbeatPath
	if !strings.Contains(endpoint, "://") {
		url = "http://" + url
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("leader rejected heartbeat: %s", resp.Status)
	}
	return nil
}
