/*
Package coordinator distributes scans across a cluster of scanner
nodes.

Cluster state is two tables, the node registry and the scan assignment
map, replicated through a raft log so every voter converges on the same
view. All mutations are FSM commands: node registration, heartbeats,
assignment and release. Reads come straight from the local state copy.

Liveness is heartbeat-driven. Each node reports its load on a fixed
cadence: the leader appends its own beat to the log directly, while
followers forward theirs to the leader's HTTP endpoint for replication.
The leader's sweep ages the table and counts missed beats.
Crossing the miss threshold flips a node to UNREACHABLE, at which point
every scan assigned to it is re-placed on a surviving node under the
configured strategy (least loaded, round robin, consistent hash or
random), honoring required tags and capacity. A scan landing back on
the local node resumes from its durable event log rather than starting
over. Re-placement is budgeted: after two failed moves the scan is
declared FAILED instead of circulating through a sick cluster forever.

Assignment deadlines catch the quieter failure mode where a node stays
reachable but its scan never finishes; an overdue assignment is treated
exactly like one stranded on a dead node.
*/
package coordinator
