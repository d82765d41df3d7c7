/*
Package storage provides BoltDB-backed persistence for scan engine state.

The storage package implements the Store interface using BoltDB as the
underlying database, providing ACID transactions for the per-scan event
log, scan metadata, the per-scan log stream, dead-letter records and the
error telemetry archive. All data is serialized as JSON.

# Layout

Each scan's event log is a nested bucket keyed by the 8-byte big-endian
publish sequence, so cursor iteration returns events in publish order and
the log is append-only by construction. A parallel event-id index bucket
maps event IDs back to sequence keys; AppendEvent consults it first, which
is what makes persistence idempotent on the event ID and makes re-driving
the log after a crash or failover harmless.

	events        scanID -> (seq      -> event JSON)
	event_ids     scanID -> (eventID  -> seq)
	scans         scanID -> scan JSON
	scan_logs     scanID -> (seq      -> entry JSON)
	dead_letters  scanID -> (id       -> record JSON)
	telemetry     fingerprint -> record JSON

# Durability ordering

The event bus calls AppendEvent before fanning an event out to
subscribers. Because BoltDB commits with fsync, any event that was ever
delivered is recoverable from the log, which is the foundation of the
engine's at-least-once delivery guarantee.
*/
package storage
