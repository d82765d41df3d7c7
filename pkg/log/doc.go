/*
Package log provides structured logging built on zerolog.

A single global logger is initialized once at process start via Init and
shared across all engine components. Child-logger helpers attach the
standard correlation fields (component, scan_id, module, node_id) so log
lines from any subsystem can be joined back to the scan or node that
produced them.

Console output (human-readable, RFC3339 timestamps) is the default;
JSONOutput switches to machine-parseable JSON for production deployments.
*/
package log
