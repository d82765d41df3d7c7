/*
Package config holds the engine configuration surface.

Configuration is loaded once at process start from a YAML file overlaid on
Default(), validated, and then treated as immutable. Scan creation
additionally snapshots the per-module options it is given, so a running
scan never observes configuration changes.

Tunables cover the event bus window, queue lane capacities and policies,
worker pool sizing and handler timeouts, the scan quiet window and abort
grace, retry strategy parameters, telemetry retention and the multi-node
coordinator (heartbeat cadence, miss threshold, placement strategy).
*/
package config
