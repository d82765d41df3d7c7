/*
Package types defines the core data model shared across the scan engine.

All entities exchanged between subsystems live here: the immutable Event
envelope, the Scan record with its lifecycle status, the static
PluginDescriptor registration, the WorkItem delivery unit, error telemetry
records, dead-letter records and scanner node descriptors. The package has
no dependencies beyond the standard library so every other package can
import it freely.

Events are immutable after publication. The only post-hoc annotation,
false-positive marking, is applied to the persisted storage record and
never to an in-flight event.
*/
package types
