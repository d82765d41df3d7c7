/*
Package plugin defines the module authoring contract and the isolated
runtime that dispatches events into it.

A plugin is a value implementing Descriptor/Setup/Handle/Teardown. The
descriptor declares its watched and produced event types statically; the
resolver uses those sets to compute minimal module sets and
initialization order. Setup hands the plugin a Context carrying an event
emitter, the frozen option snapshot and an error reporter; plugins never
hold direct references to the scan, the bus or each other.

The Runtime owns one scan's plugin instances. Invoke executes a handler
with full isolation: panics are recovered into INTERNAL errors, the soft
timeout cancels the handler's context, and a handler that ignores
cancellation is abandoned at the hard timeout and its work item
dead-lettered with category TIMEOUT. A handler failure never terminates
other plugins or the scan. TeardownAll runs Teardown exactly once per
plugin, abort included.
*/
package plugin
