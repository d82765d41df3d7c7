/*
Package scan owns the per-scan lifecycle state machine.

A scan moves CREATED -> STARTING -> RUNNING and from there to one of
three terminal states. The controller serializes every transition
through an explicit lifecycle graph; anything the graph does not
connect returns ErrIllegalTransition. Each accepted transition is
persisted and appended to the scan log before the next one can run.

Completion is detected, never declared: the controller counts in-flight
work items and timestamps event activity, and only when the count sits
at zero for a full quiet window does RUNNING give way to FINISHING.
This closes the gap where a handler has been dequeued but has not yet
published its results. Aborts run the opposite way: Stop moves the scan
to ABORTING, cancels its work, and waits up to the grace period for
handlers to come back before declaring ABORTED. FAILED is reserved for
faults inside the engine itself; a misbehaving plugin can never fail a
scan on its own.
*/
package scan
