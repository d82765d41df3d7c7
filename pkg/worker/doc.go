/*
Package worker provides the fixed-size goroutine pool shared by all
concurrent scans.

Workers pull from a single bounded task channel, so total handler
concurrency is capped regardless of how many scans run at once. Each
scan registers a cancellation context up front; aborting a scan cancels
that context, which queued and running tasks for the scan observe
through ctx, without disturbing tasks of other scans. Tasks always run,
canceled or not, so their owners can settle in-flight accounting.

The pool tracks an in-flight count per scan (queued plus running). Idle
returns a channel that closes when the count reaches zero, which the
scan controller uses as one input to its quiescence detection.
*/
package worker
