/*
Package retry decides whether and when failed plugin invocations run
again.

Each error category maps to a backoff policy. TRANSIENT_NETWORK backs
off exponentially with a cap, TIMEOUT grows linearly, RESOURCE waits a
long fixed interval, and the permanent categories (AUTH, DATA_PARSE,
INTERNAL) never retry at all. Every computed delay gains a random
jitter component in [0, delay/4) so a burst of synchronized failures
does not hammer the same upstream in lockstep.

The retrier only computes decisions. The engine owns the schedule: it
sleeps the returned delay, requeues the item through the LOW lane, and
moves ceiling breaches and permanent failures to the dead letter queue.
*/
package retry
