/*
Package queue implements the three-lane bounded work queue feeding the
worker pool.

Lanes map to scan priority (HIGH, NORMAL, LOW), each a bounded FIFO with
its own admission policy. BLOCK waits for space until a deadline, REJECT
fails fast, and DROP_OLDEST evicts the lane's oldest item to the dead
letter queue to admit the new one. Dequeue serves lanes by weighted
round-robin (default 4:2:1) so lower lanes keep a guaranteed share under
sustained high-priority load.

Requeue handles retry re-admission: attempts increment on each pass and
a breach of the retry ceiling moves the item to the DLQ instead of back
into a lane. Pressure is the aggregate fill ratio across lanes in
[0, 1]; callbacks registered with OnPressure fire once per upward
threshold crossing, letting the engine shed low-priority intake before
the queue saturates.
*/
package queue
