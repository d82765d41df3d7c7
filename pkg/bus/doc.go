/*
Package bus implements the per-scan publish/subscribe event relay.

The bus routes published events to all matching subscribers within one
scan. Each scan gets its own routing table mapping exact event types to
subscription lists, with wildcard ("*") subscribers in a dedicated bucket
appended to every match. The table is protected by a read-optimized lock:
publishers only ever read it, subscribe/unsubscribe write.

# Delivery pipeline

Publish runs four stages:

 1. Validation: the causal parent must already be durable within the
    scan (ErrInvalidCausality), the scan must be open (ErrScanTerminated)
    and duplicate event IDs are dropped idempotently.
 2. Sequencing: a monotonic per-scan sequence number is assigned, used
    for observer ordering and storage keys.
 3. Durable write: the event is appended to the backend BEFORE fanout.
    Delivery can therefore always be re-driven from the log, which is how
    at-least-once delivery survives crashes and failover (see Redrive).
 4. Fanout: SyncInline subscriptions run on the publisher's goroutine
    with a bounded recursion depth (ErrDeliveryDepthExceeded); AsyncPool
    subscriptions become WorkItems handed to the Dispatcher.

Backpressure is cooperative: each scan has a bounded delivery window and
Publish blocks until a slot frees, failing with ErrBackpressureTimeout
after the configured deadline.

Within one scan, events published by the same module with the same type
reach a given subscriber in FIFO order; across types only the
happens-before order implied by source event IDs holds.
*/
package bus
