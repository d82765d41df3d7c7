/*
Package engine is the composition root of the scan execution pipeline.

It wires the durable store, the event bus, the three-lane scan queue,
the shared worker pool, the retry layer and error telemetry into one
runtime, and drives scans through their lifecycle on top of them. The
flow for one scan:

	CreateScan  resolve modules, validate options, persist CREATED
	StartScan   instantiate plugins, subscribe watched types, publish ROOT
	  bus       durable write, fanout as work items (Dispatch)
	  queue     lane by scan priority, fair-share dequeue
	  pool      isolated handler invocation via the plugin runtime
	  retry     backoff and requeue on transient failure, DLQ otherwise
	quiescence  controller sees in-flight zero for a quiet window
	FINISHING   close intake, teardown, FINISHED

The engine implements bus.Dispatcher, so async deliveries flow through
the queue rather than straight to goroutines; total concurrency is
bounded by the pool regardless of scan count. Failed invocations stay
in-flight across their backoff delay, which keeps quiescence detection
honest while retries are pending.

ResumeScan supports failover: a scan interrupted elsewhere restarts
here by replaying its durable event log through a fresh routing table.
Publish-side dedupe on event IDs makes the replay idempotent.
*/
package engine
