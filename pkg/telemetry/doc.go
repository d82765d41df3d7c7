/*
Package telemetry classifies, fingerprints and aggregates handler errors.

Every error caught at the plugin dispatch boundary flows through here.
Categorize maps it to one of the engine's error categories (explicit
classification via Classify wins over the heuristics); Fingerprint hashes
(category, handler location, normalized message) so equivalent failures
group together no matter which target triggered them. Message
normalization strips IPs, timestamps, quoted strings and long IDs before
hashing.

The Store keeps a bounded ring of recent occurrences for filtered
queries, per-fingerprint aggregates under sharded locks, and bucketized
sliding-window counters (1m/5m/1h by default) both globally and per
module. Alert rules pair a predicate over those counters with a callback;
a rule fires at most once per window so a sustained error burst cannot
turn into a callback storm.
*/
package telemetry
