/*
Package metrics declares the Prometheus instruments the engine and
coordinator record into.

Instruments live on the default registry via promauto, so exposing them
is just mounting promhttp in the serving process. Label cardinality is
kept deliberately small: event type, queue lane, error category and
lifecycle state, never scan or node IDs.
*/
package metrics
