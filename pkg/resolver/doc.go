/*
Package resolver computes minimal module sets from declared event types.

Given the registered plugin descriptors, a seed event type and the
outputs the user asked for, Resolve walks the producer→consumer graph
backward from the modules that can produce those outputs, accumulating
the producers they depend on, and stops at modules that can run from the
seed alone. The surviving subgraph is ordered with Kahn's topological
sort for initialization.

Cycles between modules are expected (module A may feed B and vice
versa) and benign at runtime, since delivery is event-driven; only
initialization needs an order. When a cycle blocks the sort, the edge
into the consumer with the fewest required inputs is removed and the
break is reported in the diagnostics. Requested outputs that no module
chain can reach from the seed are likewise reported as warnings, never
as failures.
*/
package resolver
