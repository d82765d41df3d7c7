package resolver

import (
	"fmt"
	"sort"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

// BrokenEdge names a producer→consumer edge removed to break a cycle.
type BrokenEdge struct {
	From string
	To   string
}

func (e BrokenEdge) String() string {
	return fmt.Sprintf("%s->%s", e.From, e.To)
}

// Diagnostics carries non-fatal resolution warnings. Unreachable outputs
// and broken cycles do not fail scan creation; the engine forwards them
// to telemetry and the scan log.
type Diagnostics struct {
	// UnsatisfiedOutputs are requested outputs no registered module chain
	// can produce from the seed type.
	UnsatisfiedOutputs []types.EventType

	// BrokenEdges lists cycle-breaking edge removals, in the order they
	// were applied. Cycles are benign at runtime; the ordering only
	// governs initialization.
	BrokenEdges []BrokenEdge
}

// Result is the resolved module set in initialization order.
type Result struct {
	Modules     []string
	Diagnostics Diagnostics
}

// Resolve computes the minimal module set sufficient to produce the
// requested outputs from the seed type, ordered for initialization.
//
// The graph has an edge A→B when any produced type of A is watched by B.
// Modules producing a requested output are sinks; the walk runs backward
// from sinks accumulating producers, stopping at modules whose required
// inputs are empty or satisfied by the seed alone.
func Resolve(descriptors []types.PluginDescriptor, seed types.EventType, outputs []types.EventType) (*Result, error) {
	if len(descriptors) == 0 {
		return &Result{Diagnostics: Diagnostics{UnsatisfiedOutputs: outputs}}, nil
	}

	byName := make(map[string]types.PluginDescriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	// producers[t] = modules producing event type t
	producers := make(map[types.EventType][]string)
	for _, d := range descriptors {
		for _, t := range d.ProducedEvents {
			producers[t] = append(producers[t], d.Name)
		}
	}

	// Backward walk from sinks.
	selected := make(map[string]bool)
	var frontier []string
	for _, d := range descriptors {
		for _, out := range outputs {
			if d.Produces(out) {
				if !selected[d.Name] {
					selected[d.Name] = true
					frontier = append(frontier, d.Name)
				}
				break
			}
		}
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		d := byName[name]

		if seedSatisfied(d, seed) {
			// This module runs straight off the seed; nothing upstream of
			// it is needed on its account.
			continue
		}
		for _, want := range d.WatchedEvents {
			if want == seed {
				continue
			}
			for _, producer := range producers[want] {
				if producer == name || selected[producer] {
					continue
				}
				selected[producer] = true
				frontier = append(frontier, producer)
			}
		}
	}

	diags := Diagnostics{
		UnsatisfiedOutputs: unsatisfied(descriptors, seed, outputs),
	}

	ordered, broken := topoOrder(byName, selected)
	diags.BrokenEdges = broken

	return &Result{Modules: ordered, Diagnostics: diags}, nil
}

// seedSatisfied reports whether the module can run from the seed alone:
// its required inputs are empty or only the seed type.
func seedSatisfied(d types.PluginDescriptor, seed types.EventType) bool {
	for _, req := range d.RequiredInputs {
		if req != seed {
			return false
		}
	}
	return true
}

// unsatisfied computes the requested outputs not reachable from the seed
// through any registered module chain. This considers ALL registered
// modules, not just the selected subset, because it answers "could any
// configuration produce this".
func unsatisfied(descriptors []types.PluginDescriptor, seed types.EventType, outputs []types.EventType) []types.EventType {
	reachable := map[types.EventType]bool{seed: true}
	for changed := true; changed; {
		changed = false
		for _, d := range descriptors {
			triggered := false
			for _, w := range d.WatchedEvents {
				if reachable[w] {
					triggered = true
					break
				}
			}
			if !triggered {
				continue
			}
			for _, p := range d.ProducedEvents {
				if !reachable[p] {
					reachable[p] = true
					changed = true
				}
			}
		}
	}

	var missing []types.EventType
	for _, out := range outputs {
		if !reachable[out] {
			missing = append(missing, out)
		}
	}
	return missing
}

// topoOrder runs Kahn's algorithm over the selected subgraph. When a
// cycle blocks progress it removes the in-edge whose consumer has the
// fewest required inputs and records it.
func topoOrder(byName map[string]types.PluginDescriptor, selected map[string]bool) ([]string, []BrokenEdge) {
	type edge struct{ from, to string }

	edges := make(map[edge]bool)
	indegree := make(map[string]int)
	for name := range selected {
		indegree[name] = 0
	}
	for from := range selected {
		for to := range selected {
			if from == to {
				continue
			}
			if producesWatched(byName[from], byName[to]) {
				e := edge{from, to}
				if !edges[e] {
					edges[e] = true
					indegree[to]++
				}
			}
		}
	}

	ready := func() []string {
		var out []string
		for name := range selected {
			if indegree[name] == 0 {
				out = append(out, name)
			}
		}
		sort.Strings(out)
		return out
	}

	var ordered []string
	var broken []BrokenEdge
	placed := make(map[string]bool)

	for len(ordered) < len(selected) {
		progressed := false
		for _, name := range ready() {
			if placed[name] {
				continue
			}
			placed[name] = true
			ordered = append(ordered, name)
			indegree[name] = -1 // out of the running
			for e := range edges {
				if e.from == name && edges[e] {
					edges[e] = false
					indegree[e.to]--
				}
			}
			progressed = true
		}
		if progressed {
			continue
		}

		// Cycle: break the in-edge of the consumer with the fewest
		// required dependencies; ties go to the lexicographically first
		// edge for determinism.
		var victim edge
		best := -1
		for e, live := range edges {
			if !live || placed[e.from] || placed[e.to] {
				continue
			}
			reqs := len(byName[e.to].RequiredInputs)
			if best == -1 || reqs < best ||
				(reqs == best && (e.from < victim.from || (e.from == victim.from && e.to < victim.to))) {
				best = reqs
				victim = e
			}
		}
		if best == -1 {
			break // nothing left to break; shouldn't happen
		}
		edges[victim] = false
		indegree[victim.to]--
		broken = append(broken, BrokenEdge{From: victim.from, To: victim.to})
	}

	return ordered, broken
}

func producesWatched(producer, consumer types.PluginDescriptor) bool {
	for _, p := range producer.ProducedEvents {
		if consumer.Watches(p) {
			return true
		}
	}
	return false
}
