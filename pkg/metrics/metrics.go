package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine-wide instruments. Registered on the default registry so the
// serve command only has to expose promhttp.
var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "bus",
		Name:      "events_published_total",
		Help:      "Events accepted and durably written by the bus.",
	}, []string{"type"})

	WorkItemsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "queue",
		Name:      "work_items_dispatched_total",
		Help:      "Work items admitted to the scan queue, by lane.",
	}, []string{"lane"})

	WorkItemsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "worker",
		Name:      "work_items_completed_total",
		Help:      "Handler invocations by final disposition.",
	}, []string{"disposition"}) // ok, retried, dead_lettered, abandoned

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "telemetry",
		Name:      "handler_errors_total",
		Help:      "Caught handler errors by category.",
	}, []string{"category"})

	Retries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Retry attempts scheduled.",
	})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "queue",
		Name:      "dead_letters_total",
		Help:      "Work items moved to the dead letter queue, by reason.",
	}, []string{"reason"})

	QueuePressure = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spiderfoot",
		Subsystem: "queue",
		Name:      "pressure",
		Help:      "Aggregate queue fill ratio in [0,1].",
	})

	ScansActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "spiderfoot",
		Subsystem: "scan",
		Name:      "active",
		Help:      "Scans currently in a non-terminal state on this node.",
	})

	ScanTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "scan",
		Name:      "transitions_total",
		Help:      "Scan lifecycle transitions by target state.",
	}, []string{"to"})

	NodesKnown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spiderfoot",
		Subsystem: "coordinator",
		Name:      "nodes",
		Help:      "Known scanner nodes by health.",
	}, []string{"health"})

	Failovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "spiderfoot",
		Subsystem: "coordinator",
		Name:      "failovers_total",
		Help:      "Scan re-placements triggered by node failure.",
	})
)
