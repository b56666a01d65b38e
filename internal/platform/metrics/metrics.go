// Package metrics exposes Prometheus counters for the daemon's /metrics
// endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts task submissions by source.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "tasks_submitted_total",
		Help:      "Tasks submitted, by source.",
	}, []string{"source"})

	// TasksFinished counts terminal task outcomes.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "tasks_finished_total",
		Help:      "Tasks reaching a terminal status.",
	}, []string{"status"})

	// NodesExecuted counts node executions by type and outcome.
	NodesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "nodes_executed_total",
		Help:      "Node executions, by node type and outcome.",
	}, []string{"type", "outcome"})

	// BackendCalls counts backend invocations by adapter and outcome.
	BackendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "backend_calls_total",
		Help:      "Backend invocations, by adapter and outcome.",
	}, []string{"backend", "outcome"})

	// BackendCostUSD accumulates reported backend cost.
	BackendCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "backend_cost_usd_total",
		Help:      "Cumulative backend cost in USD.",
	})

	// QueueDepth tracks jobs currently in the queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cah",
		Name:      "queue_depth",
		Help:      "Jobs currently queued.",
	})

	// OrphansRecovered counts orphaned tasks reclaimed by the daemon.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cah",
		Name:      "orphans_recovered_total",
		Help:      "Orphaned running tasks reset by recovery.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
