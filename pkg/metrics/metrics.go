// Package metrics registers the Prometheus instruments shared by the
// engine components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument so components take one dependency.
type Metrics struct {
	EventsProcessed   *prometheus.CounterVec
	InstancesStarted  prometheus.Counter
	InstancesFinished *prometheus.CounterVec
	ActionsExecuted   *prometheus.CounterVec
	ActionDuration    *prometheus.HistogramVec
	RelayPublished    *prometheus.CounterVec
	RelayBatchSize    prometheus.Histogram
	SweeperRecovered  *prometheus.CounterVec
}

// New registers all instruments on reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clickless_events_processed_total",
			Help: "Orchestration events processed, by type and result.",
		}, []string{"type", "result"}),
		InstancesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "clickless_instances_started_total",
			Help: "Workflow instances moved from pending to running.",
		}),
		InstancesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clickless_instances_finished_total",
			Help: "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		ActionsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clickless_actions_executed_total",
			Help: "Action handler invocations, by action and result.",
		}, []string{"action", "result"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clickless_action_duration_seconds",
			Help:    "Action handler wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		RelayPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clickless_relay_published_total",
			Help: "Outbox messages published to the broker, by destination.",
		}, []string{"destination"}),
		RelayBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "clickless_relay_batch_size",
			Help:    "Outbox rows claimed per relay poll.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		SweeperRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "clickless_sweeper_recovered_total",
			Help: "Stuck instances re-dispatched by the sweeper, by decision.",
		}, []string{"decision"}),
	}
}
