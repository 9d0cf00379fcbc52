// Package metrics holds the coordinator's Prometheus instruments
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "searchcoord"

var EventsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ingest",
	Name:      "events_handled_total",
}, []string{"event", "result"})

var TasksCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "created_total",
}, []string{"task_type"})

var TasksClaimed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tasks",
	Name:      "claimed_total",
})

var WatermarkClassified = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "watermark",
	Name:      "indices_classified_total",
}, []string{"level"})

var IndicesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "watermark",
	Name:      "indices_selected_for_eviction_total",
})

var RepositoriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "failure",
	Name:      "repositories_failed_total",
})

var RolloutRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "rollout",
	Name:      "runs_total",
}, []string{"result"})

var StorageRefreshed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "accounting",
	Name:      "indices_refreshed_total",
})

var JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "duration_seconds",
	Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120},
}, []string{"job", "result"})

var ErrorsTracked = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "errors",
	Name:      "tracked_total",
}, []string{"component"})

var NodesOnline = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "nodes",
	Name:      "online",
})

// Registry is the dedicated registry served on /metrics
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		EventsHandled,
		TasksCreated,
		TasksClaimed,
		WatermarkClassified,
		IndicesEvicted,
		RepositoriesFailed,
		RolloutRuns,
		StorageRefreshed,
		JobDuration,
		ErrorsTracked,
		NodesOnline,
	)
}
