package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Build throughput and queue instrumentation.
type metrics struct {
	submitted  prometheus.Counter
	finished   *prometheus.CounterVec
	queueDepth prometheus.Gauge
	running    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apexd",
			Subsystem: "builds",
			Name:      "submitted_total",
			Help:      "Builds accepted into the queue.",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apexd",
			Subsystem: "builds",
			Name:      "finished_total",
			Help:      "Builds that reached a terminal status.",
		}, []string{"status"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apexd",
			Subsystem: "builds",
			Name:      "queue_depth",
			Help:      "Builds waiting for a worker.",
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apexd",
			Subsystem: "builds",
			Name:      "running",
			Help:      "Builds currently executing.",
		}),
	}
}
