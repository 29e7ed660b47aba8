package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromCollectors holds the registered Prometheus collectors.
type PromCollectors struct {
	WorkersActive prometheus.Gauge
	TasksAdmitted prometheus.Counter
	TasksProxied  prometheus.Counter
	TasksRejected prometheus.Counter
	ProxyFailures prometheus.Counter
	QueueDepth    prometheus.Gauge
}

// InitPrometheus registers the proxy collectors under the given
// namespace, reusing already-registered collectors so repeated
// initialization in tests is harmless.
func InitPrometheus(namespace string) *PromCollectors {
	register := func(c prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(c); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return are.ExistingCollector
			}
			return c
		}
		return c
	}

	pc := &PromCollectors{}

	pc.WorkersActive = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "workers_active_count",
		Help:      "Number of currently connected worker sessions",
	})).(prometheus.Gauge)

	pc.TasksAdmitted = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_admitted_total",
		Help:      "Total number of tasks admitted into the dispatch queue",
	})).(prometheus.Counter)

	pc.TasksProxied = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_proxied_total",
		Help:      "Total number of tasks proxied to completion",
	})).(prometheus.Counter)

	pc.TasksRejected = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_rejected_total",
		Help:      "Total number of tasks rejected as unroutable",
	})).(prometheus.Counter)

	pc.ProxyFailures = register(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_failures_total",
		Help:      "Total number of IO failures while proxying responses",
	})).(prometheus.Counter)

	pc.QueueDepth = register(prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current total number of queued tasks",
	})).(prometheus.Gauge)

	return pc
}
