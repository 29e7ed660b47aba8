// Package metrics provides collection and reporting of proxy metrics.
package metrics

import (
	"sync/atomic"
)

// Collector holds all proxy counters. Updates are atomic and mirrored
// into the attached Prometheus collectors when present.
type Collector struct {
	WorkersActive atomic.Int64
	TasksAdmitted atomic.Uint64
	TasksProxied  atomic.Uint64
	TasksRejected atomic.Uint64
	ProxyFailures atomic.Uint64
	QueueDepth    atomic.Int64

	prom *PromCollectors
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// AttachPrometheus mirrors future updates into registered Prometheus
// collectors.
func (m *Collector) AttachPrometheus(p *PromCollectors) {
	m.prom = p
}

// WorkerConnected increments the active worker gauge.
func (m *Collector) WorkerConnected() {
	m.WorkersActive.Add(1)
	if m.prom != nil {
		m.prom.WorkersActive.Inc()
	}
}

// WorkerClosed decrements the active worker gauge.
func (m *Collector) WorkerClosed() {
	m.WorkersActive.Add(-1)
	if m.prom != nil {
		m.prom.WorkersActive.Dec()
	}
}

// TaskAdmitted counts a task accepted into the dispatch queue.
func (m *Collector) TaskAdmitted() {
	m.TasksAdmitted.Add(1)
	if m.prom != nil {
		m.prom.TasksAdmitted.Inc()
	}
}

// TaskProxied counts a task proxied to completion.
func (m *Collector) TaskProxied() {
	m.TasksProxied.Add(1)
	if m.prom != nil {
		m.prom.TasksProxied.Inc()
	}
}

// TaskRejected counts a task rejected as unroutable or unsatisfiable.
func (m *Collector) TaskRejected() {
	m.TasksRejected.Add(1)
	if m.prom != nil {
		m.prom.TasksRejected.Inc()
	}
}

// ProxyFailure counts an IO failure during a proxied response.
func (m *Collector) ProxyFailure() {
	m.ProxyFailures.Add(1)
	if m.prom != nil {
		m.prom.ProxyFailures.Inc()
	}
}

// SetQueueDepth records the current total number of queued tasks.
func (m *Collector) SetQueueDepth(n int) {
	m.QueueDepth.Store(int64(n))
	if m.prom != nil {
		m.prom.QueueDepth.Set(float64(n))
	}
}

// Snapshot represents a point-in-time view of the collector.
type Snapshot struct {
	WorkersActive int64  `json:"workers_active"`
	TasksAdmitted uint64 `json:"tasks_admitted"`
	TasksProxied  uint64 `json:"tasks_proxied"`
	TasksRejected uint64 `json:"tasks_rejected"`
	ProxyFailures uint64 `json:"proxy_failures"`
	QueueDepth    int64  `json:"queue_depth"`
}

// Snapshot returns the current counter values.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		WorkersActive: m.WorkersActive.Load(),
		TasksAdmitted: m.TasksAdmitted.Load(),
		TasksProxied:  m.TasksProxied.Load(),
		TasksRejected: m.TasksRejected.Load(),
		ProxyFailures: m.ProxyFailures.Load(),
		QueueDepth:    m.QueueDepth.Load(),
	}
}
