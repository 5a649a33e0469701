// Package metrics exposes scheduler and cycle counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lazypower/vaultweave/internal/scheduler"
)

const namespace = "vaultweave"

// Metrics holds the collectors on a dedicated registry.
type Metrics struct {
	Registry *prometheus.Registry

	executions    *prometheus.CounterVec
	running       *prometheus.GaugeVec
	retries       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	linksCreated  prometheus.Counter
	filesModified prometheus.Counter
	documents     prometheus.Gauge
}

// New registers every collector, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Finished task executions by task and status.",
		}, []string{"task", "status"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Task bodies currently in flight.",
		}, []string{"task"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Retries scheduled after a failed execution.",
		}, []string{"task"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of correlation and linking cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_created_total",
			Help:      "Links written into documents.",
		}),
		filesModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_modified_total",
			Help:      "Documents rewritten by the link applier.",
		}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents_indexed",
			Help:      "Documents in the current index snapshot.",
		}),
	}
	reg.MustRegister(
		m.executions, m.running, m.retries,
		m.cycleDuration, m.linksCreated, m.filesModified, m.documents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ExecutionChanged implements scheduler.Observer.
func (m *Metrics) ExecutionChanged(exec scheduler.TaskExecution) {
	switch {
	case exec.Status == scheduler.StatusRunning:
		m.running.WithLabelValues(exec.TaskID).Inc()
	case scheduler.IsTerminal(exec.Status):
		m.executions.WithLabelValues(exec.TaskID, string(exec.Status)).Inc()
		if !exec.StartedAt.IsZero() {
			m.running.WithLabelValues(exec.TaskID).Dec()
		}
	case exec.Status == scheduler.StatusPending && exec.Attempt > 0:
		m.retries.WithLabelValues(exec.TaskID).Inc()
	}
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(d time.Duration, documents, linksCreated, filesModified int) {
	m.cycleDuration.Observe(d.Seconds())
	m.documents.Set(float64(documents))
	m.linksCreated.Add(float64(linksCreated))
	m.filesModified.Add(float64(filesModified))
}

// SetDocuments records the size of a freshly built index.
func (m *Metrics) SetDocuments(n int) {
	m.documents.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
