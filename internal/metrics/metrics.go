// Package metrics exposes run, download and connection counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowgen"

type Metrics struct {
	registry *prometheus.Registry

	Jobs             *prometheus.CounterVec
	Downloads        *prometheus.CounterVec
	ConnectionChecks *prometheus.CounterVec
	RunsStarted      prometheus.Counter
	DriverRunning    prometheus.Gauge
}

// New registers every collector on a private registry so several instances can
// coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs processed by the generation driver, by result",
		}, []string{"result"}),
		Downloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifacts handled by the download dispatcher, by result",
		}, []string{"result"}),
		ConnectionChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_checks_total",
			Help:      "Connection monitor checks, by resulting status",
		}, []string{"status"}),
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Generation runs accepted by a driver",
		}),
		DriverRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_running",
			Help:      "Drivers currently processing a queue",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so components can run unmetered.

func (m *Metrics) JobDone(result string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(result).Inc()
}

func (m *Metrics) DownloadDone(result string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) ConnectionChecked(status string) {
	if m == nil {
		return
	}
	m.ConnectionChecks.WithLabelValues(status).Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
	m.DriverRunning.Inc()
}

func (m *Metrics) RunEnded() {
	if m == nil {
		return
	}
	m.DriverRunning.Dec()
}
