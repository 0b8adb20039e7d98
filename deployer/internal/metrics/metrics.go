// Package metrics holds the controller's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	AcquireCreated = "created"
	AcquireLocked  = "locked"
	AcquireInvalid = "invalid"
	AcquireError   = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	acquisitions     *prometheus.CounterVec
	completions      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	cancellations    *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	notifierFailures *prometheus.CounterVec
}

// New registers every collector on a fresh registry, so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_acquisitions_total",
			Help: "Deployment acquisition attempts by result",
		}, []string{"result"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_deployments_completed_total",
			Help: "Completed deployments by terminal status",
		}, []string{"status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagehand_deployment_duration_seconds",
			Help:    "Time from creation to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2h
		}, []string{"status"}),
		cancellations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_cancellations_total",
			Help: "Cancellation requests by result",
		}, []string{"result"}),
		dispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_dispatch_failures_total",
			Help: "Deployments whose process could not be started",
		}),
		notifierFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_notifier_failures_total",
			Help: "Failed notification deliveries by notifier",
		}, []string{"notifier"}),
	}
}

func (m *Metrics) Acquisition(result string) {
	m.acquisitions.WithLabelValues(result).Inc()
}

func (m *Metrics) Completed(status string, d time.Duration) {
	m.completions.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(d.Seconds())
}

func (m *Metrics) Cancellation(result string) {
	m.cancellations.WithLabelValues(result).Inc()
}

func (m *Metrics) DispatchFailed() {
	m.dispatchFailures.Inc()
}

// NotifierFailed has the signature of notify.Fanout.OnFailure.
func (m *Metrics) NotifierFailed(name string, _ error) {
	m.notifierFailures.WithLabelValues(name).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
