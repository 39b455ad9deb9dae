// Package metrics bundles the Prometheus collectors shared by the
// server and worker binaries. All methods are nil-safe so callers can
// run without instrumentation (tests, one-off tooling) by passing a
// nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mlsec"

// Metrics owns a dedicated registry so two instances never collide on
// collector registration, which matters in tests that build several
// servers per process.
type Metrics struct {
	reg *prometheus.Registry

	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	evalFiles     *prometheus.CounterVec
	evalSeconds   prometheus.Histogram
	gatewayReqs   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs picked up from the queue, by kind.",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs finished, by kind and terminal status.",
		}, []string{"kind", "status"}),
		evalFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_files_total",
			Help:      "Attack files evaluated, by outcome.",
		}, []string{"outcome"}),
		evalSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_request_seconds",
			Help:      "Wall time of a single classification request.",
			// The default request timeout is 5s; the tail buckets cover
			// deployments that raise it.
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		gatewayReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Requests proxied to defense containers, by mirrored status code.",
		}, []string{"code"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsStarted,
		m.jobsCompleted,
		m.evalFiles,
		m.evalSeconds,
		m.gatewayReqs,
	)
	return m
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted(kind string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) JobCompleted(kind, status string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(kind, status).Inc()
}

// FileEvaluated records one classification attempt. outcome is "ok" for
// a parsed prediction or the error class otherwise.
func (m *Metrics) FileEvaluated(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evalFiles.WithLabelValues(outcome).Inc()
	m.evalSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) GatewayRequest(code int) {
	if m == nil {
		return
	}
	m.gatewayReqs.WithLabelValues(strconv.Itoa(code)).Inc()
}
