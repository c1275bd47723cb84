// Package telemetry provides observability for the build service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build outcomes recorded by RecordBuild.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeError     = "error"
)

// Metrics collects Prometheus metrics for the build service. Each Metrics
// owns its registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	buildsTotal     *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	droppedTotal    prometheus.Counter
	linesTotal      prometheus.Counter
	resolutionTotal *prometheus.CounterVec
	sessionActive   prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
}

// NewMetrics creates a Metrics collector with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		buildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zigsandbox_builds_total",
			Help: "Build sessions by outcome",
		}, []string{"outcome"}),
		buildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "zigsandbox_build_duration_seconds",
			Help:    "Build session duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zigsandbox_dropped_requests_total",
			Help: "Run requests dropped because a session was active",
		}),
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zigsandbox_diagnostic_lines_total",
			Help: "Lines forwarded to requesters",
		}),
		resolutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zigsandbox_toolchain_resolutions_total",
			Help: "Toolchain resolutions by result",
		}, []string{"result"}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zigsandbox_session_active",
			Help: "1 while a build session is running",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zigsandbox_stage_duration_seconds",
			Help:    "Build stage duration by stage and status",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"stage", "status"}),
	}
	m.registry.MustRegister(
		m.buildsTotal,
		m.buildDuration,
		m.droppedTotal,
		m.linesTotal,
		m.resolutionTotal,
		m.sessionActive,
		m.stageDuration,
		prometheus.NewGoCollector(),
	)
	return m
}

// RecordBuild records a finished build session.
func (m *Metrics) RecordBuild(outcome string, duration time.Duration) {
	m.buildsTotal.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(duration.Seconds())
}

// RecordDropped records a run request dropped while busy.
func (m *Metrics) RecordDropped() { m.droppedTotal.Inc() }

// RecordLine records one forwarded line.
func (m *Metrics) RecordLine() { m.linesTotal.Inc() }

// RecordResolution records a toolchain resolution attempt.
func (m *Metrics) RecordResolution(result string, _ time.Duration) {
	m.resolutionTotal.WithLabelValues(result).Inc()
}

// SetActive flips the active session gauge.
func (m *Metrics) SetActive(active bool) {
	if active {
		m.sessionActive.Set(1)
		return
	}
	m.sessionActive.Set(0)
}

// StageSink observes finished spans in the stage duration histogram.
func (m *Metrics) StageSink() SpanSink {
	return func(span Span) {
		m.stageDuration.WithLabelValues(span.Stage, span.Status).Observe(span.Elapsed.Seconds())
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
