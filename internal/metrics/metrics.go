// Package metrics holds the Prometheus collectors of a capture process.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes
const (
	OutcomeImage       = "image"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeEncodeError = "encode_error"
	OutcomeAborted     = "aborted"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	RequestsTotal      *prometheus.CounterVec
	FramesPersisted    prometheus.Counter
	SurfacesActive     prometheus.Gauge
	SessionTransitions *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests  *prometheus.CounterVec
	WSConnections prometheus.Gauge
}

// New creates collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_requests_total",
				Help: "On-demand capture requests by outcome",
			},
			[]string{"outcome"},
		),
		FramesPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "capture_frames_persisted_total",
				Help: "Frames written to disk by continuous capture",
			},
		),
		SurfacesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capture_surfaces_active",
				Help: "Surface pairs created and not yet released",
			},
		),
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capture_session_transitions_total",
				Help: "Capture session state transitions by target state",
			},
			[]string{"state"},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capturebridge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "capturebridge_ws_connections",
				Help: "Open event stream connections",
			},
		),
	}
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Request counts one completed capture request
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// FramePersisted counts one continuous frame written
func (m *Metrics) FramePersisted() {
	if m == nil {
		return
	}
	m.FramesPersisted.Inc()
}

// Surfaces sets the live surface gauge
func (m *Metrics) Surfaces(n int64) {
	if m == nil {
		return
	}
	m.SurfacesActive.Set(float64(n))
}

// Transition counts a session entering state
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(state).Inc()
}

// HTTPRequest counts one served HTTP request
func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}

// WSConnected adjusts the open event stream gauge by delta
func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}
