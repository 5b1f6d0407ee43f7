package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mxverify"

// Metrics holds the collectors of one running service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	verifications  *prometheus.CounterVec
	cacheOps       *prometheus.CounterVec
	mxLookups      *prometheus.CounterVec
	probeDuration  *prometheus.HistogramVec
	probesInFlight prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verifications_total",
				Help:      "Verification outcomes by verdict and the stage that produced them",
			},
			[]string{"result", "source"},
		),
		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Verification cache operations",
			},
			[]string{"op", "result"},
		),
		mxLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mx_lookups_total",
				Help:      "MX lookups by whether any exchanger was found",
			},
			[]string{"result"},
		),
		probeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_duration_seconds",
				Help:      "Duration of SMTP probes",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"result"},
		),
		probesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "probes_in_flight",
				Help:      "SMTP probes currently holding a concurrency slot",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "API requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	reg.MustRegister(m.verifications, m.cacheOps, m.mxLookups, m.probeDuration, m.probesInFlight, m.httpRequests)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func verdict(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

// Verification counts a produced outcome
func (m *Metrics) Verification(valid bool, source string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(verdict(valid), source).Inc()
}

// CacheOp counts a cache operation such as ("get", "hit")
func (m *Metrics) CacheOp(op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(op, result).Inc()
}

// MXLookup counts a resolution
func (m *Metrics) MXLookup(found bool) {
	if m == nil {
		return
	}
	result := "found"
	if !found {
		result = "empty"
	}
	m.mxLookups.WithLabelValues(result).Inc()
}

// ProbeStarted marks a probe as holding a slot
func (m *Metrics) ProbeStarted() {
	if m == nil {
		return
	}
	m.probesInFlight.Inc()
}

// ProbeFinished releases the slot and records the duration
func (m *Metrics) ProbeFinished(d time.Duration, valid bool) {
	if m == nil {
		return
	}
	m.probesInFlight.Dec()
	m.probeDuration.WithLabelValues(verdict(valid)).Observe(d.Seconds())
}

// HTTPRequest counts a served API request
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
