// Package metrics exposes Prometheus metrics for the license gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	licenseRequestsTotal *prometheus.CounterVec
	keyStoreReloadsTotal *prometheus.CounterVec
	keysLoaded           prometheus.Gauge
}

// New creates a metrics instance on its own registry. Using a private
// registry keeps repeated construction in tests from colliding.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		licenseRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_requests_total",
				Help: "License requests by authorization outcome",
			},
			[]string{"outcome"},
		),
		keyStoreReloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_store_reloads_total",
				Help: "Key store reload attempts by result",
			},
			[]string{"result"},
		),
		keysLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "keys_loaded",
				Help: "Number of key records currently loaded",
			},
		),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordLicenseRequest records the outcome of a license request.
// Outcome is one of: responded, no_credential, invalid_credential,
// no_keys_configured.
func (m *Metrics) RecordLicenseRequest(outcome string) {
	m.licenseRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordKeyStoreReload records a key store reload attempt.
func (m *Metrics) RecordKeyStoreReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.keyStoreReloadsTotal.WithLabelValues(result).Inc()
}

// SetKeysLoaded sets the loaded key record count.
func (m *Metrics) SetKeysLoaded(n int) {
	m.keysLoaded.Set(float64(n))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
