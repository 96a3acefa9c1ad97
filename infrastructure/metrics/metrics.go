// Package metrics provides Prometheus metrics collection
package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sovd-project/sovd-server/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// UDS/diagnostic metrics
	UDSRequestsInFlight   *prometheus.GaugeVec
	UDSNegativeResponses  *prometheus.CounterVec
	FlashTransferState    *prometheus.GaugeVec
	ActiveSubscriptions   prometheus.Gauge
	KeepaliveFailuresTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// UDS/diagnostic metrics
		UDSRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "uds_requests_in_flight",
				Help: "Current number of in-flight UDS requests per backend",
			},
			[]string{"backend"},
		),
		UDSNegativeResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uds_negative_responses_total",
				Help: "Total number of negative UDS responses by NRC",
			},
			[]string{"backend", "service_id", "nrc"},
		),
		FlashTransferState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flash_transfer_state",
				Help: "Current flash transfer state (1 for the active state, 0 otherwise)",
			},
			[]string{"backend", "state"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "subscriptions_active",
				Help: "Current number of active data subscriptions",
			},
		),
		KeepaliveFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_failures_total",
				Help: "Total number of tester-present keepalive failures",
			},
			[]string{"backend"},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.UDSRequestsInFlight,
			m.UDSNegativeResponses,
			m.FlashTransferState,
			m.ActiveSubscriptions,
			m.KeepaliveFailuresTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// SetUDSInFlight sets the number of in-flight UDS requests for a backend.
func (m *Metrics) SetUDSInFlight(backend string, count int) {
	m.UDSRequestsInFlight.WithLabelValues(backend).Set(float64(count))
}

// RecordNegativeResponse records a negative UDS response by NRC.
func (m *Metrics) RecordNegativeResponse(backend, serviceID string, nrc byte) {
	m.UDSNegativeResponses.WithLabelValues(backend, serviceID, fmt.Sprintf("0x%02X", nrc)).Inc()
}

// SetFlashTransferState marks the given state active for a backend, clearing any prior state.
func (m *Metrics) SetFlashTransferState(backend, state string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	m.FlashTransferState.DeletePartialMatch(prometheus.Labels{"backend": backend})
	m.FlashTransferState.WithLabelValues(backend, state).Set(value)
}

// SetActiveSubscriptions sets the current number of active subscriptions.
func (m *Metrics) SetActiveSubscriptions(count int) {
	m.ActiveSubscriptions.Set(float64(count))
}

// RecordKeepaliveFailure records a tester-present keepalive failure for a backend.
func (m *Metrics) RecordKeepaliveFailure(backend string) {
	m.KeepaliveFailuresTotal.WithLabelValues(backend).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
