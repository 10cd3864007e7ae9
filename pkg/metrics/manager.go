package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ManagerMetrics is the Prometheus metric set for the shared file
// manager. All methods are nil-safe.
type ManagerMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRegions   prometheus.Gauge
	connections     prometheus.Gauge
	cleanupsTotal   *prometheus.CounterVec
}

// NewManagerMetrics creates the manager metric set.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewManagerMetrics() *ManagerMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &ManagerMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshfile_manager_requests_total",
				Help: "Total shared file requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshfile_manager_request_duration_seconds",
				Help:    "Request latency by operation and transport",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
			[]string{"operation", "transport"},
		),
		activeRegions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "meshfile_manager_active_regions",
				Help: "Number of active regions in the registry",
			},
		),
		connections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "meshfile_manager_connections",
				Help: "Total connections across all active regions",
			},
		),
		cleanupsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshfile_manager_cleanups_total",
				Help: "Regions reclaimed by the cleanup loop, by reason",
			},
			[]string{"reason"}, // "ttl", "idle"
		),
	}
}

// ObserveRequest records one completed request.
func (m *ManagerMetrics) ObserveRequest(operation, transport, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation, transport).Observe(duration.Seconds())
}

// SetActiveRegions records the current registry size.
func (m *ManagerMetrics) SetActiveRegions(n int) {
	if m == nil {
		return
	}
	m.activeRegions.Set(float64(n))
}

// SetConnections records the total connection count.
func (m *ManagerMetrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

// RecordCleanup records one region reclaimed by the cleanup loop.
func (m *ManagerMetrics) RecordCleanup(reason string) {
	if m == nil {
		return
	}
	m.cleanupsTotal.WithLabelValues(reason).Inc()
}
