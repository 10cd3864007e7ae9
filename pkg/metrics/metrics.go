// Package metrics provides the Prometheus metric sets for the manager
// and the transports.
//
// Metrics are opt-in: until InitRegistry is called, constructors return
// nil and all record methods on a nil set are no-ops, so disabled
// metrics cost nothing at call sites.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection with a fresh registry.
// Idempotent: repeated calls keep the existing registry.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the active registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Reset discards the registry. Test-only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
}

// Handler returns the HTTP handler serving the /metrics endpoint, or nil
// when metrics are disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
