// Package metrics wires the fuzzing engine into Prometheus: per-iteration
// verdict and mutation-strategy counters, a test-duration histogram, a
// transport reconnect counter, and session/agent-queue gauges, served over a minimal chi mux at /metrics and /healthz. Grounded
// on marmos91-dittofs's pkg/metrics/prometheus/cache.go nil-when-disabled
// pattern and pkg/api/server.go's graceful-shutdown HTTP server shape.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry creates the process-wide Prometheus registry. Calling it
// again replaces the previous registry; tests use this to get an isolated
// registry per test.
func InitRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// Reset clears the process-wide registry. Used by tests to avoid
// cross-test collector registration panics.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
}
