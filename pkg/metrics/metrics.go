// Package metrics defines the observability interface for the federation
// fabric and manages the shared Prometheus registry.
//
// The concrete implementation lives in pkg/metrics/prometheus and registers
// itself through RegisterFabricMetricsConstructor during package init; import
// it for side effects to enable collection. All constructors return nil when
// metrics are disabled, and every recording method tolerates a nil receiver,
// so disabled metrics cost nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FabricMetrics observes the message fabric and time coordination.
type FabricMetrics interface {
	// RecordMessageRouted counts one message forwarded by the core, labeled by
	// action kind and route.
	RecordMessageRouted(action string, route string)

	// RecordFrameRejected counts a dropped inbound frame by reason
	// ("bad_version", "short_frame", "counter_regression", "oversize").
	RecordFrameRejected(route string, reason string)

	// RecordGrant records a completed time grant and the wall-clock latency
	// the federate spent blocked.
	RecordGrant(federate string, latency time.Duration)

	// SetQueueDepth tracks a federate's inbound queue depth.
	SetQueueDepth(federate string, depth int)

	// SetActiveFederates tracks the registered federate count.
	SetActiveFederates(count int)
}

var (
	mu       sync.RWMutex
	registry *prometheus.Registry

	newFabricMetrics func() FabricMetrics
)

// InitRegistry enables metrics collection with a fresh registry.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return registry != nil
}

// GetRegistry returns the shared registry, nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.RLock()
	defer mu.RUnlock()
	return registry
}

// RegisterFabricMetricsConstructor installs the backend constructor. Called by
// pkg/metrics/prometheus during package initialization; the indirection keeps
// this package free of a dependency on its own backend.
func RegisterFabricMetricsConstructor(constructor func() FabricMetrics) {
	mu.Lock()
	defer mu.Unlock()
	newFabricMetrics = constructor
}

// NewFabricMetrics returns a backend instance, or nil when metrics are
// disabled or no backend is linked in.
func NewFabricMetrics() FabricMetrics {
	mu.RLock()
	ctor := newFabricMetrics
	mu.RUnlock()
	if ctor == nil || !IsEnabled() {
		return nil
	}
	return ctor()
}
