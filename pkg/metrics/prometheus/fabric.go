// Package prometheus implements the fabric metrics interface on the
// Prometheus client. Import for side effects to register the backend:
//
//	import _ "github.com/marmos91/fedcore/pkg/metrics/prometheus"
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/fedcore/pkg/metrics"
)

func init() {
	metrics.RegisterFabricMetricsConstructor(newFabricMetrics)
}

// fabricMetrics is the Prometheus implementation of metrics.FabricMetrics.
type fabricMetrics struct {
	messagesRouted  *prometheus.CounterVec
	framesRejected  *prometheus.CounterVec
	grantsTotal     *prometheus.CounterVec
	grantLatency    *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	activeFederates prometheus.Gauge
}

func newFabricMetrics() metrics.FabricMetrics {
	reg := metrics.GetRegistry()
	if reg == nil {
		return nil
	}

	return &fabricMetrics{
		messagesRouted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedcore_messages_routed_total",
				Help: "Messages forwarded by the core by action kind and route",
			},
			[]string{"action", "route"},
		),
		framesRejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedcore_frames_rejected_total",
				Help: "Inbound frames dropped before dispatch by reason",
			},
			[]string{"route", "reason"},
		),
		grantsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fedcore_time_grants_total",
				Help: "Time grants issued per federate",
			},
			[]string{"federate"},
		),
		grantLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "fedcore_grant_wait_seconds",
				Help: "Wall-clock time a federate spent blocked in requestTime",
				Buckets: []float64{
					0.0001, // in-process federations grant in microseconds
					0.001,
					0.01,
					0.1,
					1,
					10,
					60,
				},
			},
			[]string{"federate"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fedcore_inbound_queue_depth",
				Help: "Pending action messages per federate queue",
			},
			[]string{"federate"},
		),
		activeFederates: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "fedcore_active_federates",
				Help: "Currently registered federates",
			},
		),
	}
}

func (m *fabricMetrics) RecordMessageRouted(action, route string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(action, route).Inc()
}

func (m *fabricMetrics) RecordFrameRejected(route, reason string) {
	if m == nil {
		return
	}
	m.framesRejected.WithLabelValues(route, reason).Inc()
}

func (m *fabricMetrics) RecordGrant(federate string, latency time.Duration) {
	if m == nil {
		return
	}
	m.grantsTotal.WithLabelValues(federate).Inc()
	m.grantLatency.WithLabelValues(federate).Observe(latency.Seconds())
}

func (m *fabricMetrics) SetQueueDepth(federate string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(federate).Set(float64(depth))
}

func (m *fabricMetrics) SetActiveFederates(count int) {
	if m == nil {
		return
	}
	m.activeFederates.Set(float64(count))
}
