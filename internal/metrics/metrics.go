// Package metrics exposes Prometheus metrics for the realtime gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RealtimeMetrics holds the gateway's collectors on a private registry.
// All recording methods are safe on a nil receiver.
type RealtimeMetrics struct {
	registry *prometheus.Registry

	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	DevicesByStatus    *prometheus.GaugeVec
	HeartbeatsTotal    *prometheus.CounterVec
	HeartbeatDuration  prometheus.Histogram
	ImpressionsTotal   prometheus.Counter
	ContentErrorsTotal *prometheus.CounterVec
	NotificationsTotal *prometheus.CounterVec
	ScreenshotsTotal   *prometheus.CounterVec
	PushesTotal        *prometheus.CounterVec
	DeviceCPUUsage     *prometheus.GaugeVec
	DeviceMemoryUsage  *prometheus.GaugeVec
	HandlerPanicsTotal *prometheus.CounterVec
	StoreHealthy       prometheus.Gauge
}

// NewRealtimeMetrics creates and registers the gateway metrics.
func NewRealtimeMetrics(namespace string) *RealtimeMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &RealtimeMetrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Number of open socket connections",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "connections_total",
				Help:      "Connection attempts by outcome",
			},
			[]string{"kind", "result"}, // kind: device, dashboard; result: accepted, rejected, rate_limited
		),
		DevicesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "devices",
				Name:      "status",
				Help:      "Devices currently connected to this instance by status",
			},
			[]string{"status"},
		),
		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "total",
				Help:      "Processed heartbeats",
			},
			[]string{"status"}, // success, failed
		),
		HeartbeatDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "duration_seconds",
			Help:      "Heartbeat processing latency",
			Buckets:   prometheus.DefBuckets,
		}),
		ImpressionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "impressions_total",
			Help:      "Content impressions reported by devices",
		}),
		ContentErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "content",
				Name:      "errors_total",
				Help:      "Content playback errors reported by devices",
			},
			[]string{"error_type"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notifications",
				Name:      "created_total",
				Help:      "Notifications persisted",
			},
			[]string{"type"},
		),
		ScreenshotsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "screenshots",
				Name:      "total",
				Help:      "Screenshot submissions by outcome",
			},
			[]string{"result"},
		),
		PushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "push",
				Name:      "total",
				Help:      "Server-initiated pushes",
			},
			[]string{"kind", "source"}, // source: http, mqtt
		),
		DeviceCPUUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "cpu_usage_percent",
				Help:      "Last reported CPU usage per device",
			},
			[]string{"device_id"},
		),
		DeviceMemoryUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "memory_usage_percent",
				Help:      "Last reported memory usage per device",
			},
			[]string{"device_id"},
		),
		HandlerPanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "handler_panics_total",
				Help:      "Recovered panics in socket event handlers",
			},
			[]string{"event"},
		),
		StoreHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "healthy",
			Help:      "1 when the state store is reachable",
		}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.DevicesByStatus,
		m.HeartbeatsTotal,
		m.HeartbeatDuration,
		m.ImpressionsTotal,
		m.ContentErrorsTotal,
		m.NotificationsTotal,
		m.ScreenshotsTotal,
		m.PushesTotal,
		m.DeviceCPUUsage,
		m.DeviceMemoryUsage,
		m.HandlerPanicsTotal,
		m.StoreHealthy,
	)
	return m
}

// Handler returns the /metrics handler for this registry.
func (m *RealtimeMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry.
func (m *RealtimeMetrics) Registry() *prometheus.Registry { return m.registry }

func (m *RealtimeMetrics) ConnectionOpened(kind string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(kind, "accepted").Inc()
}

func (m *RealtimeMetrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *RealtimeMetrics) ConnectionRejected(kind, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(kind, reason).Inc()
}

// DeviceOnline moves one device into the online bucket.
func (m *RealtimeMetrics) DeviceOnline() {
	if m == nil {
		return
	}
	m.DevicesByStatus.WithLabelValues("online").Inc()
}

// DeviceOffline moves one device out of the online bucket and drops its gauges.
func (m *RealtimeMetrics) DeviceOffline(deviceID string) {
	if m == nil {
		return
	}
	m.DevicesByStatus.WithLabelValues("online").Dec()
	m.DeviceCPUUsage.DeleteLabelValues(deviceID)
	m.DeviceMemoryUsage.DeleteLabelValues(deviceID)
}

func (m *RealtimeMetrics) HeartbeatProcessed(success bool, seconds float64) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.HeartbeatsTotal.WithLabelValues(status).Inc()
	m.HeartbeatDuration.Observe(seconds)
}

func (m *RealtimeMetrics) DeviceUsage(deviceID string, cpu, memory *float64) {
	if m == nil {
		return
	}
	if cpu != nil {
		m.DeviceCPUUsage.WithLabelValues(deviceID).Set(*cpu)
	}
	if memory != nil {
		m.DeviceMemoryUsage.WithLabelValues(deviceID).Set(*memory)
	}
}

func (m *RealtimeMetrics) Impression() {
	if m == nil {
		return
	}
	m.ImpressionsTotal.Inc()
}

func (m *RealtimeMetrics) ContentError(errorType string) {
	if m == nil {
		return
	}
	if errorType == "" {
		errorType = "unknown"
	}
	m.ContentErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *RealtimeMetrics) NotificationCreated(typ string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(typ).Inc()
}

func (m *RealtimeMetrics) Screenshot(result string) {
	if m == nil {
		return
	}
	m.ScreenshotsTotal.WithLabelValues(result).Inc()
}

func (m *RealtimeMetrics) Push(kind, source string) {
	if m == nil {
		return
	}
	m.PushesTotal.WithLabelValues(kind, source).Inc()
}

func (m *RealtimeMetrics) HandlerPanic(event string) {
	if m == nil {
		return
	}
	m.HandlerPanicsTotal.WithLabelValues(event).Inc()
}

func (m *RealtimeMetrics) SetStoreHealthy(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.StoreHealthy.Set(1)
		return
	}
	m.StoreHealthy.Set(0)
}
