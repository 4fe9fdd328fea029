package httpapi

import (
	"context"
	"net/http"
	"time"

	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"

	"go.uber.org/zap"
)

// HealthChecker 状态存储健康状态
type HealthChecker interface {
	Healthy() bool
	LastError() error
}

// ConnectionCounter 本实例连接数
type ConnectionCounter interface {
	ConnectionCount() int
}

// StatusHandler /health 与 /metrics
type StatusHandler struct {
	health  HealthChecker
	conns   ConnectionCounter
	metrics *metrics.RealtimeMetrics
	started time.Time
}

func NewStatusHandler(health HealthChecker, conns ConnectionCounter, m *metrics.RealtimeMetrics) *StatusHandler {
	return &StatusHandler{health: health, conns: conns, metrics: m, started: time.Now()}
}

type healthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	StoreError  string `json:"storeError,omitempty"`
	Connections int    `json:"connections"`
	Uptime      int64  `json:"uptime"` // seconds
}

// Health GET /health；存储不可用时返回 503
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Store:  "up",
		Uptime: int64(time.Since(h.started).Seconds()),
	}
	if h.conns != nil {
		resp.Connections = h.conns.ConnectionCount()
	}

	status := http.StatusOK
	if h.health != nil && !h.health.Healthy() {
		resp.Status = "degraded"
		resp.Store = "down"
		if err := h.health.LastError(); err != nil {
			resp.StoreError = err.Error()
		}
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// DeviceInspector 设备健康与统计查询
type DeviceInspector interface {
	DeviceHealth(ctx context.Context, deviceID string) models.DeviceHealth
	DeviceStats(ctx context.Context, deviceID string) models.DeviceStats
}

// DeviceHandler GET /internal/devices/{id}/health|stats
type DeviceHandler struct {
	inspector DeviceInspector
	logger    *zap.Logger
}

func NewDeviceHandler(inspector DeviceInspector, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{inspector: inspector, logger: logger}
}

func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitDevicePath(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch action {
	case "health":
		writeJSON(w, http.StatusOK, Ok(h.inspector.DeviceHealth(r.Context(), id)))
	case "stats":
		writeJSON(w, http.StatusOK, Ok(h.inspector.DeviceStats(r.Context(), id)))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}
