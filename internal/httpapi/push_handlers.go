package httpapi

import (
	"context"
	"errors"
	"net/http"

	"vizora-realtime/internal/gateway"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/playlist"

	"go.uber.org/zap"
)

// Pusher 网关对外推送接口
type Pusher interface {
	SendPlaylistUpdate(ctx context.Context, deviceID string, pl *models.Playlist) error
	SendCommand(ctx context.Context, deviceID string, cmd *models.DeviceCommand) (bool, error)
	PushContent(ctx context.Context, deviceID string, content *models.Content) error
	BroadcastToOrganization(ctx context.Context, orgID, event string, data interface{}) error
}

// PushHandler 其它服务调用的推送接口
type PushHandler struct {
	pusher  Pusher
	metrics *metrics.RealtimeMetrics
	logger  *zap.Logger
}

func NewPushHandler(pusher Pusher, m *metrics.RealtimeMetrics, logger *zap.Logger) *PushHandler {
	return &PushHandler{pusher: pusher, metrics: m, logger: logger}
}

type playlistPush struct {
	DeviceID string           `json:"deviceId"`
	Playlist *models.Playlist `json:"playlist"`
}

type commandPush struct {
	DeviceID string                `json:"deviceId"`
	Command  *models.DeviceCommand `json:"command"`
}

type contentPush struct {
	DeviceID string          `json:"deviceId"`
	Content  *models.Content `json:"content"`
}

type broadcastPush struct {
	OrganizationID string      `json:"organizationId"`
	Event          string      `json:"event"`
	Data           interface{} `json:"data"`
}

type commandResult struct {
	Delivered bool `json:"delivered"`
}

// PushPlaylist POST /internal/push/playlist；playlist 为空时强制重新解析
func (h *PushHandler) PushPlaylist(w http.ResponseWriter, r *http.Request) {
	var req playlistPush
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.pusher.SendPlaylistUpdate(r.Context(), req.DeviceID, req.Playlist); err != nil {
		h.fail(w, "playlist", err)
		return
	}
	h.metrics.Push("playlist", "http")
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"sent": true}))
}

// PushCommand POST /internal/push/command；设备离线时进入队列
func (h *PushHandler) PushCommand(w http.ResponseWriter, r *http.Request) {
	var req commandPush
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	delivered, err := h.pusher.SendCommand(r.Context(), req.DeviceID, req.Command)
	if err != nil {
		h.fail(w, "command", err)
		return
	}
	h.metrics.Push("command", "http")
	writeJSON(w, http.StatusOK, Ok(commandResult{Delivered: delivered}))
}

// PushContent POST /internal/push/content
func (h *PushHandler) PushContent(w http.ResponseWriter, r *http.Request) {
	var req contentPush
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if err := h.pusher.PushContent(r.Context(), req.DeviceID, req.Content); err != nil {
		h.fail(w, "content", err)
		return
	}
	h.metrics.Push("content", "http")
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"sent": true}))
}

// Broadcast POST /internal/broadcast
func (h *PushHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastPush
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.OrganizationID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("organizationId is required"))
		return
	}
	if err := h.pusher.BroadcastToOrganization(r.Context(), req.OrganizationID, req.Event, req.Data); err != nil {
		h.fail(w, "broadcast", err)
		return
	}
	h.metrics.Push("broadcast", "http")
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"sent": true}))
}

func (h *PushHandler) fail(w http.ResponseWriter, kind string, err error) {
	if isBadRequest(err) {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	h.logger.Error("Internal push failed",
		zap.String("kind", kind),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, Fail("push failed"))
}

func isBadRequest(err error) bool {
	return errors.Is(err, gateway.ErrMissingDevice) ||
		errors.Is(err, gateway.ErrInvalidCommand) ||
		errors.Is(err, gateway.ErrMissingEvent) ||
		errors.Is(err, gateway.ErrMissingContent) ||
		errors.Is(err, gateway.ErrMissingOrganization) ||
		errors.Is(err, playlist.ErrInstantPublishExpired)
}
