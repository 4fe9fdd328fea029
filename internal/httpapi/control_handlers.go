package httpapi

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// defaultRevocationTTL 未提供过期时间时吊销记录的保留期（与令牌最长有效期一致）
const defaultRevocationTTL = 7 * 24 * time.Hour

// InstantPublisher 即时发布
type InstantPublisher interface {
	SetInstantPublish(ctx context.Context, deviceID, playlistID string, expiresAt *time.Time) error
	ClearInstantPublish(ctx context.Context, deviceID string) error
}

// TokenRevoker 令牌吊销
type TokenRevoker interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
}

// ControlHandler 即时发布与令牌吊销
type ControlHandler struct {
	instant InstantPublisher
	revoker TokenRevoker
	pusher  Pusher
	logger  *zap.Logger
	now     func() time.Time
}

func NewControlHandler(instant InstantPublisher, revoker TokenRevoker, pusher Pusher, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{
		instant: instant,
		revoker: revoker,
		pusher:  pusher,
		logger:  logger,
		now:     time.Now,
	}
}

type instantPublishRequest struct {
	DeviceID   string `json:"deviceId"`
	PlaylistID string `json:"playlistId"`
	// 毫秒时间戳，0 表示默认 1 小时
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

type revokeRequest struct {
	JTI string `json:"jti"`
	// 令牌 exp（毫秒），用于计算剩余保留期
	ExpiresAt int64 `json:"expiresAt,omitempty"`
}

// InstantPublish POST 设置 / DELETE 取消 /internal/instant-publish，随后向设备推送重新解析的播放列表
func (h *ControlHandler) InstantPublish(w http.ResponseWriter, r *http.Request) {
	var req instantPublishRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.DeviceID == "" {
		writeJSON(w, http.StatusBadRequest, Fail("deviceId is required"))
		return
	}

	var err error
	switch r.Method {
	case http.MethodPost:
		if req.PlaylistID == "" {
			writeJSON(w, http.StatusBadRequest, Fail("playlistId is required"))
			return
		}
		var expiresAt *time.Time
		if req.ExpiresAt > 0 {
			t := time.UnixMilli(req.ExpiresAt).UTC()
			if !t.After(h.now()) {
				writeJSON(w, http.StatusBadRequest, Fail("expiresAt must be in the future"))
				return
			}
			expiresAt = &t
		}
		err = h.instant.SetInstantPublish(r.Context(), req.DeviceID, req.PlaylistID, expiresAt)
	case http.MethodDelete:
		err = h.instant.ClearInstantPublish(r.Context(), req.DeviceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if isBadRequest(err) {
		writeJSON(w, http.StatusBadRequest, Fail(err.Error()))
		return
	}
	if err != nil {
		h.logger.Error("Instant publish failed",
			zap.String("device_id", req.DeviceID),
			zap.String("method", r.Method),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, Fail("instant publish failed"))
		return
	}

	if err := h.pusher.SendPlaylistUpdate(r.Context(), req.DeviceID, nil); err != nil {
		h.logger.Warn("Failed to push playlist after instant publish",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
	}
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"sent": true}))
}

// RevokeToken POST /internal/tokens/revoke；保留到令牌自然过期
func (h *ControlHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := readBodyJSON(r, maxBodyBytes, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.JTI == "" {
		writeJSON(w, http.StatusBadRequest, Fail("jti is required"))
		return
	}

	ttl := defaultRevocationTTL
	if req.ExpiresAt > 0 {
		remaining := time.UnixMilli(req.ExpiresAt).Sub(h.now())
		if remaining <= 0 {
			// 已过期的令牌无需记录
			writeJSON(w, http.StatusOK, Ok(map[string]bool{"revoked": false}))
			return
		}
		ttl = remaining
	}

	if err := h.revoker.RevokeToken(r.Context(), req.JTI, ttl); err != nil {
		h.logger.Error("Failed to revoke token", zap.String("jti", req.JTI), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("revoke failed"))
		return
	}
	h.logger.Info("Token revoked", zap.String("jti", req.JTI), zap.Duration("ttl", ttl))
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"revoked": true}))
}
