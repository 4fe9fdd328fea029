package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vizora-realtime/internal/models"
)

// ============================================
// 事件名
// ============================================

// 设备 / 控制台 → 服务端
const (
	EventHeartbeat          = "heartbeat"
	EventContentImpression  = "content:impression"
	EventContentError       = "content:error"
	EventPlaylistRequest    = "playlist:request"
	EventJoinOrganization   = "join:organization"
	EventJoinRoom           = "join:room"
	EventLeaveRoom          = "leave:room"
	EventScreenshotResponse = "screenshot:response"
)

// 服务端 → 设备 / 控制台
const (
	EventAck                = "ack"
	EventError              = "error"
	EventConfig             = "config"
	EventPlaylistUpdate     = "playlist:update"
	EventCommand            = "command"
	EventDeviceStatus       = "device:status"
	EventJoinedOrganization = "joined:organization"
	EventContentPush        = "content:push"
)

// 连接拒绝原因（close frame reason）
const (
	ReasonRateLimited    = "rate_limited"
	ReasonUnauthorized   = "unauthorized"
	ReasonTokenRevoked   = "token_revoked"
	ReasonDeviceNotFound = "device_not_found"
	ReasonInternalError  = "internal_error"
)

// ReasonMessageTooLarge 超过帧大小上限的消息被丢弃（连接保持）
const ReasonMessageTooLarge = "message_too_large"

const (
	devicePrefix = "device:"
	orgPrefix    = "org:"
)

// DeviceRoom device:<id>
func DeviceRoom(deviceID string) string { return devicePrefix + deviceID }

// OrgRoom org:<id>
func OrgRoom(orgID string) string { return orgPrefix + orgID }

// ============================================
// 帧结构
// ============================================

// Envelope 入站帧；带 id 的请求会收到同 id 的 ack
type Envelope struct {
	Event string          `json:"event"`
	ID    *int64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string      `json:"event"`
	ID    *int64      `json:"id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Ack 请求应答
type Ack struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ErrorEvent error 事件内容
type ErrorEvent struct {
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// DeviceStatusEvent device:status 事件内容
type DeviceStatusEvent struct {
	DeviceID  string                   `json:"deviceId"`
	Status    models.DeviceStatusValue `json:"status"`
	Timestamp string                   `json:"timestamp"`
}

// ConfigEvent 连接后下发的设备配置
type ConfigEvent struct {
	HeartbeatInterval int64 `json:"heartbeatInterval"` // ms
	CacheSize         int64 `json:"cacheSize"`
	AutoUpdate        bool  `json:"autoUpdate"`
}

// PlaylistUpdateEvent playlist:update 事件内容
type PlaylistUpdateEvent struct {
	Playlist  *models.Playlist `json:"playlist"`
	Timestamp string           `json:"timestamp"`
}

// ContentPushEvent content:push 事件内容
type ContentPushEvent struct {
	Content   *models.Content `json:"content"`
	Timestamp string          `json:"timestamp"`
}

func encodeFrame(event string, id *int64, data interface{}) ([]byte, error) {
	b, err := json.Marshal(outFrame{Event: event, ID: id, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", event, err)
	}
	return b, nil
}

// withTimestamp 对象载荷合并 timestamp 字段；非对象载荷包装为 {data, timestamp}
func withTimestamp(data interface{}, now time.Time) (map[string]interface{}, error) {
	ts := models.FormatTimestamp(now)
	out := map[string]interface{}{}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "{") {
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
		} else if trimmed != "null" {
			out["data"] = json.RawMessage(raw)
		}
	}
	out["timestamp"] = ts
	return out, nil
}
