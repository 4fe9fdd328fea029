package store

import (
	"fmt"
	"time"
)

// Redis 键定义
const (
	deviceStatusPrefix  = "device:status:"
	deviceCommandPrefix = "device:commands:"
	playlistPrefix      = "playlist:"
	instantPrefix       = "instant:"
	errorsPrefix        = "errors:device:"
	revokedTokenPrefix  = "revoked_token:"

	// OfflineMarkerPrefix 离线通知标记前缀（供 SCAN 使用）
	OfflineMarkerPrefix = "notify:offline:"

	// HeartbeatStream 心跳分析流
	HeartbeatStream = "stream:heartbeats"
)

func DeviceStatusKey(deviceID string) string { return deviceStatusPrefix + deviceID }

func DeviceCommandsKey(deviceID string) string { return deviceCommandPrefix + deviceID }

func PlaylistKey(deviceID string) string { return playlistPrefix + deviceID }

func InstantPublishKey(deviceID string) string { return instantPrefix + deviceID }

func OfflineMarkerKey(deviceID string) string { return OfflineMarkerPrefix + deviceID }

func HeartbeatKey(deviceID string) string { return fmt.Sprintf("heartbeat:%s:latest", deviceID) }

func DeviceErrorsKey(deviceID string) string { return errorsPrefix + deviceID }

func RevokedTokenKey(jti string) string { return revokedTokenPrefix + jti }

// ImpressionsKey 每日曝光计数键，日期按 UTC
func ImpressionsKey(deviceID string, day time.Time) string {
	return fmt.Sprintf("stats:device:%s:impressions:%s", deviceID, day.UTC().Format("2006-01-02"))
}
