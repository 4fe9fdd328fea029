package models

import "time"

const (
	NotificationDeviceOffline = "device_offline"
	NotificationDeviceOnline  = "device_online"

	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Notification 持久化通知（对应 notifications 表）
type Notification struct {
	ID             string                 `json:"id" db:"id"`
	Title          string                 `json:"title" db:"title"`
	Message        string                 `json:"message" db:"message"`
	Type           string                 `json:"type" db:"type"`
	Severity       string                 `json:"severity" db:"severity"`
	OrganizationID string                 `json:"organizationId" db:"organization_id"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" db:"metadata"` // JSONB
	Read           bool                   `json:"read" db:"read"`
	CreatedAt      time.Time              `json:"createdAt" db:"created_at"`
}

// OfflineMarker 待发送的离线通知标记（notify:offline:<deviceId>）
type OfflineMarker struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	OrganizationID string `json:"organizationId"`
	DisconnectedAt int64  `json:"disconnectedAt"` // epoch ms
	ScheduledFor   int64  `json:"scheduledFor"`   // epoch ms
}

// Due 是否已到期
func (m *OfflineMarker) Due(now time.Time) bool {
	return m.ScheduledFor <= now.UnixMilli()
}
