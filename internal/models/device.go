package models

// DeviceStatusValue 设备状态
type DeviceStatusValue string

const (
	StatusOnline  DeviceStatusValue = "online"
	StatusOffline DeviceStatusValue = "offline"
	StatusPairing DeviceStatusValue = "pairing"
	StatusError   DeviceStatusValue = "error"
)

// DeviceStatus 设备实时状态（存储于 Redis device:status:<id>，带 TTL）
type DeviceStatus struct {
	Status         DeviceStatusValue `json:"status"`
	LastHeartbeat  int64             `json:"lastHeartbeat"` // epoch ms
	SocketID       *string           `json:"socketId"`
	OrganizationID string            `json:"organizationId"`
	Metrics        *DeviceMetrics    `json:"metrics,omitempty"`
	CurrentContent *CurrentContent   `json:"currentContent,omitempty"`
}

// DeviceMetrics 设备上报的运行指标
type DeviceMetrics struct {
	CPUUsage       *float64 `json:"cpuUsage,omitempty"`
	MemoryUsage    *float64 `json:"memoryUsage,omitempty"`
	DiskUsage      *float64 `json:"diskUsage,omitempty"`
	NetworkLatency *float64 `json:"networkLatency,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
}

// CurrentContent 设备当前播放内容
type CurrentContent struct {
	ContentID  string `json:"contentId,omitempty"`
	PlaylistID string `json:"playlistId,omitempty"`
	StartedAt  int64  `json:"startedAt,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Display 设备记录（对应 displays 表，仅网关需要的字段）
type Display struct {
	ID                string  `db:"id"`
	OrganizationID    string  `db:"organization_id"`
	Nickname          string  `db:"nickname"`
	DeviceIdentifier  string  `db:"device_identifier"`
	Status            string  `db:"status"`
	CurrentPlaylistID *string `db:"current_playlist_id"`
}

// Name 用于通知的显示名称
func (d *Display) Name() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	if d.DeviceIdentifier != "" {
		return d.DeviceIdentifier
	}
	return d.ID
}

// ScreenshotPointer 最近一次截图的指针（写回 displays 表）
type ScreenshotPointer struct {
	URL        string `json:"url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	CapturedAt int64  `json:"capturedAt"`
}
