package models

// ContentImpression 内容曝光（content:impression）
type ContentImpression struct {
	ContentID            string   `json:"contentId"`
	PlaylistID           *string  `json:"playlistId,omitempty"`
	Duration             *int     `json:"duration,omitempty"`
	CompletionPercentage *float64 `json:"completionPercentage,omitempty"`
	Timestamp            int64    `json:"timestamp,omitempty"`
}

// ContentError 内容播放错误（content:error）
type ContentError struct {
	DeviceID     string                 `json:"deviceId"`
	ContentID    string                 `json:"contentId"`
	ErrorType    string                 `json:"errorType"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
	Timestamp    int64                  `json:"timestamp"`
}

// HeartbeatRecord 最近一次心跳（heartbeat:<id>:latest）
type HeartbeatRecord struct {
	DeviceID       string          `json:"deviceId"`
	Timestamp      int64           `json:"timestamp"`
	Metrics        *DeviceMetrics  `json:"metrics,omitempty"`
	CurrentContent *CurrentContent `json:"currentContent,omitempty"`
}

// DeviceHealth 设备健康状态
type DeviceHealth struct {
	Status         string          `json:"status"` // online, offline, unknown
	LastSeen       *int64          `json:"lastSeen"`
	Metrics        *DeviceMetrics  `json:"metrics,omitempty"`
	CurrentContent *CurrentContent `json:"currentContent,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// DeviceStats 设备当日统计
type DeviceStats struct {
	Impressions  int64          `json:"impressions"`
	Errors       int            `json:"errors"`
	RecentErrors []ContentError `json:"recentErrors"`
}
