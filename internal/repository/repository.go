package repository

import (
	"context"
	"time"

	"vizora-realtime/internal/models"
)

// DisplayRepository 设备记录仓库
type DisplayRepository interface {
	// GetDisplay 不存在时返回 (nil, nil)
	GetDisplay(ctx context.Context, id string) (*models.Display, error)
	UpdateStatus(ctx context.Context, id string, status models.DeviceStatusValue, lastSeen time.Time) error
	UpdateScreenshot(ctx context.Context, id string, ptr *models.ScreenshotPointer) error
}

// PlaylistRepository 播放列表仓库
type PlaylistRepository interface {
	// GetPlaylist 按ID加载播放列表（含排序后的播放项与内容），不存在时返回 (nil, nil)
	GetPlaylist(ctx context.Context, id string) (*models.Playlist, error)
	// GetOrgDefaultPlaylist 组织默认播放列表，不存在时返回 (nil, nil)
	GetOrgDefaultPlaylist(ctx context.Context, orgID string) (*models.Playlist, error)
}

// NotificationRepository 通知仓库
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
}

// ImpressionRepository 曝光记录仓库
type ImpressionRepository interface {
	Create(ctx context.Context, imp *Impression) error
}

// Impression 曝光记录行（content_impressions 表）
type Impression struct {
	ID                   string
	OrganizationID       string
	DisplayID            string
	ContentID            string
	PlaylistID           *string
	Duration             *int
	CompletionPercentage *float64
	Date                 time.Time
}
