package models

import "time"

// DefaultItemDuration 播放项未设置时长时的默认值（秒）
const DefaultItemDuration = 10

// Playlist 设备播放列表（缓存于 playlist:<deviceId>）
type Playlist struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Items     []PlaylistItem `json:"items"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// PlaylistItem 播放项
type PlaylistItem struct {
	ID        string   `json:"id"`
	ContentID string   `json:"contentId"`
	Order     int      `json:"order"`
	Duration  int      `json:"duration"`
	Content   *Content `json:"content,omitempty"`
}

// Content 内容详情
type Content struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	URL       string                 `json:"url"`
	Thumbnail string                 `json:"thumbnail,omitempty"`
	MimeType  string                 `json:"mimeType,omitempty"`
	Duration  *int                   `json:"duration,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// InstantPublish 即时发布覆盖（instant:<deviceId>），优先于已分配播放列表
type InstantPublish struct {
	PlaylistID  string     `json:"playlistId"`
	DeviceID    string     `json:"deviceId"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	PublishedAt time.Time  `json:"publishedAt"`
}

// Expired 是否已过期（无过期时间视为未过期）
func (p *InstantPublish) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
