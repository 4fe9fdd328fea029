package playlist

import (
	"context"
	"errors"
	"time"

	"vizora-realtime/internal/models"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/store"

	"go.uber.org/zap"
)

// DefaultInstantPublishTTL 即时发布未指定过期时间时的保留时长
const DefaultInstantPublishTTL = time.Hour

// ErrInstantPublishExpired 设置即时发布时过期时间已过
var ErrInstantPublishExpired = errors.New("instant publish already expired")

// URLResolver 内部存储引用改写为可访问 URL（由对象存储实现）
type URLResolver interface {
	ResolveURL(ctx context.Context, raw string) (string, error)
}

// Resolver 设备播放列表解析：缓存 → 即时发布 → 已分配 → 组织默认
type Resolver struct {
	store     *store.StateStore
	displays  repository.DisplayRepository
	playlists repository.PlaylistRepository
	urls      URLResolver
	logger    *zap.Logger
	now       func() time.Time
}

// NewResolver 创建解析器；displays / playlists 为 nil 时只读缓存与即时发布
func NewResolver(st *store.StateStore, displays repository.DisplayRepository, playlists repository.PlaylistRepository, urls URLResolver, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:     st,
		displays:  displays,
		playlists: playlists,
		urls:      urls,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// GetDevicePlaylist 返回设备应播放的列表；找不到或仓库出错时返回 nil
func (r *Resolver) GetDevicePlaylist(ctx context.Context, deviceID string, forceRefresh bool) *models.Playlist {
	if !forceRefresh {
		cached, err := r.store.GetCachedPlaylist(ctx, deviceID)
		if err == nil {
			return cached
		}
		if !errors.Is(err, store.ErrMiss) {
			r.logger.Warn("Failed to read cached playlist",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	pl, ttl, err := r.resolve(ctx, deviceID)
	if err != nil {
		r.logger.Error("Failed to resolve device playlist",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil
	}
	if pl == nil {
		return nil
	}

	normalize(pl)
	if err := r.store.CachePlaylistFor(ctx, deviceID, pl, ttl); err != nil {
		r.logger.Warn("Failed to cache device playlist",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
	return pl
}

// resolve 返回播放列表及其缓存时长上限（0 表示使用默认 PlaylistTTL）；
// 即时发布的结果只缓存到即时发布过期为止
func (r *Resolver) resolve(ctx context.Context, deviceID string) (*models.Playlist, time.Duration, error) {
	if r.playlists == nil {
		return nil, 0, nil
	}

	if instant := r.GetInstantPublish(ctx, deviceID); instant != nil {
		pl, err := r.playlists.GetPlaylist(ctx, instant.PlaylistID)
		if err != nil {
			return nil, 0, err
		}
		if pl != nil {
			return pl, r.instantRemaining(instant), nil
		}
		r.logger.Warn("Instant publish references missing playlist",
			zap.String("device_id", deviceID),
			zap.String("playlist_id", instant.PlaylistID),
		)
	}

	if r.displays == nil {
		return nil, 0, nil
	}
	display, err := r.displays.GetDisplay(ctx, deviceID)
	if err != nil {
		return nil, 0, err
	}
	if display == nil {
		return nil, 0, nil
	}

	if display.CurrentPlaylistID != nil {
		pl, err := r.playlists.GetPlaylist(ctx, *display.CurrentPlaylistID)
		if err != nil {
			return nil, 0, err
		}
		if pl != nil {
			return pl, 0, nil
		}
	}

	pl, err := r.playlists.GetOrgDefaultPlaylist(ctx, display.OrganizationID)
	return pl, 0, err
}

// instantRemaining 即时发布剩余有效期（至少 1 秒）
func (r *Resolver) instantRemaining(ip *models.InstantPublish) time.Duration {
	end := ip.PublishedAt.Add(DefaultInstantPublishTTL)
	if ip.ExpiresAt != nil {
		end = *ip.ExpiresAt
	}
	remaining := end.Sub(r.now())
	if remaining < time.Second {
		return time.Second
	}
	return remaining
}

// normalize 按 order 排列的播放项补齐默认时长
func normalize(pl *models.Playlist) {
	if pl.Items == nil {
		pl.Items = []models.PlaylistItem{}
	}
	for i := range pl.Items {
		if pl.Items[i].Duration <= 0 {
			pl.Items[i].Duration = models.DefaultItemDuration
		}
	}
}

// UpdateDevicePlaylist 直接写入设备播放列表缓存
func (r *Resolver) UpdateDevicePlaylist(ctx context.Context, deviceID string, pl *models.Playlist) error {
	normalize(pl)
	return r.store.CachePlaylist(ctx, deviceID, pl)
}

// InvalidateDevicePlaylist 清除设备播放列表缓存
func (r *Resolver) InvalidateDevicePlaylist(ctx context.Context, deviceID string) error {
	return r.store.InvalidatePlaylist(ctx, deviceID)
}

// GetInstantPublish 读取即时发布；过期的记录会被删除并视为不存在
func (r *Resolver) GetInstantPublish(ctx context.Context, deviceID string) *models.InstantPublish {
	var ip models.InstantPublish
	if err := r.store.GetJSON(ctx, store.InstantPublishKey(deviceID), &ip); err != nil {
		if !errors.Is(err, store.ErrMiss) {
			r.logger.Warn("Failed to read instant publish",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		return nil
	}

	if ip.Expired(r.now()) {
		if _, err := r.store.Delete(ctx, store.InstantPublishKey(deviceID)); err != nil {
			r.logger.Warn("Failed to delete expired instant publish",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		return nil
	}
	return &ip
}

// SetInstantPublish 设置即时发布；expiresAt 为 nil 时保留 1 小时
func (r *Resolver) SetInstantPublish(ctx context.Context, deviceID, playlistID string, expiresAt *time.Time) error {
	now := r.now()
	ttl := DefaultInstantPublishTTL
	if expiresAt != nil {
		ttl = expiresAt.Sub(now)
		if ttl <= 0 {
			return ErrInstantPublishExpired
		}
	}

	ip := &models.InstantPublish{
		PlaylistID:  playlistID,
		DeviceID:    deviceID,
		ExpiresAt:   expiresAt,
		PublishedAt: now.UTC(),
	}
	if err := r.store.SetJSON(ctx, store.InstantPublishKey(deviceID), ip, ttl); err != nil {
		return err
	}
	return r.store.InvalidatePlaylist(ctx, deviceID)
}

// ClearInstantPublish 取消即时发布
func (r *Resolver) ClearInstantPublish(ctx context.Context, deviceID string) error {
	if _, err := r.store.Delete(ctx, store.InstantPublishKey(deviceID)); err != nil {
		return err
	}
	return r.store.InvalidatePlaylist(ctx, deviceID)
}

// ResolveContentURLs 返回 URL 已改写的副本（缓存中保留内部引用）
func (r *Resolver) ResolveContentURLs(ctx context.Context, pl *models.Playlist) *models.Playlist {
	if pl == nil {
		return nil
	}
	out := *pl
	out.Items = make([]models.PlaylistItem, len(pl.Items))
	for i, item := range pl.Items {
		out.Items[i] = item
		out.Items[i].Content = r.ResolveContent(ctx, item.Content)
	}
	return &out
}

// ResolveContent 改写单个内容的 URL 与缩略图
func (r *Resolver) ResolveContent(ctx context.Context, c *models.Content) *models.Content {
	if c == nil {
		return nil
	}
	out := *c
	out.URL = r.ResolveURL(ctx, c.URL)
	out.Thumbnail = r.ResolveURL(ctx, c.Thumbnail)
	return &out
}

// ResolveURL 改写单个 URL；失败时保留原值
func (r *Resolver) ResolveURL(ctx context.Context, raw string) string {
	if raw == "" || r.urls == nil {
		return raw
	}
	resolved, err := r.urls.ResolveURL(ctx, raw)
	if err != nil {
		r.logger.Warn("Failed to resolve content url",
			zap.String("url", raw),
			zap.Error(err),
		)
		return raw
	}
	return resolved
}
