package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vizora-realtime/internal/models"
	"vizora-realtime/internal/storage"
	"vizora-realtime/internal/store"

	"go.uber.org/zap"
)

// RelayChannel 跨实例房间广播频道
const RelayChannel = "realtime:rooms"

const relayPublishTimeout = 2 * time.Second

var (
	ErrInvalidCommand = errors.New("invalid command type")
	ErrMissingDevice  = errors.New("deviceId is required")
	ErrMissingEvent   = errors.New("event is required")
	ErrMissingContent = errors.New("content is required")

	ErrMissingOrganization = errors.New("organizationId is required")
)

type relayMessage struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// ============================================
// 对外推送接口（内部 HTTP / MQTT 调用）
// ============================================

// SendPlaylistUpdate 向设备推送播放列表；playlist 为 nil 时强制重新解析
func (g *Gateway) SendPlaylistUpdate(ctx context.Context, deviceID string, pl *models.Playlist) error {
	if deviceID == "" {
		return ErrMissingDevice
	}
	if pl == nil {
		if g.playlists != nil {
			pl = g.playlists.GetDevicePlaylist(ctx, deviceID, true)
		}
	} else if g.playlists != nil {
		if err := g.playlists.UpdateDevicePlaylist(ctx, deviceID, pl); err != nil {
			g.logger.Warn("Failed to cache pushed playlist",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	if g.playlists != nil {
		pl = g.playlists.ResolveContentURLs(ctx, pl)
	}
	g.emitToRoom(ctx, DeviceRoom(deviceID), EventPlaylistUpdate, PlaylistUpdateEvent{
		Playlist:  pl,
		Timestamp: models.FormatTimestamp(g.now()),
	})
	g.logger.Info("Sent playlist update", zap.String("device_id", deviceID))
	return nil
}

// SendCommand 下发命令：设备在线时实时推送，否则写入命令队列由下次心跳取走。返回是否实时推送
func (g *Gateway) SendCommand(ctx context.Context, deviceID string, cmd *models.DeviceCommand) (bool, error) {
	if deviceID == "" {
		return false, ErrMissingDevice
	}
	if cmd == nil || !cmd.Type.Valid() {
		return false, ErrInvalidCommand
	}
	now := g.now()
	cmd.Timestamp = now.UnixMilli()

	if !g.deviceOnline(ctx, deviceID) {
		if err := g.store.PushDeviceCommand(ctx, deviceID, cmd); err != nil {
			return false, fmt.Errorf("failed to queue command: %w", err)
		}
		g.logger.Info("Queued command for offline device",
			zap.String("device_id", deviceID),
			zap.String("command", string(cmd.Type)),
		)
		return false, nil
	}

	payload, err := withTimestamp(cmd, now)
	if err != nil {
		return false, err
	}
	g.rewriteURLs(ctx, payload)
	g.emitToRoom(ctx, DeviceRoom(deviceID), EventCommand, payload)
	g.logger.Info("Sent command",
		zap.String("device_id", deviceID),
		zap.String("command", string(cmd.Type)),
	)
	return true, nil
}

// BroadcastToOrganization 向组织房间广播任意事件，载荷附加 timestamp
func (g *Gateway) BroadcastToOrganization(ctx context.Context, orgID, event string, data interface{}) error {
	if orgID == "" {
		return ErrMissingOrganization
	}
	if event == "" {
		return ErrMissingEvent
	}
	payload, err := withTimestamp(data, g.now())
	if err != nil {
		return err
	}
	g.rewriteURLs(ctx, payload)
	g.emitToRoom(ctx, OrgRoom(orgID), event, payload)
	g.logger.Info("Broadcast to organization",
		zap.String("organization_id", orgID),
		zap.String("event", event),
	)
	return nil
}

// PushContent 向设备推送单个内容（存储引用改写为预签名 URL）
func (g *Gateway) PushContent(ctx context.Context, deviceID string, content *models.Content) error {
	if deviceID == "" {
		return ErrMissingDevice
	}
	if content == nil {
		return ErrMissingContent
	}
	if g.playlists != nil {
		content = g.playlists.ResolveContent(ctx, content)
	}
	g.emitToRoom(ctx, DeviceRoom(deviceID), EventContentPush, ContentPushEvent{
		Content:   content,
		Timestamp: models.FormatTimestamp(g.now()),
	})
	g.logger.Info("Pushed content",
		zap.String("device_id", deviceID),
		zap.String("content_id", content.ID),
	)
	return nil
}

// EmitToOrganization 供通知与截图组件广播（载荷已带时间戳）
func (g *Gateway) EmitToOrganization(orgID, event string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	g.emitToRoom(ctx, OrgRoom(orgID), event, data)
}

// deviceOnline 本实例有当前连接，或状态存储记录为在线（可能连接在其它实例）
func (g *Gateway) deviceOnline(ctx context.Context, deviceID string) bool {
	if g.IsDeviceConnected(deviceID) {
		return true
	}
	status, err := g.store.GetDeviceStatus(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrMiss) {
			g.logger.Warn("Failed to read device status",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		return false
	}
	return status.Status == models.StatusOnline
}

// rewriteURLs 递归改写载荷中的内部存储引用
func (g *Gateway) rewriteURLs(ctx context.Context, v interface{}) {
	if g.playlists == nil {
		return
	}
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			if s, ok := val.(string); ok {
				if _, _, internal := storage.ParseInternalURL(s); internal {
					t[k] = g.playlists.ResolveURL(ctx, s)
				}
				continue
			}
			g.rewriteURLs(ctx, val)
		}
	case []interface{}:
		for i, val := range t {
			if s, ok := val.(string); ok {
				if _, _, internal := storage.ParseInternalURL(s); internal {
					t[i] = g.playlists.ResolveURL(ctx, s)
				}
				continue
			}
			g.rewriteURLs(ctx, val)
		}
	}
}

// ============================================
// 房间广播（本地 + 跨实例）
// ============================================

func (g *Gateway) emitToRoom(ctx context.Context, room, event string, data interface{}) {
	frame, err := encodeFrame(event, nil, data)
	if err != nil {
		g.logger.Error("Failed to encode room event",
			zap.String("room", room),
			zap.String("event", event),
			zap.Error(err),
		)
		return
	}
	g.hub.emit(room, frame)

	if g.store == nil {
		return
	}
	msg, err := json.Marshal(relayMessage{Origin: g.opts.InstanceID, Room: room, Frame: frame})
	if err != nil {
		return
	}
	if err := g.store.Publish(ctx, RelayChannel, msg); err != nil {
		g.logger.Warn("Failed to relay room event",
			zap.String("room", room),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

// Run 订阅跨实例广播频道并投递给本地连接，直到 ctx 取消
func (g *Gateway) Run(ctx context.Context) error {
	msgs, cancel, err := g.store.Subscribe(ctx, RelayChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe relay channel: %w", err)
	}
	defer cancel()

	g.logger.Info("Room relay started",
		zap.String("channel", RelayChannel),
		zap.String("instance_id", g.opts.InstanceID),
	)

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("Room relay stopped")
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var relay relayMessage
			if err := json.Unmarshal(msg.Payload, &relay); err != nil {
				g.logger.Warn("Invalid relay message", zap.Error(err))
				continue
			}
			if relay.Origin == g.opts.InstanceID {
				continue
			}
			g.hub.emit(relay.Room, relay.Frame)
		}
	}
}
