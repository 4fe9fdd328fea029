package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rediscommon "vizora-realtime/common/redis"
	"vizora-realtime/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrMiss 键不存在或已过期
var ErrMiss = errors.New("cache miss")

// Options 各类键的 TTL 与容量
type Options struct {
	StatusOnlineTTL  time.Duration
	StatusOfflineTTL time.Duration
	CommandTTL       time.Duration
	PlaylistTTL      time.Duration
	HeartbeatTTL     time.Duration
	ErrorsTTL        time.Duration
	ErrorsCap        int64
	ImpressionTTL    time.Duration
	StreamMaxLen     int64
}

// DefaultOptions 默认 TTL
func DefaultOptions() Options {
	return Options{
		StatusOnlineTTL:  60 * time.Second,
		StatusOfflineTTL: 24 * time.Hour,
		CommandTTL:       5 * time.Minute,
		PlaylistTTL:      time.Hour,
		HeartbeatTTL:     5 * time.Minute,
		ErrorsTTL:        time.Hour,
		ErrorsCap:        10,
		ImpressionTTL:    24 * time.Hour,
		StreamMaxLen:     10000,
	}
}

// StateStore Redis 持久状态存储（设备状态、命令队列、播放列表缓存、通知标记、计数器）
type StateStore struct {
	client *redis.Client
	opts   Options
	logger *zap.Logger
	pubsub *PubSub
}

// NewStateStore 创建状态存储
func NewStateStore(client *redis.Client, opts Options, logger *zap.Logger) *StateStore {
	return &StateStore{
		client: client,
		opts:   opts,
		logger: logger,
		pubsub: newPubSub(client, logger),
	}
}

// Options 返回当前配置
func (s *StateStore) Options() Options { return s.opts }

// Ping 测试连接
func (s *StateStore) Ping(ctx context.Context) error {
	return rediscommon.Ping(ctx, s.client)
}

// ============================================
// 通用 KV 操作
// ============================================

// Get 读取字符串值，不存在时返回 ErrMiss
func (s *StateStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrMiss
		}
		return "", err
	}
	return val, nil
}

// Set 写入字符串值（ttl <= 0 表示不过期）
func (s *StateStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// GetJSON 读取并反序列化
func (s *StateStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// SetJSON 序列化并写入
func (s *StateStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// Delete 删除键，返回实际删除的数量
func (s *StateStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.client.Del(ctx, keys...).Result()
}

// Exists 检查键是否存在
func (s *StateStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment 计数器 +1；首次创建时设置 TTL
func (s *StateStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ScanKeys 按模式增量扫描（SCAN，不使用阻塞的 KEYS）
func (s *StateStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		k, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// ============================================
// 设备状态
// ============================================

// SetDeviceStatus 写入设备状态；在线使用短 TTL（进程崩溃后自动过期），其它状态使用长 TTL
func (s *StateStore) SetDeviceStatus(ctx context.Context, deviceID string, status *models.DeviceStatus) error {
	ttl := s.opts.StatusOfflineTTL
	if status.Status == models.StatusOnline {
		ttl = s.opts.StatusOnlineTTL
	}
	return s.SetJSON(ctx, DeviceStatusKey(deviceID), status, ttl)
}

// GetDeviceStatus 读取设备状态
func (s *StateStore) GetDeviceStatus(ctx context.Context, deviceID string) (*models.DeviceStatus, error) {
	var status models.DeviceStatus
	if err := s.GetJSON(ctx, DeviceStatusKey(deviceID), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ============================================
// 命令队列
// ============================================

// PushDeviceCommand 追加命令并刷新队列 TTL
func (s *StateStore) PushDeviceCommand(ctx context.Context, deviceID string, cmd *models.DeviceCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	key := DeviceCommandsKey(deviceID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.opts.CommandTTL)
		return nil
	})
	return err
}

// DrainDeviceCommands 在同一事务内读取并删除命令队列（MULTI LRANGE DEL EXEC），
// 并发心跳不会重复或丢失命令
func (s *StateStore) DrainDeviceCommands(ctx context.Context, deviceID string) ([]models.DeviceCommand, error) {
	key := DeviceCommandsKey(deviceID)
	var rangeCmd *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain commands: %w", err)
	}

	raw := rangeCmd.Val()
	commands := make([]models.DeviceCommand, 0, len(raw))
	for _, item := range raw {
		var cmd models.DeviceCommand
		if err := json.Unmarshal([]byte(item), &cmd); err != nil {
			s.logger.Warn("Dropping malformed device command",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
			continue
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// ============================================
// 播放列表缓存
// ============================================

// CachePlaylist 缓存设备播放列表
func (s *StateStore) CachePlaylist(ctx context.Context, deviceID string, playlist *models.Playlist) error {
	return s.SetJSON(ctx, PlaylistKey(deviceID), playlist, s.opts.PlaylistTTL)
}

// CachePlaylistFor 缓存播放列表，ttl 不超过 PlaylistTTL（ttl <= 0 时使用 PlaylistTTL）
func (s *StateStore) CachePlaylistFor(ctx context.Context, deviceID string, playlist *models.Playlist, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.opts.PlaylistTTL {
		ttl = s.opts.PlaylistTTL
	}
	return s.SetJSON(ctx, PlaylistKey(deviceID), playlist, ttl)
}

// GetCachedPlaylist 读取缓存，未命中返回 ErrMiss
func (s *StateStore) GetCachedPlaylist(ctx context.Context, deviceID string) (*models.Playlist, error) {
	var playlist models.Playlist
	if err := s.GetJSON(ctx, PlaylistKey(deviceID), &playlist); err != nil {
		return nil, err
	}
	return &playlist, nil
}

// InvalidatePlaylist 删除缓存
func (s *StateStore) InvalidatePlaylist(ctx context.Context, deviceID string) error {
	_, err := s.Delete(ctx, PlaylistKey(deviceID))
	return err
}

// ============================================
// 心跳与错误记录
// ============================================

// SetLatestHeartbeat 保存最近一次心跳
func (s *StateStore) SetLatestHeartbeat(ctx context.Context, record *models.HeartbeatRecord) error {
	return s.SetJSON(ctx, HeartbeatKey(record.DeviceID), record, s.opts.HeartbeatTTL)
}

// GetLatestHeartbeat 读取最近一次心跳
func (s *StateStore) GetLatestHeartbeat(ctx context.Context, deviceID string) (*models.HeartbeatRecord, error) {
	var record models.HeartbeatRecord
	if err := s.GetJSON(ctx, HeartbeatKey(deviceID), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// AppendHeartbeatStream 写入心跳分析流
func (s *StateStore) AppendHeartbeatStream(ctx context.Context, record *models.HeartbeatRecord) error {
	_, err := rediscommon.PublishJSONToStream(ctx, s.client, HeartbeatStream, s.opts.StreamMaxLen, record)
	return err
}

// AppendDeviceError 追加错误记录，仅保留最近 ErrorsCap 条
func (s *StateStore) AppendDeviceError(ctx context.Context, deviceID string, entry *models.ContentError) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal content error: %w", err)
	}
	key := DeviceErrorsKey(deviceID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -s.opts.ErrorsCap, -1)
		pipe.Expire(ctx, key, s.opts.ErrorsTTL)
		return nil
	})
	return err
}

// RecentDeviceErrors 读取最近 limit 条错误（按时间正序）
func (s *StateStore) RecentDeviceErrors(ctx context.Context, deviceID string, limit int64) ([]models.ContentError, error) {
	start := int64(0)
	if limit > 0 {
		start = -limit
	}
	raw, err := s.client.LRange(ctx, DeviceErrorsKey(deviceID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.ContentError, 0, len(raw))
	for _, item := range raw {
		var entry models.ContentError
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// CountDeviceErrors 当前保留的错误条数
func (s *StateStore) CountDeviceErrors(ctx context.Context, deviceID string) (int64, error) {
	return s.client.LLen(ctx, DeviceErrorsKey(deviceID)).Result()
}

// ============================================
// Token 吊销
// ============================================

// IsTokenRevoked 检查 jti 是否已吊销
func (s *StateStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return s.Exists(ctx, RevokedTokenKey(jti))
}

// RevokeToken 吊销 jti，保留到 token 自然过期
func (s *StateStore) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	return s.Set(ctx, RevokedTokenKey(jti), "1", ttl)
}

// ============================================
// Pub/Sub
// ============================================

// Publish 发布消息到频道
func (s *StateStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.client.Publish(ctx, channel, payload).Err()
}

// Subscribe 订阅频道；同一频道的多个订阅者共享一个 Redis 订阅，最后一个取消时释放
func (s *StateStore) Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error) {
	return s.pubsub.Subscribe(ctx, channel)
}

// Close 关闭所有订阅
func (s *StateStore) Close() error {
	return s.pubsub.Close()
}
