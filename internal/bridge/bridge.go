package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	commonmqtt "vizora-realtime/common/mqtt"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"

	"go.uber.org/zap"
)

// 推送类型（主题最后一段）
const (
	KindPlaylist = "playlist"
	KindCommand  = "command"
	KindContent  = "content"
)

const pushTimeout = 5 * time.Second

var (
	ErrInvalidTopic = errors.New("invalid push topic")
	ErrUnknownKind  = errors.New("unknown push kind")
)

// Subscriber MQTT 订阅接口（common/mqtt.Client 实现）
type Subscriber interface {
	Subscribe(topic string, qos byte, handler commonmqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Pusher 网关推送接口
type Pusher interface {
	SendPlaylistUpdate(ctx context.Context, deviceID string, pl *models.Playlist) error
	SendCommand(ctx context.Context, deviceID string, cmd *models.DeviceCommand) (bool, error)
	PushContent(ctx context.Context, deviceID string, content *models.Content) error
}

// Bridge 订阅 <prefix>/<deviceId>/<kind>，将消息转换为网关推送
type Bridge struct {
	sub     Subscriber
	pusher  Pusher
	prefix  string
	qos     byte
	metrics *metrics.RealtimeMetrics
	logger  *zap.Logger
}

func NewBridge(sub Subscriber, pusher Pusher, prefix string, qos byte, m *metrics.RealtimeMetrics, logger *zap.Logger) *Bridge {
	return &Bridge{
		sub:     sub,
		pusher:  pusher,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		metrics: m,
		logger:  logger,
	}
}

// Topic 订阅的通配主题
func (b *Bridge) Topic() string {
	return b.prefix + "/+/+"
}

// Start 订阅推送主题
func (b *Bridge) Start() error {
	if err := b.sub.Subscribe(b.Topic(), b.qos, b.Handle); err != nil {
		return err
	}
	b.logger.Info("MQTT push bridge started", zap.String("topic", b.Topic()))
	return nil
}

// Stop 取消订阅
func (b *Bridge) Stop() error {
	return b.sub.Unsubscribe(b.Topic())
}

// Handle 处理一条推送消息；payload 与 HTTP 推送请求体相同（不含 deviceId）
func (b *Bridge) Handle(topic string, payload []byte) error {
	deviceID, kind, err := b.parseTopic(topic)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	switch kind {
	case KindPlaylist:
		var body struct {
			Playlist *models.Playlist `json:"playlist"`
		}
		if err := unmarshalOptional(payload, &body); err != nil {
			return err
		}
		err = b.pusher.SendPlaylistUpdate(ctx, deviceID, body.Playlist)
	case KindCommand:
		var body struct {
			Command *models.DeviceCommand `json:"command"`
		}
		if err := unmarshalOptional(payload, &body); err != nil {
			return err
		}
		_, err = b.pusher.SendCommand(ctx, deviceID, body.Command)
	case KindContent:
		var body struct {
			Content *models.Content `json:"content"`
		}
		if err := unmarshalOptional(payload, &body); err != nil {
			return err
		}
		err = b.pusher.PushContent(ctx, deviceID, body.Content)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err != nil {
		return fmt.Errorf("failed to push %s to %s: %w", kind, deviceID, err)
	}

	b.metrics.Push(kind, "mqtt")
	b.logger.Debug("Bridged push",
		zap.String("device_id", deviceID),
		zap.String("kind", kind),
	)
	return nil
}

func (b *Bridge) parseTopic(topic string) (string, string, error) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	if rest == topic {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}
	return parts[0], parts[1], nil
}

func unmarshalOptional(payload []byte, dest interface{}) error {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("invalid push payload: %w", err)
	}
	return nil
}
