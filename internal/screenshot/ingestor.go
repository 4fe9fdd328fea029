package screenshot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/storage"

	"go.uber.org/zap"
)

// EventScreenshotReady 截图上传完成后推送给组织房间
const EventScreenshotReady = "screenshot:ready"

// DefaultMaxBytes 解码后截图大小上限
const DefaultMaxBytes = 2 * 1024 * 1024

var (
	ErrTooLarge           = errors.New("screenshot too large")
	ErrInvalidBase64      = errors.New("invalid base64 encoding")
	ErrInvalidFormat      = errors.New("invalid image format")
	ErrStorageUnavailable = errors.New("screenshot storage unavailable")
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
)

// Emitter 向组织房间广播事件
type Emitter interface {
	EmitToOrganization(orgID, event string, data interface{})
}

// Submission 设备上报的截图（screenshot:response）
type Submission struct {
	RequestID  string `json:"requestId"`
	ImageData  string `json:"imageData"` // base64，可带 data:image/...;base64, 前缀
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	CapturedAt int64  `json:"capturedAt,omitempty"` // epoch ms
}

// Ready screenshot:ready 事件内容
type Ready struct {
	DeviceID   string `json:"deviceId"`
	RequestID  string `json:"requestId,omitempty"`
	URL        string `json:"url"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	CapturedAt int64  `json:"capturedAt"`
	Timestamp  string `json:"timestamp"`
}

// Ingestor 截图校验、上传并回写设备记录
type Ingestor struct {
	storage  storage.ObjectStorage
	displays repository.DisplayRepository
	metrics  *metrics.RealtimeMetrics
	reporter errtrack.Reporter
	maxBytes int
	expires  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	emitter Emitter
}

// NewIngestor 创建截图处理器；maxBytes / expires 为 0 时使用默认值
func NewIngestor(objects storage.ObjectStorage, displays repository.DisplayRepository, m *metrics.RealtimeMetrics, reporter errtrack.Reporter, maxBytes int, expires time.Duration, logger *zap.Logger) *Ingestor {
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if expires <= 0 {
		expires = storage.DefaultPresignExpires
	}
	return &Ingestor{
		storage:  objects,
		displays: displays,
		metrics:  m,
		reporter: reporter,
		maxBytes: maxBytes,
		expires:  expires,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// SetEmitter 设置广播目标
func (i *Ingestor) SetEmitter(e Emitter) {
	i.mu.Lock()
	i.emitter = e
	i.mu.Unlock()
}

// Ingest 处理一次截图上报
func (i *Ingestor) Ingest(ctx context.Context, deviceID, orgID string, sub *Submission) (*Ready, error) {
	if sub == nil {
		i.metrics.Screenshot("rejected")
		return nil, ErrInvalidBase64
	}

	data, contentType, err := i.Validate(sub.ImageData)
	if err != nil {
		i.metrics.Screenshot("rejected")
		i.logger.Warn("Screenshot rejected",
			zap.String("device_id", deviceID),
			zap.String("request_id", sub.RequestID),
			zap.Error(err),
		)
		return nil, err
	}

	ready, err := i.store(ctx, deviceID, orgID, sub, data, contentType)
	if err != nil {
		i.metrics.Screenshot("failed")
		i.logger.Error("Failed to store screenshot",
			zap.String("device_id", deviceID),
			zap.String("request_id", sub.RequestID),
			zap.Error(err),
		)
		i.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "screenshot:response"})
		return nil, err
	}

	i.metrics.Screenshot("stored")
	i.mu.RLock()
	e := i.emitter
	i.mu.RUnlock()
	if e != nil && orgID != "" {
		e.EmitToOrganization(orgID, EventScreenshotReady, ready)
	}

	i.logger.Info("Screenshot stored",
		zap.String("device_id", deviceID),
		zap.String("request_id", sub.RequestID),
		zap.Int("bytes", len(data)),
	)
	return ready, nil
}

// Validate 依次检查大小、base64 编码与图片签名，返回解码后的数据与 Content-Type
func (i *Ingestor) Validate(imageData string) ([]byte, string, error) {
	encoded := stripDataURL(imageData)

	if decodedLen(encoded) > i.maxBytes {
		return nil, "", ErrTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return nil, "", ErrInvalidBase64
	}

	switch {
	case bytes.HasPrefix(data, pngMagic):
		return data, "image/png", nil
	case bytes.HasPrefix(data, jpegMagic):
		return data, "image/jpeg", nil
	}
	return nil, "", ErrInvalidFormat
}

func (i *Ingestor) store(ctx context.Context, deviceID, orgID string, sub *Submission, data []byte, contentType string) (*Ready, error) {
	if i.storage == nil || !i.storage.Available() {
		return nil, ErrStorageUnavailable
	}

	now := i.now()
	key := storage.ScreenshotKey(orgID, deviceID, now)
	if err := i.storage.PutObject(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("failed to upload screenshot: %w", err)
	}

	url, err := i.storage.PresignGet(ctx, key, i.expires)
	if err != nil {
		return nil, fmt.Errorf("failed to presign screenshot: %w", err)
	}

	capturedAt := sub.CapturedAt
	if capturedAt == 0 {
		capturedAt = now.UnixMilli()
	}

	if i.displays != nil {
		ptr := &models.ScreenshotPointer{
			URL:        url,
			Width:      sub.Width,
			Height:     sub.Height,
			CapturedAt: capturedAt,
		}
		if err := i.displays.UpdateScreenshot(ctx, deviceID, ptr); err != nil {
			return nil, fmt.Errorf("failed to record screenshot: %w", err)
		}
	}

	return &Ready{
		DeviceID:   deviceID,
		RequestID:  sub.RequestID,
		URL:        url,
		Width:      sub.Width,
		Height:     sub.Height,
		CapturedAt: capturedAt,
		Timestamp:  models.FormatTimestamp(now),
	}, nil
}

func stripDataURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.Index(s, ","); idx >= 0 {
			return s[idx+1:]
		}
	}
	return s
}

// decodedLen 由 base64 文本长度推算解码后字节数
func decodedLen(encoded string) int {
	n := len(encoded)
	if n == 0 {
		return 0
	}
	padding := 0
	if strings.HasSuffix(encoded, "==") {
		padding = 2
	} else if strings.HasSuffix(encoded, "=") {
		padding = 1
	}
	return n*3/4 - padding
}
