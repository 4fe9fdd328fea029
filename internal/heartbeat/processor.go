package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/store"

	"go.uber.org/zap"
)

const (
	// OnlineThreshold 最近心跳在此时间内视为在线
	OnlineThreshold = 60 * time.Second
	// RecentErrorLimit 统计接口返回的最近错误条数
	RecentErrorLimit = 5
)

// Payload 设备心跳上报
type Payload struct {
	Metrics        *models.DeviceMetrics  `json:"metrics,omitempty"`
	CurrentContent *models.CurrentContent `json:"currentContent,omitempty"`
}

// Result 心跳响应
type Result struct {
	NextHeartbeatIn int64                  `json:"nextHeartbeatIn"` // ms
	Commands        []models.DeviceCommand `json:"commands"`
}

// Processor 心跳处理器：写入状态、分析流，按状态变化同步数据库，并取出待下发命令
type Processor struct {
	store       *store.StateStore
	displays    repository.DisplayRepository
	impressions repository.ImpressionRepository
	metrics     *metrics.RealtimeMetrics
	reporter    errtrack.Reporter
	interval    time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu          sync.Mutex
	statusCache map[string]models.DeviceStatusValue
}

// NewProcessor 创建心跳处理器；displays / impressions 为 nil 时跳过数据库写入
func NewProcessor(
	st *store.StateStore,
	displays repository.DisplayRepository,
	impressions repository.ImpressionRepository,
	m *metrics.RealtimeMetrics,
	reporter errtrack.Reporter,
	interval time.Duration,
	logger *zap.Logger,
) *Processor {
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	return &Processor{
		store:       st,
		displays:    displays,
		impressions: impressions,
		metrics:     m,
		reporter:    reporter,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
		statusCache: make(map[string]models.DeviceStatusValue),
	}
}

// WithClock 替换时钟（测试用）
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Interval 推荐心跳间隔
func (p *Processor) Interval() time.Duration { return p.interval }

// Process 处理一次心跳。状态写入失败时返回错误（计为失败心跳），连接不受影响
func (p *Processor) Process(ctx context.Context, deviceID, orgID, socketID string, payload *Payload) (*Result, error) {
	start := p.now()
	if payload == nil {
		payload = &Payload{}
	}

	sid := socketID
	status := &models.DeviceStatus{
		Status:         models.StatusOnline,
		LastHeartbeat:  start.UnixMilli(),
		SocketID:       &sid,
		OrganizationID: orgID,
		Metrics:        payload.Metrics,
		CurrentContent: payload.CurrentContent,
	}
	if err := p.store.SetDeviceStatus(ctx, deviceID, status); err != nil {
		p.metrics.HeartbeatProcessed(false, p.now().Sub(start).Seconds())
		p.logger.Error("Failed to persist heartbeat status",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		p.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "heartbeat"})
		return nil, fmt.Errorf("failed to persist heartbeat: %w", err)
	}

	record := &models.HeartbeatRecord{
		DeviceID:       deviceID,
		Timestamp:      start.UnixMilli(),
		Metrics:        payload.Metrics,
		CurrentContent: payload.CurrentContent,
	}
	if err := p.store.SetLatestHeartbeat(ctx, record); err != nil {
		p.logger.Warn("Failed to store latest heartbeat",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
	if err := p.store.AppendHeartbeatStream(ctx, record); err != nil {
		p.logger.Warn("Failed to append heartbeat stream",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if p.ObserveStatus(deviceID, models.StatusOnline) {
		p.mirrorStatus(ctx, deviceID, models.StatusOnline, start)
	}

	if payload.Metrics != nil {
		p.metrics.DeviceUsage(deviceID, payload.Metrics.CPUUsage, payload.Metrics.MemoryUsage)
	}

	commands, err := p.store.DrainDeviceCommands(ctx, deviceID)
	if err != nil {
		p.logger.Warn("Failed to drain device commands",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		commands = []models.DeviceCommand{}
	}

	p.metrics.HeartbeatProcessed(true, p.now().Sub(start).Seconds())
	return &Result{
		NextHeartbeatIn: p.interval.Milliseconds(),
		Commands:        commands,
	}, nil
}

// SetStatus 连接建立或断开时写入设备状态；状态变化时同步数据库（尽力而为）
func (p *Processor) SetStatus(ctx context.Context, deviceID, orgID string, socketID *string, status models.DeviceStatusValue) error {
	now := p.now()
	err := p.store.SetDeviceStatus(ctx, deviceID, &models.DeviceStatus{
		Status:         status,
		LastHeartbeat:  now.UnixMilli(),
		SocketID:       socketID,
		OrganizationID: orgID,
	})

	if p.ObserveStatus(deviceID, status) {
		p.mirrorStatus(ctx, deviceID, status, now)
	}

	if err != nil {
		return fmt.Errorf("failed to persist device status: %w", err)
	}
	return nil
}

// ObserveStatus 更新内存状态缓存，返回状态是否发生变化
func (p *Processor) ObserveStatus(deviceID string, status models.DeviceStatusValue) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.statusCache[deviceID]; ok && prev == status {
		return false
	}
	p.statusCache[deviceID] = status
	return true
}

// Forget 移除设备的缓存状态
func (p *Processor) Forget(deviceID string) {
	p.mu.Lock()
	delete(p.statusCache, deviceID)
	p.mu.Unlock()
}

func (p *Processor) mirrorStatus(ctx context.Context, deviceID string, status models.DeviceStatusValue, at time.Time) {
	if p.displays == nil {
		return
	}
	if err := p.displays.UpdateStatus(ctx, deviceID, status, at); err != nil {
		p.logger.Warn("Failed to mirror device status",
			zap.String("device_id", deviceID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		// 下次心跳重试
		p.Forget(deviceID)
	}
}

// LogImpression 记录内容曝光：当日计数 + 数据库明细（设备存在时）
func (p *Processor) LogImpression(ctx context.Context, deviceID string, imp *models.ContentImpression) {
	now := p.now()
	p.metrics.Impression()

	if _, err := p.store.Increment(ctx, store.ImpressionsKey(deviceID, now), p.store.Options().ImpressionTTL); err != nil {
		p.logger.Warn("Failed to increment impression counter",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}

	if p.displays == nil || p.impressions == nil {
		return
	}
	display, err := p.displays.GetDisplay(ctx, deviceID)
	if err != nil {
		p.logger.Error("Failed to load device for impression",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		p.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "content:impression"})
		return
	}
	if display == nil {
		return
	}

	row := &repository.Impression{
		OrganizationID:       display.OrganizationID,
		DisplayID:            deviceID,
		ContentID:            imp.ContentID,
		PlaylistID:           imp.PlaylistID,
		Duration:             imp.Duration,
		CompletionPercentage: imp.CompletionPercentage,
		Date:                 now.UTC(),
	}
	if err := p.impressions.Create(ctx, row); err != nil {
		p.logger.Error("Failed to persist impression",
			zap.String("device_id", deviceID),
			zap.String("content_id", imp.ContentID),
			zap.Error(err),
		)
		p.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "content:impression"})
	}
}

// LogError 记录内容播放错误（仅保留最近 10 条，1 小时过期）
func (p *Processor) LogError(ctx context.Context, deviceID string, e *models.ContentError) {
	e.DeviceID = deviceID
	e.Timestamp = p.now().UnixMilli()
	p.metrics.ContentError(e.ErrorType)

	if err := p.store.AppendDeviceError(ctx, deviceID, e); err != nil {
		p.logger.Error("Failed to store content error",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		p.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "content:error"})
	}
}

// DeviceHealth 根据最近心跳判断设备健康状态
func (p *Processor) DeviceHealth(ctx context.Context, deviceID string) models.DeviceHealth {
	record, err := p.store.GetLatestHeartbeat(ctx, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrMiss) {
			return models.DeviceHealth{Status: string(models.StatusOffline)}
		}
		return models.DeviceHealth{Status: "unknown", Error: err.Error()}
	}

	lastSeen := record.Timestamp
	status := models.StatusOffline
	if p.now().Sub(time.UnixMilli(lastSeen)) < OnlineThreshold {
		status = models.StatusOnline
	}
	return models.DeviceHealth{
		Status:         string(status),
		LastSeen:       &lastSeen,
		Metrics:        record.Metrics,
		CurrentContent: record.CurrentContent,
	}
}

// DeviceStats 当日曝光数与最近错误
func (p *Processor) DeviceStats(ctx context.Context, deviceID string) models.DeviceStats {
	stats := models.DeviceStats{RecentErrors: []models.ContentError{}}

	raw, err := p.store.Get(ctx, store.ImpressionsKey(deviceID, p.now()))
	if err != nil && !errors.Is(err, store.ErrMiss) {
		p.logger.Warn("Failed to read impression counter",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return stats
	}
	if raw != "" {
		if n, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			stats.Impressions = n
		}
	}

	count, err := p.store.CountDeviceErrors(ctx, deviceID)
	if err != nil {
		p.logger.Warn("Failed to count device errors",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return stats
	}
	stats.Errors = int(count)

	recent, err := p.store.RecentDeviceErrors(ctx, deviceID, RecentErrorLimit)
	if err == nil {
		stats.RecentErrors = recent
	}
	return stats
}
