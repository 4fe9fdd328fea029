package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventNotificationNew 推送给组织房间的新通知事件
const EventNotificationNew = "notification:new"

// Emitter 向组织房间广播事件（由网关实现）
type Emitter interface {
	EmitToOrganization(orgID, event string, data interface{})
}

// Options 延迟通知参数
type Options struct {
	OfflineDelay  time.Duration
	MarkerTTL     time.Duration
	CheckInterval time.Duration
}

// DefaultOptions 离线 2 分钟后通知，标记保留 5 分钟，每 30 秒扫描
func DefaultOptions() Options {
	return Options{
		OfflineDelay:  2 * time.Minute,
		MarkerTTL:     5 * time.Minute,
		CheckInterval: 30 * time.Second,
	}
}

// Reconciler 离线通知调度：断开时写入延迟标记，周期扫描到期标记并生成通知，重连时取消
type Reconciler struct {
	store    *store.StateStore
	repo     repository.NotificationRepository
	metrics  *metrics.RealtimeMetrics
	reporter errtrack.Reporter
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	emitter Emitter
}

// NewReconciler 创建通知调度器；repo 为 nil 时通知只广播不落库
func NewReconciler(st *store.StateStore, repo repository.NotificationRepository, m *metrics.RealtimeMetrics, reporter errtrack.Reporter, opts Options, logger *zap.Logger) *Reconciler {
	if reporter == nil {
		reporter = errtrack.Nop{}
	}
	return &Reconciler{
		store:    st,
		repo:     repo,
		metrics:  m,
		reporter: reporter,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// SetEmitter 设置广播目标
func (r *Reconciler) SetEmitter(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// Schedule 设备断开时写入离线标记
func (r *Reconciler) Schedule(ctx context.Context, deviceID, deviceName, orgID string) error {
	now := r.now()
	marker := &models.OfflineMarker{
		DeviceID:       deviceID,
		DeviceName:     deviceName,
		OrganizationID: orgID,
		DisconnectedAt: now.UnixMilli(),
		ScheduledFor:   now.Add(r.opts.OfflineDelay).UnixMilli(),
	}
	if err := r.store.SetJSON(ctx, store.OfflineMarkerKey(deviceID), marker, r.opts.MarkerTTL); err != nil {
		return fmt.Errorf("failed to schedule offline notification: %w", err)
	}
	r.logger.Debug("Offline notification scheduled",
		zap.String("device_id", deviceID),
		zap.Int64("scheduled_for", marker.ScheduledFor),
	)
	return nil
}

// Cancel 删除离线标记，返回标记是否存在（以 DEL 返回数为准）
func (r *Reconciler) Cancel(ctx context.Context, deviceID string) (bool, error) {
	n, err := r.store.Delete(ctx, store.OfflineMarkerKey(deviceID))
	if err != nil {
		return false, fmt.Errorf("failed to cancel offline notification: %w", err)
	}
	return n > 0, nil
}

// WasOfflineLong 标记存在且已到期
func (r *Reconciler) WasOfflineLong(ctx context.Context, deviceID string) bool {
	marker, err := r.marker(ctx, deviceID)
	if err != nil || marker == nil {
		return false
	}
	return marker.Due(r.now())
}

// Reconnect 设备重连：先判断是否长时间离线，再取消标记
func (r *Reconciler) Reconnect(ctx context.Context, deviceID string) (bool, error) {
	wasLong := r.WasOfflineLong(ctx, deviceID)
	if _, err := r.Cancel(ctx, deviceID); err != nil {
		return wasLong, err
	}
	return wasLong, nil
}

func (r *Reconciler) marker(ctx context.Context, deviceID string) (*models.OfflineMarker, error) {
	var marker models.OfflineMarker
	if err := r.store.GetJSON(ctx, store.OfflineMarkerKey(deviceID), &marker); err != nil {
		if errors.Is(err, store.ErrMiss) {
			return nil, nil
		}
		return nil, err
	}
	return &marker, nil
}

// Run 周期扫描到期标记，直到 ctx 取消
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.CheckInterval)
	defer ticker.Stop()

	r.logger.Info("Offline notification reconciler started",
		zap.Duration("interval", r.opts.CheckInterval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Offline notification reconciler stopped")
			return
		case <-ticker.C:
			r.CheckPending(ctx)
		}
	}
}

// CheckPending 扫描一次，返回生成的通知数
func (r *Reconciler) CheckPending(ctx context.Context) int {
	keys, err := r.store.ScanKeys(ctx, store.OfflineMarkerPrefix+"*")
	if err != nil {
		r.logger.Error("Failed to scan offline markers", zap.Error(err))
		return 0
	}

	promoted := 0
	for _, key := range keys {
		ok, err := r.promote(ctx, key)
		if err != nil {
			r.logger.Error("Failed to process offline marker",
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted
}

func (r *Reconciler) promote(ctx context.Context, key string) (bool, error) {
	deviceID := strings.TrimPrefix(key, store.OfflineMarkerPrefix)
	marker, err := r.marker(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if marker == nil || !marker.Due(r.now()) {
		return false, nil
	}

	// 删除成功者负责生成通知；与重连取消互斥
	n, err := r.store.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	name := marker.DeviceName
	if name == "" {
		name = marker.DeviceID
	}
	minutes := int(r.opts.OfflineDelay.Minutes())
	notif := &models.Notification{
		Title:          "Device Offline",
		Message:        fmt.Sprintf("Device %q has been offline for more than %d minutes", name, minutes),
		Type:           models.NotificationDeviceOffline,
		Severity:       models.SeverityWarning,
		OrganizationID: marker.OrganizationID,
		Metadata: map[string]interface{}{
			"deviceId":       marker.DeviceID,
			"deviceName":     name,
			"disconnectedAt": marker.DisconnectedAt,
		},
	}
	if err := r.persistAndEmit(ctx, notif); err != nil {
		r.reporter.Capture(ctx, err, map[string]string{"deviceId": marker.DeviceID, "event": "notification:offline"})
		return false, err
	}

	r.logger.Info("Offline notification created",
		zap.String("device_id", marker.DeviceID),
		zap.String("organization_id", marker.OrganizationID),
	)
	return true, nil
}

// CreateOnlineNotification 设备长时间离线后恢复在线
func (r *Reconciler) CreateOnlineNotification(ctx context.Context, deviceID, deviceName, orgID string) (*models.Notification, error) {
	if deviceName == "" {
		deviceName = deviceID
	}
	n := &models.Notification{
		Title:          "Device Online",
		Message:        fmt.Sprintf("Device %q is back online", deviceName),
		Type:           models.NotificationDeviceOnline,
		Severity:       models.SeverityInfo,
		OrganizationID: orgID,
		Metadata: map[string]interface{}{
			"deviceId":   deviceID,
			"deviceName": deviceName,
		},
	}
	if err := r.persistAndEmit(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *Reconciler) persistAndEmit(ctx context.Context, n *models.Notification) error {
	if r.repo != nil {
		if err := r.repo.Create(ctx, n); err != nil {
			return err
		}
	} else {
		n.ID = uuid.New().String()
		n.CreatedAt = r.now().UTC()
	}
	r.metrics.NotificationCreated(n.Type)

	r.mu.RLock()
	e := r.emitter
	r.mu.RUnlock()
	if e != nil && n.OrganizationID != "" {
		e.EmitToOrganization(n.OrganizationID, EventNotificationNew, n)
	}
	return nil
}
