package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pinger 健康检查目标
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor 周期性 Ping 存储，连续失败达到阈值后标记为不可用
type HealthMonitor struct {
	target    Pinger
	interval  time.Duration
	threshold int
	logger    *zap.Logger

	mu       sync.RWMutex
	healthy  bool
	failures int
	lastErr  error
	onChange func(healthy bool)
}

// NewHealthMonitor 创建健康监视器（初始视为健康）
func NewHealthMonitor(target Pinger, interval time.Duration, threshold int, logger *zap.Logger) *HealthMonitor {
	if threshold <= 0 {
		threshold = 1
	}
	return &HealthMonitor{
		target:    target,
		interval:  interval,
		threshold: threshold,
		logger:    logger,
		healthy:   true,
	}
}

// OnChange 注册健康状态变化回调（在检查 goroutine 中调用）
func (m *HealthMonitor) OnChange(fn func(healthy bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// Run 启动检查循环，直到 ctx 取消
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check 执行一次检查
func (m *HealthMonitor) Check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	err := m.target.Ping(pingCtx)

	m.mu.Lock()
	was := m.healthy
	m.record(err)
	now, fn := m.healthy, m.onChange
	m.mu.Unlock()

	if fn != nil && was != now {
		fn(now)
	}
}

func (m *HealthMonitor) record(err error) {
	if err == nil {
		if !m.healthy {
			m.logger.Info("State store recovered",
				zap.Int("failures", m.failures),
			)
		}
		m.failures = 0
		m.healthy = true
		m.lastErr = nil
		return
	}

	m.failures++
	m.lastErr = err
	if m.healthy && m.failures >= m.threshold {
		m.healthy = false
		m.logger.Error("State store unhealthy",
			zap.Int("failures", m.failures),
			zap.Error(err),
		)
		return
	}
	m.logger.Warn("State store ping failed",
		zap.Int("failures", m.failures),
		zap.Error(err),
	)
}

// Healthy 当前是否健康
func (m *HealthMonitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthy
}

// LastError 最近一次失败原因
func (m *HealthMonitor) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}
