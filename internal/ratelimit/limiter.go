package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Entry 单个来源的计数窗口
type Entry struct {
	Count   int
	ResetAt time.Time
}

// Limiter 按来源地址的固定窗口连接限流（进程内）
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewLimiter 创建限流器
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
}

// WithClock 替换时钟（测试用）
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow 记录一次尝试并返回是否放行；窗口到期后惰性重置
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.ResetAt) {
		l.entries[key] = &Entry{Count: 1, ResetAt: now.Add(l.window)}
		return true
	}
	if e.Count >= l.max {
		return false
	}
	e.Count++
	return true
}

// Remaining 当前窗口剩余次数
func (l *Limiter) Remaining(key string) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || !now.Before(e.ResetAt) {
		return l.max
	}
	if r := l.max - e.Count; r > 0 {
		return r
	}
	return 0
}

// Sweep 清理已过期的窗口，返回清理数量
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, e := range l.entries {
		if !now.Before(e.ResetAt) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// Len 当前跟踪的来源数
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RunJanitor 定期清理过期窗口，直到 ctx 取消
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
