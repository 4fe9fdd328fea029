package errtrack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Reporter 错误上报（带上下文标签，如 deviceId、event）
type Reporter interface {
	Capture(ctx context.Context, err error, tags map[string]string)
}

// Event webhook 上报体
type Event struct {
	Service   string            `json:"service"`
	Instance  string            `json:"instance"`
	Message   string            `json:"message"`
	Tags      map[string]string `json:"tags,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// WebhookReporter 记录日志，并在配置了 webhook 时异步 POST 上报
type WebhookReporter struct {
	client   *resty.Client
	url      string
	service  string
	instance string
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewWebhookReporter 创建上报器；url 为空时只记录日志
func NewWebhookReporter(url, service, instance string, logger *zap.Logger) *WebhookReporter {
	client := resty.New().
		SetTimeout(5*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json")

	return &WebhookReporter{
		client:   client,
		url:      url,
		service:  service,
		instance: instance,
		logger:   logger,
	}
}

// Capture 上报错误（不阻塞调用方）
func (r *WebhookReporter) Capture(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}

	fields := []zap.Field{zap.Error(err)}
	for k, v := range tags {
		fields = append(fields, zap.String(k, v))
	}
	r.logger.Error("Captured error", fields...)

	if r.url == "" {
		return
	}

	evt := Event{
		Service:   r.service,
		Instance:  r.instance,
		Message:   err.Error(),
		Tags:      tags,
		Timestamp: time.Now().UnixMilli(),
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		resp, postErr := r.client.R().SetBody(evt).Post(r.url)
		if postErr != nil {
			r.logger.Warn("Error webhook call failed", zap.Error(postErr))
			return
		}
		if resp.IsError() {
			r.logger.Warn("Error webhook rejected event",
				zap.Int("status_code", resp.StatusCode()),
			)
		}
	}()
}

// Flush 等待未完成的上报
func (r *WebhookReporter) Flush() {
	r.wg.Wait()
}

// Nop 丢弃所有上报
type Nop struct{}

func (Nop) Capture(context.Context, error, map[string]string) {}

// PanicError 将 recover() 的值包装为 error
func PanicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
