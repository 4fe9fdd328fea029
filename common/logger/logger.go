package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger 创建服务日志
// level 为空时使用 info；format 为 "console" 时输出开发格式，否则 JSON
// fields 附加到每条日志（如 instance_id）
func NewLogger(level, format, serviceName string, fields ...zap.Field) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stdout"}
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	base := []zap.Field{zap.String("service_name", serviceName)}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		base = append(base, zap.String("hostname", hostname))
	}
	return log.With(append(base, fields...)...), nil
}
