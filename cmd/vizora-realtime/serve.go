package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"vizora-realtime/common/logger"
	"vizora-realtime/internal/config"
	"vizora-realtime/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the realtime gateway",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) error {
	// 1. 加载配置
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, service.ServiceName,
		zap.String("instance_id", cfg.InstanceID))
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	if cfg.Auth.DeviceJWTSecret == "" || cfg.Auth.UserJWTSecret == "" {
		return fmt.Errorf("DEVICE_JWT_SECRET and JWT_SECRET are required")
	}

	// 3. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. 创建服务
	svc, err := service.NewRealtimeService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to create realtime service", zap.Error(err))
		return err
	}
	defer svc.Stop()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := svc.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Error("Service error", zap.Error(err))
		return err
	}

	log.Info("Realtime service stopped")
	return nil
}
