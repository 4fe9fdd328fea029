package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"vizora-realtime/common/database"
	commonmqtt "vizora-realtime/common/mqtt"
	commonredis "vizora-realtime/common/redis"
	"vizora-realtime/internal/auth"
	"vizora-realtime/internal/bridge"
	"vizora-realtime/internal/config"
	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/gateway"
	"vizora-realtime/internal/heartbeat"
	"vizora-realtime/internal/httpapi"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/notification"
	"vizora-realtime/internal/playlist"
	"vizora-realtime/internal/ratelimit"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/screenshot"
	"vizora-realtime/internal/storage"
	"vizora-realtime/internal/store"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ServiceName 日志、指标与错误上报中的服务名
const ServiceName = "vizora-realtime"

// WebSocketPath 设备与控制台的连接入口
const WebSocketPath = "/ws"

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

// RealtimeService 实时网关服务（整合各层）
type RealtimeService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *commonmqtt.Client
	logger      *zap.Logger

	// 各层组件
	store      *store.StateStore
	health     *store.HealthMonitor
	metrics    *metrics.RealtimeMetrics
	reporter   *errtrack.WebhookReporter
	limiter    *ratelimit.Limiter
	heartbeats *heartbeat.Processor
	reconciler *notification.Reconciler
	gateway    *gateway.Gateway
	bridge     *bridge.Bridge
	router     *httpapi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewRealtimeService 建立外部连接并组装组件；数据库 / 对象存储 / MQTT 按配置启用
func NewRealtimeService(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*RealtimeService, error) {
	s := &RealtimeService{config: cfg, logger: logger}

	// 1. 连接 Redis（启动时不可达视为致命错误）
	s.redisClient = commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(ctx, s.redisClient); err != nil {
		_ = s.redisClient.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 2. 连接数据库
	var (
		displays      repository.DisplayRepository
		playlists     repository.PlaylistRepository
		notifications repository.NotificationRepository
		impressions   repository.ImpressionRepository
	)
	if cfg.DBEnabled {
		db, err := database.NewPostgresDB(ctx, &cfg.Database)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		s.db = db
		displays = repository.NewPostgresDisplayRepository(db, logger)
		playlists = repository.NewPostgresPlaylistRepository(db, logger)
		notifications = repository.NewPostgresNotificationRepository(db, logger)
		impressions = repository.NewPostgresImpressionRepository(db, logger)
	} else {
		logger.Warn("Database disabled, repository mirroring off")
	}

	// 3. 对象存储（失败时截图不可用，内容 URL 保持原值）
	var (
		objects storage.ObjectStorage
		urls    playlist.URLResolver
	)
	if cfg.Storage.Enabled {
		st, err := storage.NewS3Storage(ctx, &cfg.Storage.S3Config, logger)
		if err != nil {
			logger.Error("Object storage unavailable", zap.Error(err))
		} else {
			objects = st
			urls = st
		}
	}

	// 4. 基础组件
	s.metrics = metrics.NewRealtimeMetrics("vizora_realtime")
	s.reporter = errtrack.NewWebhookReporter(cfg.ErrorTracking.WebhookURL, ServiceName, cfg.InstanceID, logger)
	s.store = store.NewStateStore(s.redisClient, storeOptions(cfg), logger)
	s.health = store.NewHealthMonitor(s.store, cfg.Realtime.HealthCheckInterval, cfg.Realtime.HealthFailThreshold, logger)
	s.health.OnChange(s.metrics.SetStoreHealthy)
	s.metrics.SetStoreHealthy(true)
	s.limiter = ratelimit.NewLimiter(cfg.Realtime.RateLimit.MaxConnections, cfg.Realtime.RateLimit.Window)

	// 5. 领域组件
	var lookup auth.DisplayLookup
	if displays != nil {
		lookup = displays
	}
	verifier := auth.NewVerifier(cfg.Auth.DeviceJWTSecret, cfg.Auth.UserJWTSecret, s.store)
	s.heartbeats = heartbeat.NewProcessor(s.store, displays, impressions, s.metrics, s.reporter, cfg.Realtime.HeartbeatInterval, logger)
	s.reconciler = notification.NewReconciler(s.store, notifications, s.metrics, s.reporter, notification.Options{
		OfflineDelay:  cfg.Realtime.Notification.OfflineDelay,
		MarkerTTL:     cfg.Realtime.Notification.MarkerTTL,
		CheckInterval: cfg.Realtime.Notification.CheckInterval,
	}, logger)
	resolver := playlist.NewResolver(s.store, displays, playlists, urls, logger)
	ingestor := screenshot.NewIngestor(objects, displays, s.metrics, s.reporter,
		cfg.Realtime.Screenshot.MaxBytes, cfg.Storage.PresignExpires, logger)

	// 6. 网关
	opts := gateway.DefaultOptions()
	opts.InstanceID = cfg.InstanceID
	opts.HeartbeatInterval = cfg.Realtime.HeartbeatInterval
	opts.CacheSize = cfg.Realtime.CacheSize
	opts.AutoUpdate = cfg.Realtime.AutoUpdate
	opts.AllowedOrigins = cfg.HTTP.AllowedOrigins
	s.gateway = gateway.New(opts, gateway.Deps{
		Store:         s.store,
		Auth:          auth.NewAuthenticator(verifier, lookup),
		Limiter:       s.limiter,
		Heartbeats:    s.heartbeats,
		Notifications: s.reconciler,
		Playlists:     resolver,
		Screenshots:   ingestor,
		Metrics:       s.metrics,
		Reporter:      s.reporter,
	}, logger)

	// 7. HTTP 路由
	s.router = httpapi.NewRouter(logger)
	s.router.HandleHandler(WebSocketPath, s.gateway)
	s.router.RegisterStatusRoutes(httpapi.NewStatusHandler(s.health, s.gateway, s.metrics))
	s.router.RegisterInternalRoutes(
		httpapi.NewPushHandler(s.gateway, s.metrics, logger),
		httpapi.NewDeviceHandler(s.heartbeats, logger),
		cfg.Internal.APISecret,
	)
	s.router.RegisterControlRoutes(
		httpapi.NewControlHandler(resolver, s.store, s.gateway, logger),
		cfg.Internal.APISecret,
	)

	// 8. MQTT 推送桥（可选）
	if cfg.MQTT.Enabled {
		client, err := commonmqtt.NewClient(&cfg.MQTT.MQTTConfig, logger)
		if err != nil {
			s.closeClients()
			return nil, fmt.Errorf("failed to connect mqtt: %w", err)
		}
		s.mqttClient = client
		s.bridge = bridge.NewBridge(client, s.gateway, cfg.MQTT.TopicPrefix, cfg.MQTT.QoS, s.metrics, logger)
	}

	return s, nil
}

func storeOptions(cfg *config.Config) store.Options {
	opts := store.DefaultOptions()
	if cfg.Realtime.StatusOnlineTTL > 0 {
		opts.StatusOnlineTTL = cfg.Realtime.StatusOnlineTTL
	}
	if cfg.Realtime.StatusOfflineTTL > 0 {
		opts.StatusOfflineTTL = cfg.Realtime.StatusOfflineTTL
	}
	if cfg.Realtime.CommandTTL > 0 {
		opts.CommandTTL = cfg.Realtime.CommandTTL
	}
	if cfg.Realtime.PlaylistCacheTTL > 0 {
		opts.PlaylistTTL = cfg.Realtime.PlaylistCacheTTL
	}
	return opts
}

// Handler HTTP 入口（WebSocket + 内部接口）
func (s *RealtimeService) Handler() http.Handler { return s.router }

// Gateway 连接管理器
func (s *RealtimeService) Gateway() *gateway.Gateway { return s.gateway }

// Addr 实际监听地址（Start 之后有效）
func (s *RealtimeService) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start 启动后台循环与 HTTP 服务；ctx 取消后后台循环退出
func (s *RealtimeService) Start(ctx context.Context) error {
	s.logger.Info("Starting realtime service",
		zap.String("instance_id", s.config.InstanceID),
		zap.String("addr", s.config.HTTP.Addr),
	)

	ln, err := net.Listen("tcp", s.config.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.HTTP.Addr, err)
	}

	s.goLoop(func() { s.health.Run(ctx) })
	s.goLoop(func() { s.limiter.RunJanitor(ctx, janitorInterval) })
	s.goLoop(func() { s.reconciler.Run(ctx) })
	s.goLoop(func() {
		if err := s.gateway.Run(ctx); err != nil {
			s.logger.Error("Room relay stopped", zap.Error(err))
		}
	})

	if s.bridge != nil {
		if err := s.bridge.Start(); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start mqtt bridge: %w", err)
		}
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = server
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *RealtimeService) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop 关闭连接并释放外部资源
func (s *RealtimeService) Stop() error {
	s.logger.Info("Stopping realtime service")

	if s.bridge != nil {
		if err := s.bridge.Stop(); err != nil {
			s.logger.Warn("Failed to stop mqtt bridge", zap.Error(err))
		}
	}

	s.gateway.Shutdown()
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down http server", zap.Error(err))
		}
	}

	s.wg.Wait()
	s.reporter.Flush()

	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close state store", zap.Error(err))
	}
	s.closeClients()
	return nil
}

func (s *RealtimeService) closeClients() {
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if s.redisClient != nil {
		if err := commonredis.Close(s.redisClient); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}
}
