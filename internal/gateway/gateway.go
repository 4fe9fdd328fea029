package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"vizora-realtime/internal/auth"
	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/heartbeat"
	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/notification"
	"vizora-realtime/internal/playlist"
	"vizora-realtime/internal/ratelimit"
	"vizora-realtime/internal/screenshot"
	"vizora-realtime/internal/store"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Options 网关参数
type Options struct {
	InstanceID        string
	HeartbeatInterval time.Duration
	CacheSize         int64
	AutoUpdate        bool
	AllowedOrigins    []string

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// DisconnectTimeout 断开处理（状态写入、调度通知）的超时
	DisconnectTimeout time.Duration
}

// DefaultOptions 默认参数（心跳 15s，缓存 500MB）
func DefaultOptions() Options {
	return Options{
		InstanceID:        uuid.NewString(),
		HeartbeatInterval: 15 * time.Second,
		CacheSize:         524288000,
		AutoUpdate:        true,
		WriteWait:         10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        50 * time.Second,
		MaxMessageSize:    4 << 20, // 2MiB 截图的 base64 约 2.7MB
		SendBuffer:        256,
		DisconnectTimeout: 10 * time.Second,
	}
}

// Deps 网关依赖的组件
type Deps struct {
	Store         *store.StateStore
	Auth          *auth.Authenticator
	Limiter       *ratelimit.Limiter
	Heartbeats    *heartbeat.Processor
	Notifications *notification.Reconciler
	Playlists     *playlist.Resolver
	Screenshots   *screenshot.Ingestor
	Metrics       *metrics.RealtimeMetrics
	Reporter      errtrack.Reporter
}

// Gateway 设备 / 控制台实时连接管理
type Gateway struct {
	opts          Options
	hub           *Hub
	upgrader      websocket.Upgrader
	store         *store.StateStore
	auth          *auth.Authenticator
	limiter       *ratelimit.Limiter
	heartbeats    *heartbeat.Processor
	notifications *notification.Reconciler
	playlists     *playlist.Resolver
	screenshots   *screenshot.Ingestor
	metrics       *metrics.RealtimeMetrics
	reporter      errtrack.Reporter
	handlers      map[string]handlerFunc
	logger        *zap.Logger
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// active 正在运行的连接处理（含断开时的状态写入），Shutdown 等待其结束
	lifeMu sync.Mutex
	closed bool
	active sync.WaitGroup
}

// New 创建网关，并注册为通知与截图事件的广播目标
func New(opts Options, deps Deps, logger *zap.Logger) *Gateway {
	if deps.Reporter == nil {
		deps.Reporter = errtrack.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:          opts,
		hub:           newHub(),
		store:         deps.Store,
		auth:          deps.Auth,
		limiter:       deps.Limiter,
		heartbeats:    deps.Heartbeats,
		notifications: deps.Notifications,
		playlists:     deps.Playlists,
		screenshots:   deps.Screenshots,
		metrics:       deps.Metrics,
		reporter:      deps.Reporter,
		logger:        logger,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.handlers = g.routes()

	if g.notifications != nil {
		g.notifications.SetEmitter(g)
	}
	if g.screenshots != nil {
		g.screenshots.SetEmitter(g)
	}
	return g
}

// WithClock 替换时钟（测试用）
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ConnectionCount 本实例当前连接数
func (g *Gateway) ConnectionCount() int { return g.hub.count() }

// IsDeviceConnected 设备是否连接在本实例
func (g *Gateway) IsDeviceConnected(deviceID string) bool {
	_, ok := g.hub.current(deviceID)
	return ok
}

// ============================================
// 连接建立
// ============================================

// ServeHTTP 升级 WebSocket 并执行准入、认证与连接初始化
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer g.active.Done()

	addr := remoteIP(r)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", addr),
			zap.Error(err),
		)
		return
	}

	if g.limiter != nil && !g.limiter.Allow(addr) {
		g.logger.Warn("Connection rejected: rate limited", zap.String("remote_addr", addr))
		g.metrics.ConnectionRejected("unknown", ReasonRateLimited)
		g.reject(ws, ReasonRateLimited, "too many connection attempts", true)
		return
	}

	identity, display, err := g.auth.Authenticate(g.ctx, auth.TokenFromRequest(r))
	if err != nil {
		reason := rejectReason(err)
		g.logger.Warn("Connection rejected",
			zap.String("remote_addr", addr),
			zap.String("reason", reason),
			zap.Error(err),
		)
		g.metrics.ConnectionRejected("unknown", reason)
		if reason == ReasonInternalError {
			g.reporter.Capture(g.ctx, err, map[string]string{"event": "connect"})
		}
		g.reject(ws, reason, "", false)
		return
	}

	c := newConn(g, ws, uuid.NewString(), addr)
	c.identity = identity
	c.orgID = identity.OrganizationID
	kind := "dashboard"
	if identity.IsDevice() {
		kind = "device"
		c.display = display
		c.deviceID = display.ID
		c.orgID = display.OrganizationID
	}
	c.logger = c.logger.With(zap.String("device_id", c.deviceID))

	g.hub.add(c)
	g.metrics.ConnectionOpened(kind)
	go c.writeLoop()
	if g.ctx.Err() != nil {
		// Shutdown 已在 add 之前枚举过连接
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	g.safely(c, "connect", func() {
		if c.IsDevice() {
			g.onDeviceConnect(g.ctx, c)
		} else {
			g.onDashboardConnect(c)
		}
	})

	c.readLoop(g.ctx)

	c.closeWith(websocket.CloseNormalClosure, "")
	g.safely(c, "disconnect", func() { g.onDisconnect(c) })
	g.hub.remove(c)
	g.metrics.ConnectionClosed()
}

// reject 握手后拒绝：可选先发送 error 事件，再以策略违规关闭
func (g *Gateway) reject(ws *websocket.Conn, reason, message string, notify bool) {
	deadline := time.Now().Add(g.opts.WriteWait)
	if notify {
		if frame, err := encodeFrame(EventError, nil, ErrorEvent{Reason: reason, Message: message}); err == nil {
			_ = ws.SetWriteDeadline(deadline)
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
	}
	code := websocket.ClosePolicyViolation
	if reason == ReasonInternalError {
		code = websocket.CloseInternalServerErr
	}
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrRevoked):
		return ReasonTokenRevoked
	case errors.Is(err, auth.ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrWrongTokenType):
		return ReasonUnauthorized
	}
	return ReasonInternalError
}

func (g *Gateway) onDeviceConnect(ctx context.Context, c *Conn) {
	deviceID, orgID := c.deviceID, c.orgID

	prev := g.hub.setCurrent(deviceID, c.id)
	if prev != "" {
		g.logger.Info("Device connection superseded",
			zap.String("device_id", deviceID),
			zap.String("previous_socket_id", prev),
			zap.String("socket_id", c.id),
		)
		if old := g.hub.get(prev); old != nil {
			old.closeWith(websocket.CloseNormalClosure, "superseded")
		}
	} else {
		g.metrics.DeviceOnline()
	}

	g.hub.join(c, DeviceRoom(deviceID))
	if orgID != "" {
		g.hub.join(c, OrgRoom(orgID))
	}

	sid := c.id
	if err := g.heartbeats.SetStatus(ctx, deviceID, orgID, &sid, models.StatusOnline); err != nil {
		g.logger.Error("Failed to record device online",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		g.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "connect"})
	}

	if g.notifications != nil {
		wasLong, err := g.notifications.Reconnect(ctx, deviceID)
		if err != nil {
			g.logger.Warn("Failed to cancel offline notification",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		if wasLong {
			if _, err := g.notifications.CreateOnlineNotification(ctx, deviceID, c.display.Name(), orgID); err != nil {
				g.logger.Error("Failed to create online notification",
					zap.String("device_id", deviceID),
					zap.Error(err),
				)
				g.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "connect"})
			}
		}
	}

	if orgID != "" {
		g.emitToRoom(ctx, OrgRoom(orgID), EventDeviceStatus, DeviceStatusEvent{
			DeviceID:  deviceID,
			Status:    models.StatusOnline,
			Timestamp: models.FormatTimestamp(g.now()),
		})
	}

	c.emit(EventConfig, ConfigEvent{
		HeartbeatInterval: g.opts.HeartbeatInterval.Milliseconds(),
		CacheSize:         g.opts.CacheSize,
		AutoUpdate:        g.opts.AutoUpdate,
	})

	if g.playlists != nil {
		if pl := g.playlists.GetDevicePlaylist(ctx, deviceID, false); pl != nil {
			c.emit(EventPlaylistUpdate, PlaylistUpdateEvent{
				Playlist:  g.playlists.ResolveContentURLs(ctx, pl),
				Timestamp: models.FormatTimestamp(g.now()),
			})
		}
	}

	g.logger.Info("Device connected",
		zap.String("device_id", deviceID),
		zap.String("organization_id", orgID),
		zap.String("socket_id", c.id),
		zap.String("remote_addr", c.remoteAddr),
	)
}

func (g *Gateway) onDashboardConnect(c *Conn) {
	c.dashboard.Store(true)
	if c.orgID != "" {
		g.hub.join(c, OrgRoom(c.orgID))
	}
	g.logger.Info("Dashboard connected",
		zap.String("user_id", c.identity.Subject),
		zap.String("organization_id", c.orgID),
		zap.String("socket_id", c.id),
	)
}

// ============================================
// 连接断开
// ============================================

// onDisconnect 仅当断开的连接仍是设备当前连接时才更新状态；被取代的旧连接断开不产生副作用
func (g *Gateway) onDisconnect(c *Conn) {
	if !c.IsDevice() {
		return
	}
	deviceID := c.deviceID

	if !g.hub.releaseIfCurrent(deviceID, c.id) {
		g.logger.Debug("Stale connection closed",
			zap.String("device_id", deviceID),
			zap.String("socket_id", c.id),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.DisconnectTimeout)
	defer cancel()
	g.markOffline(ctx, c)
}

// markOffline 写入离线状态并调度离线通知。写入期间若设备已重连（出现新的当前连接），
// 撤销离线标记并恢复在线状态
func (g *Gateway) markOffline(ctx context.Context, c *Conn) {
	deviceID, orgID := c.deviceID, c.orgID

	if err := g.heartbeats.SetStatus(ctx, deviceID, orgID, nil, models.StatusOffline); err != nil {
		g.logger.Error("Failed to record device offline",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		g.reporter.Capture(ctx, err, map[string]string{"deviceId": deviceID, "event": "disconnect"})
	}

	if g.notifications != nil {
		if err := g.notifications.Schedule(ctx, deviceID, c.display.Name(), orgID); err != nil {
			g.logger.Error("Failed to schedule offline notification",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}

	g.metrics.DeviceOffline(deviceID)

	if current, ok := g.hub.current(deviceID); ok {
		g.restoreOnline(ctx, deviceID, orgID, current)
		return
	}

	if orgID != "" {
		g.emitToRoom(ctx, OrgRoom(orgID), EventDeviceStatus, DeviceStatusEvent{
			DeviceID:  deviceID,
			Status:    models.StatusOffline,
			Timestamp: models.FormatTimestamp(g.now()),
		})
	}

	g.logger.Info("Device disconnected",
		zap.String("device_id", deviceID),
		zap.String("socket_id", c.id),
	)
}

// restoreOnline 断开处理与重连交错时，以新连接为准
func (g *Gateway) restoreOnline(ctx context.Context, deviceID, orgID, socketID string) {
	g.logger.Info("Device reconnected during disconnect handling",
		zap.String("device_id", deviceID),
		zap.String("socket_id", socketID),
	)
	if g.notifications != nil {
		if _, err := g.notifications.Cancel(ctx, deviceID); err != nil {
			g.logger.Warn("Failed to cancel offline notification",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
	}
	if err := g.heartbeats.SetStatus(ctx, deviceID, orgID, &socketID, models.StatusOnline); err != nil {
		g.logger.Error("Failed to restore device online",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// safely 在连接边界恢复 panic，上报后继续
func (g *Gateway) safely(c *Conn, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := errtrack.PanicError(r)
			g.metrics.HandlerPanic(event)
			g.logger.Error("Recovered from handler panic",
				zap.String("event", event),
				zap.String("device_id", c.deviceID),
				zap.String("socket_id", c.id),
				zap.Error(err),
			)
			g.reporter.Capture(g.ctx, err, map[string]string{"deviceId": c.deviceID, "event": event})
		}
	}()
	fn()
}

// enter 登记一个连接处理；Shutdown 之后返回 false
func (g *Gateway) enter() bool {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	return true
}

// Shutdown 关闭所有连接、停止跨实例转发，并等待断开处理完成
func (g *Gateway) Shutdown() {
	g.lifeMu.Lock()
	if g.closed {
		g.lifeMu.Unlock()
		return
	}
	g.closed = true
	g.lifeMu.Unlock()

	g.cancel()
	for _, c := range g.hub.all() {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
	g.active.Wait()
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
