package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// SecretHeader 内部推送接口的共享密钥请求头
const SecretHeader = "X-Internal-Secret"

const devicesPrefix = "/internal/devices/"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（WebSocket 网关、/metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterStatusRoutes /health 与 /metrics（无需密钥）
func (r *Router) RegisterStatusRoutes(s *StatusHandler) {
	r.Handle("/health", method(http.MethodGet, s.Health))
	if s.metrics != nil {
		r.HandleHandler("/metrics", s.metrics.Handler())
	}
}

// RegisterInternalRoutes 注册内部推送与设备查询接口；secret 为空时不启用
func (r *Router) RegisterInternalRoutes(p *PushHandler, d *DeviceHandler, secret string) bool {
	if secret == "" {
		r.logger.Warn("Internal API secret not configured, internal routes disabled")
		return false
	}

	r.Handle("/internal/push/playlist", r.guard(secret, method(http.MethodPost, p.PushPlaylist)))
	r.Handle("/internal/push/command", r.guard(secret, method(http.MethodPost, p.PushCommand)))
	r.Handle("/internal/push/content", r.guard(secret, method(http.MethodPost, p.PushContent)))
	r.Handle("/internal/broadcast", r.guard(secret, method(http.MethodPost, p.Broadcast)))

	if d != nil {
		r.Handle(devicesPrefix, r.guard(secret, method(http.MethodGet, d.ServeHTTP)))
	}
	return true
}

// RegisterControlRoutes 即时发布与令牌吊销；secret 为空时不启用
func (r *Router) RegisterControlRoutes(c *ControlHandler, secret string) bool {
	if secret == "" || c == nil {
		return false
	}
	r.Handle("/internal/instant-publish", r.guard(secret, c.InstantPublish))
	r.Handle("/internal/tokens/revoke", r.guard(secret, method(http.MethodPost, c.RevokeToken)))
	return true
}

// guard 校验 X-Internal-Secret
func (r *Router) guard(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !secretMatches(secret, req.Header.Get(SecretHeader)) {
			r.logger.Warn("Rejected internal request",
				zap.String("path", req.URL.Path),
				zap.String("remote_addr", req.RemoteAddr),
			)
			writeJSON(w, http.StatusUnauthorized, Fail("unauthorized"))
			return
		}
		next(w, req)
	}
}

func method(m string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != m {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		next(w, req)
	}
}
