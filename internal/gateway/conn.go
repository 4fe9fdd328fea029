package gateway

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"vizora-realtime/internal/auth"
	"vizora-realtime/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn 单个 WebSocket 连接：一个读协程 + 一个写协程，写入经由缓冲通道
type Conn struct {
	id         string
	ws         *websocket.Conn
	gw         *Gateway
	remoteAddr string
	identity   *auth.Identity
	display    *models.Display
	deviceID   string
	orgID      string
	logger     *zap.Logger

	dashboard atomic.Bool
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(gw *Gateway, ws *websocket.Conn, id, remoteAddr string) *Conn {
	return &Conn{
		id:         id,
		ws:         ws,
		gw:         gw,
		remoteAddr: remoteAddr,
		logger:     gw.logger.With(zap.String("socket_id", id)),
		send:       make(chan []byte, gw.opts.SendBuffer),
		done:       make(chan struct{}),
	}
}

// ID 连接 ID
func (c *Conn) ID() string { return c.id }

// DeviceID 设备连接的设备 ID（控制台连接为空）
func (c *Conn) DeviceID() string { return c.deviceID }

// OrganizationID 连接所属组织
func (c *Conn) OrganizationID() string { return c.orgID }

// IsDevice 是否为设备连接
func (c *Conn) IsDevice() bool { return c.deviceID != "" }

// IsDashboard 是否已标记为控制台连接
func (c *Conn) IsDashboard() bool { return c.dashboard.Load() }

// enqueue 非阻塞写入发送队列；队列满或连接已关闭时丢弃
func (c *Conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Send buffer full, dropping frame",
			zap.String("device_id", c.deviceID),
		)
		return false
	}
}

// emit 向本连接发送事件
func (c *Conn) emit(event string, data interface{}) {
	frame, err := encodeFrame(event, nil, data)
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.String("event", event), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

func (c *Conn) ack(id *int64, ack Ack) {
	if id == nil {
		return
	}
	frame, err := encodeFrame(EventAck, id, ack)
	if err != nil {
		c.logger.Error("Failed to encode ack", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// closeWith 发送 close frame 并关闭底层连接（可重复调用）
func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.gw.opts.WriteWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))
	})

	for {
		raw, tooLarge, err := c.nextMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection read error",
					zap.String("device_id", c.deviceID),
					zap.Error(err),
				)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.gw.opts.PongWait))

		if tooLarge {
			c.logger.Warn("Dropped oversized frame",
				zap.String("device_id", c.deviceID),
				zap.Int64("limit", c.gw.opts.MaxMessageSize),
			)
			c.emit(EventError, ErrorEvent{Reason: ReasonMessageTooLarge, Message: "message too large"})
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			c.emit(EventError, ErrorEvent{Reason: "malformed_frame", Message: "malformed frame"})
			continue
		}
		c.gw.dispatch(ctx, c, &env)
	}
}

// nextMessage 读取一帧；超过 MaxMessageSize 的帧被丢弃（连接保持），tooLarge 为 true
func (c *Conn) nextMessage() ([]byte, bool, error) {
	_, r, err := c.ws.NextReader()
	if err != nil {
		return nil, false, err
	}
	limit := c.gw.opts.MaxMessageSize
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(raw)) <= limit {
		return raw, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.gw.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.gw.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("Connection write error", zap.Error(err))
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.gw.opts.WriteWait)); err != nil {
				c.closeWith(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}
