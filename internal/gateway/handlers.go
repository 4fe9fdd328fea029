package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"vizora-realtime/internal/errtrack"
	"vizora-realtime/internal/heartbeat"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/screenshot"

	"go.uber.org/zap"
)

var (
	errUnknownEvent     = errors.New("unknown event")
	errInvalidPayload   = errors.New("invalid payload")
	errDeviceOnly       = errors.New("device connection required")
	errRoomForbidden    = errors.New("not allowed to join room")
	errHeartbeatFailed  = errors.New("failed to process heartbeat")
	errScreenshotFailed = errors.New("failed to store screenshot")
	errInternal         = errors.New("internal error")
)

// handlerFunc 入站事件处理；返回值作为 ack.data，错误作为 ack.error
type handlerFunc func(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error)

func (g *Gateway) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventHeartbeat:          g.handleHeartbeat,
		EventContentImpression:  g.handleContentImpression,
		EventContentError:       g.handleContentError,
		EventPlaylistRequest:    g.handlePlaylistRequest,
		EventJoinOrganization:   g.handleJoinOrganization,
		EventJoinRoom:           g.handleJoinRoom,
		EventLeaveRoom:          g.handleLeaveRoom,
		EventScreenshotResponse: g.handleScreenshotResponse,
	}
}

// dispatch 查表分发并回复 ack；处理函数内的 panic 在此恢复，连接不受影响
func (g *Gateway) dispatch(ctx context.Context, c *Conn, env *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			err := errtrack.PanicError(r)
			g.metrics.HandlerPanic(env.Event)
			g.logger.Error("Recovered from handler panic",
				zap.String("event", env.Event),
				zap.String("device_id", c.deviceID),
				zap.String("socket_id", c.id),
				zap.Error(err),
			)
			g.reporter.Capture(ctx, err, map[string]string{"deviceId": c.deviceID, "event": env.Event})
			c.ack(env.ID, g.failure(errInternal))
		}
	}()

	h, ok := g.handlers[env.Event]
	if !ok {
		c.ack(env.ID, g.failure(errUnknownEvent))
		return
	}

	data, err := h(ctx, c, env.Data)
	if err != nil {
		c.ack(env.ID, g.failure(err))
		return
	}
	c.ack(env.ID, Ack{
		Success:   true,
		Data:      data,
		Timestamp: models.FormatTimestamp(g.now()),
	})
}

func (g *Gateway) failure(err error) Ack {
	return Ack{
		Success:   false,
		Error:     err.Error(),
		Timestamp: models.FormatTimestamp(g.now()),
	}
}

// decode 解析载荷；optional 为 true 时允许空载荷
func decode(data json.RawMessage, dest interface{}, optional bool) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if optional {
			return nil
		}
		return errInvalidPayload
	}
	if err := json.Unmarshal(trimmed, dest); err != nil {
		return errInvalidPayload
	}
	return nil
}

// ============================================
// 设备事件
// ============================================

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	if !c.IsDevice() {
		return nil, errDeviceOnly
	}
	var payload heartbeat.Payload
	if err := decode(data, &payload, true); err != nil {
		return nil, err
	}

	res, err := g.heartbeats.Process(ctx, c.deviceID, c.orgID, c.id, &payload)
	if err != nil {
		return nil, errHeartbeatFailed
	}
	return res, nil
}

func (g *Gateway) handleContentImpression(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	if !c.IsDevice() {
		return nil, errDeviceOnly
	}
	var imp models.ContentImpression
	if err := decode(data, &imp, false); err != nil {
		return nil, err
	}
	if imp.ContentID == "" {
		return nil, errInvalidPayload
	}
	g.heartbeats.LogImpression(ctx, c.deviceID, &imp)
	return nil, nil
}

func (g *Gateway) handleContentError(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	if !c.IsDevice() {
		return nil, errDeviceOnly
	}
	var e models.ContentError
	if err := decode(data, &e, false); err != nil {
		return nil, err
	}
	g.logger.Warn("Content error reported",
		zap.String("device_id", c.deviceID),
		zap.String("content_id", e.ContentID),
		zap.String("error_type", e.ErrorType),
		zap.String("error_message", e.ErrorMessage),
	)
	g.heartbeats.LogError(ctx, c.deviceID, &e)
	return nil, nil
}

type playlistRequest struct {
	ForceRefresh bool `json:"forceRefresh"`
}

type playlistResponse struct {
	Playlist *models.Playlist `json:"playlist"`
}

func (g *Gateway) handlePlaylistRequest(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	if !c.IsDevice() {
		return nil, errDeviceOnly
	}
	var req playlistRequest
	if err := decode(data, &req, true); err != nil {
		return nil, err
	}
	if g.playlists == nil {
		return playlistResponse{}, nil
	}
	pl := g.playlists.GetDevicePlaylist(ctx, c.deviceID, req.ForceRefresh)
	return playlistResponse{Playlist: g.playlists.ResolveContentURLs(ctx, pl)}, nil
}

func (g *Gateway) handleScreenshotResponse(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	if !c.IsDevice() {
		return nil, errDeviceOnly
	}
	var sub screenshot.Submission
	if err := decode(data, &sub, false); err != nil {
		return nil, err
	}
	if g.screenshots == nil {
		return nil, screenshot.ErrStorageUnavailable
	}

	ready, err := g.screenshots.Ingest(ctx, c.deviceID, c.orgID, &sub)
	if err != nil {
		switch {
		case errors.Is(err, screenshot.ErrTooLarge),
			errors.Is(err, screenshot.ErrInvalidBase64),
			errors.Is(err, screenshot.ErrInvalidFormat),
			errors.Is(err, screenshot.ErrStorageUnavailable):
			return nil, err
		}
		return nil, errScreenshotFailed
	}
	return ready, nil
}

// ============================================
// 房间
// ============================================

type organizationRequest struct {
	OrganizationID string `json:"organizationId"`
}

type roomRequest struct {
	Room string `json:"room"`
}

func (g *Gateway) handleJoinOrganization(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var req organizationRequest
	if err := decode(data, &req, true); err != nil {
		return nil, err
	}
	orgID := req.OrganizationID
	if orgID == "" {
		orgID = c.orgID
	}
	if orgID == "" || orgID != c.orgID {
		g.denyRoom(c, OrgRoom(orgID))
		return nil, errRoomForbidden
	}

	c.dashboard.Store(true)
	g.hub.join(c, OrgRoom(orgID))
	resp := organizationRequest{OrganizationID: orgID}
	c.emit(EventJoinedOrganization, resp)
	return resp, nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req, false); err != nil {
		return nil, err
	}
	if !c.mayJoin(req.Room) {
		g.denyRoom(c, req.Room)
		return nil, errRoomForbidden
	}
	g.hub.join(c, req.Room)
	return req, nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var req roomRequest
	if err := decode(data, &req, false); err != nil {
		return nil, err
	}
	if req.Room == "" {
		return nil, errInvalidPayload
	}
	g.hub.leave(c, req.Room)
	return req, nil
}

// mayJoin 只能加入自己的设备房间或组织房间
func (c *Conn) mayJoin(room string) bool {
	switch {
	case strings.HasPrefix(room, devicePrefix):
		id := strings.TrimPrefix(room, devicePrefix)
		return c.deviceID != "" && id == c.deviceID
	case strings.HasPrefix(room, orgPrefix):
		id := strings.TrimPrefix(room, orgPrefix)
		return c.orgID != "" && id == c.orgID
	}
	return false
}

func (g *Gateway) denyRoom(c *Conn, room string) {
	g.logger.Warn("Room join denied",
		zap.String("device_id", c.deviceID),
		zap.String("organization_id", c.orgID),
		zap.String("room", room),
	)
	c.emit(EventError, ErrorEvent{Reason: "forbidden", Message: errRoomForbidden.Error()})
}
