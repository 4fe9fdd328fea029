package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"vizora-realtime/internal/models"
)

// DisplayLookup 设备记录查询；不存在时返回 (nil, nil)
type DisplayLookup interface {
	GetDisplay(ctx context.Context, id string) (*models.Display, error)
}

// Authenticator 握手认证：验证令牌，设备令牌还需对应存在的设备记录
type Authenticator struct {
	verifier *Verifier
	displays DisplayLookup
}

// NewAuthenticator 创建认证器；displays 为 nil 时按令牌声明构造设备记录
func NewAuthenticator(verifier *Verifier, displays DisplayLookup) *Authenticator {
	return &Authenticator{verifier: verifier, displays: displays}
}

// Authenticate 返回身份；设备身份同时返回设备记录
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, *models.Display, error) {
	id, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if !id.IsDevice() {
		return id, nil, nil
	}

	if a.displays == nil {
		return id, &models.Display{
			ID:               id.Subject,
			OrganizationID:   id.OrganizationID,
			DeviceIdentifier: id.DeviceIdentifier,
		}, nil
	}

	display, err := a.displays.GetDisplay(ctx, id.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load device %s: %w", id.Subject, err)
	}
	if display == nil {
		return nil, nil, ErrDeviceNotFound
	}
	if display.OrganizationID == "" {
		display.OrganizationID = id.OrganizationID
	}
	return id, display, nil
}

// TokenFromRequest 从 ?token= 或 Authorization: Bearer 读取握手令牌
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	parts := strings.SplitN(h, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
