package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrWrongTokenType  = errors.New("wrong token type")
	ErrRevoked         = errors.New("token revoked")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrMissingToken    = errors.New("missing token")
	errUnexpectedAlgHS = errors.New("unexpected signing method")
)

// TokenType 令牌类型
type TokenType string

const (
	TokenDevice TokenType = "device"
	TokenUser   TokenType = "user"
)

// DeviceClaims 设备令牌（sub = 设备ID）
type DeviceClaims struct {
	DeviceIdentifier string    `json:"deviceIdentifier"`
	OrganizationID   string    `json:"organizationId"`
	Type             TokenType `json:"type"`
	jwt.RegisteredClaims
}

// UserClaims 控制台用户令牌（sub = 用户ID）
type UserClaims struct {
	Email          string    `json:"email,omitempty"`
	OrganizationID string    `json:"organizationId"`
	Role           string    `json:"role,omitempty"`
	Type           TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Identity 验证通过的连接身份
type Identity struct {
	Type             TokenType
	Subject          string // 设备ID 或 用户ID
	OrganizationID   string
	DeviceIdentifier string
	Role             string
	TokenID          string
	ExpiresAt        time.Time
}

// IsDevice 是否为设备身份
func (i *Identity) IsDevice() bool { return i.Type == TokenDevice }

// RevocationChecker 吊销检查（由状态存储实现）
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier 令牌验证器：先按设备令牌验证，失败后才按用户令牌验证
type Verifier struct {
	deviceSecret []byte
	userSecret   []byte
	revocations  RevocationChecker
}

// NewVerifier 创建验证器；revocations 可为 nil
func NewVerifier(deviceSecret, userSecret string, revocations RevocationChecker) *Verifier {
	return &Verifier{
		deviceSecret: []byte(deviceSecret),
		userSecret:   []byte(userSecret),
		revocations:  revocations,
	}
}

// Verify 验证令牌并返回身份
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	id, devErr := v.verifyDevice(token)
	if devErr != nil {
		var userErr error
		id, userErr = v.verifyUser(token)
		if userErr != nil {
			if errors.Is(devErr, ErrWrongTokenType) || errors.Is(userErr, ErrWrongTokenType) {
				return nil, ErrWrongTokenType
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, devErr)
		}
	}

	if v.revocations != nil && id.TokenID != "" {
		revoked, err := v.revocations.IsTokenRevoked(ctx, id.TokenID)
		if err != nil {
			return nil, fmt.Errorf("failed to check revocation: %w", err)
		}
		if revoked {
			return nil, ErrRevoked
		}
	}
	return id, nil
}

func (v *Verifier) verifyDevice(token string) (*Identity, error) {
	if len(v.deviceSecret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &DeviceClaims{}
	if err := parse(token, claims, v.deviceSecret); err != nil {
		return nil, err
	}
	if claims.Type != TokenDevice {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		Type:             TokenDevice,
		Subject:          claims.Subject,
		OrganizationID:   claims.OrganizationID,
		DeviceIdentifier: claims.DeviceIdentifier,
		TokenID:          claims.ID,
		ExpiresAt:        expiry(claims.ExpiresAt),
	}, nil
}

func (v *Verifier) verifyUser(token string) (*Identity, error) {
	if len(v.userSecret) == 0 {
		return nil, ErrInvalidToken
	}
	claims := &UserClaims{}
	if err := parse(token, claims, v.userSecret); err != nil {
		return nil, err
	}
	// 旧版用户令牌不携带 type
	if claims.Type != "" && claims.Type != TokenUser {
		return nil, ErrWrongTokenType
	}
	if claims.Subject == "" || claims.OrganizationID == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		Type:           TokenUser,
		Subject:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
		TokenID:        claims.ID,
		ExpiresAt:      expiry(claims.ExpiresAt),
	}, nil
}

func parse(token string, claims jwt.Claims, secret []byte) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedAlgHS
		}
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func expiry(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}

// IssueDeviceToken 签发设备令牌
func IssueDeviceToken(secret, deviceID, deviceIdentifier, orgID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceIdentifier: deviceIdentifier,
		OrganizationID:   orgID,
		Type:             TokenDevice,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// IssueUserToken 签发用户令牌
func IssueUserToken(secret, userID, email, orgID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		Email:          email,
		OrganizationID: orgID,
		Role:           role,
		Type:           TokenUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
