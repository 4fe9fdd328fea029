package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, ":3002", cfg.HTTP.Addr)
	assert.Equal(t, []string{"*"}, cfg.HTTP.AllowedOrigins)
	assert.NotEmpty(t, cfg.InstanceID)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "vizora", cfg.Database.Database)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Redis.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Redis.MaxRetryBackoff)

	assert.Equal(t, 15*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, int64(524288000), cfg.Realtime.CacheSize)
	assert.True(t, cfg.Realtime.AutoUpdate)
	assert.Equal(t, 10, cfg.Realtime.RateLimit.MaxConnections)
	assert.Equal(t, time.Minute, cfg.Realtime.RateLimit.Window)
	assert.Equal(t, 60*time.Second, cfg.Realtime.StatusOnlineTTL)
	assert.Equal(t, 24*time.Hour, cfg.Realtime.StatusOfflineTTL)
	assert.Equal(t, 2*time.Minute, cfg.Realtime.Notification.OfflineDelay)
	assert.Equal(t, 5*time.Minute, cfg.Realtime.Notification.MarkerTTL)
	assert.Equal(t, 30*time.Second, cfg.Realtime.Notification.CheckInterval)
	assert.Equal(t, 2*1024*1024, cfg.Realtime.Screenshot.MaxBytes)
	assert.Equal(t, 7*24*time.Hour, cfg.Storage.PresignExpires)

	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "vizora/push", cfg.MQTT.TopicPrefix)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("HTTP_ADDR", "0.0.0.0:4000")
	t.Setenv("CORS_ORIGIN", "https://a.example.com, https://b.example.com")
	t.Setenv("DEVICE_JWT_SECRET", "device-secret")
	t.Setenv("JWT_SECRET", "user-secret")
	t.Setenv("INTERNAL_API_SECRET", "internal")
	t.Setenv("REDIS_ADDR", "test-redis:6380")
	t.Setenv("RATE_LIMIT_MAX_CONNECTIONS", "3")
	t.Setenv("OFFLINE_NOTIFY_DELAY", "90s")
	t.Setenv("MQTT_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INSTANCE_ID", "node-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:4000", cfg.HTTP.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "device-secret", cfg.Auth.DeviceJWTSecret)
	assert.Equal(t, "user-secret", cfg.Auth.UserJWTSecret)
	assert.Equal(t, "internal", cfg.Internal.APISecret)
	assert.Equal(t, "test-redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Realtime.RateLimit.MaxConnections)
	assert.Equal(t, 90*time.Second, cfg.Realtime.Notification.OfflineDelay)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "node-1", cfg.InstanceID)
}

func TestLoad_InvalidPort(t *testing.T) {
	for _, addr := range []string{":0", ":70000", "localhost", ":http-alt"} {
		t.Setenv("HTTP_ADDR", addr)
		_, err := Load()
		assert.ErrorIs(t, err, ErrInvalidAddr, addr)
	}
}
