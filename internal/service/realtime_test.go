package service

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"vizora-realtime/internal/auth"
	"vizora-realtime/internal/config"
	"vizora-realtime/internal/gateway"
	"vizora-realtime/internal/httpapi"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupService(t *testing.T) (*RealtimeService, *config.Config) {
	mr := miniredis.RunT(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Redis.Addr = mr.Addr()
	cfg.DBEnabled = false
	cfg.Storage.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.Auth.DeviceJWTSecret = "device-secret"
	cfg.Auth.UserJWTSecret = "user-secret"
	cfg.Internal.APISecret = "internal"

	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewRealtimeService(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	go func() { _ = svc.Start(ctx) }()
	require.Eventually(t, func() bool { return svc.Addr() != "" }, 3*time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		_ = svc.Stop()
	})
	return svc, cfg
}

func TestRealtimeService_HealthAndMetrics(t *testing.T) {
	svc, _ := setupService(t)
	base := "http://" + svc.Addr()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRealtimeService_DeviceReceivesPushedCommand(t *testing.T) {
	svc, cfg := setupService(t)

	token, err := auth.IssueDeviceToken(cfg.Auth.DeviceJWTSecret, "dev-1", "ident-1", "org-1", time.Hour)
	require.NoError(t, err)
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+svc.Addr()+WebSocketPath+"?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	readEvent := func(event string) gateway.Envelope {
		for {
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
			var env gateway.Envelope
			require.NoError(t, ws.ReadJSON(&env))
			if env.Event == event {
				return env
			}
		}
	}
	readEvent(gateway.EventConfig)

	req, err := http.NewRequest(http.MethodPost, "http://"+svc.Addr()+"/internal/push/command",
		strings.NewReader(`{"deviceId":"dev-1","command":{"type":"reload"}}`))
	require.NoError(t, err)
	req.Header.Set(httpapi.SecretHeader, cfg.Internal.APISecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result httpapi.Result[struct {
		Delivered bool `json:"delivered"`
	}]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Result.Delivered)

	cmd := readEvent(gateway.EventCommand)
	assert.Contains(t, string(cmd.Data), `"type":"reload"`)
	assert.Equal(t, 1, svc.Gateway().ConnectionCount())
}

func TestStoreOptions_Overrides(t *testing.T) {
	cfg := &config.Config{}
	cfg.Realtime.StatusOnlineTTL = 90 * time.Second
	opts := storeOptions(cfg)
	assert.Equal(t, 90*time.Second, opts.StatusOnlineTTL)
	assert.Equal(t, 24*time.Hour, opts.StatusOfflineTTL)
}
