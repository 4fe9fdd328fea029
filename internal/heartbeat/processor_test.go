package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"
	"vizora-realtime/internal/repository"
	"vizora-realtime/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockDisplayRepo struct {
	mock.Mock
}

func (m *mockDisplayRepo) GetDisplay(ctx context.Context, id string) (*models.Display, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*models.Display), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDisplayRepo) UpdateStatus(ctx context.Context, id string, status models.DeviceStatusValue, lastSeen time.Time) error {
	return m.Called(ctx, id, status, lastSeen).Error(0)
}

func (m *mockDisplayRepo) UpdateScreenshot(ctx context.Context, id string, ptr *models.ScreenshotPointer) error {
	return m.Called(ctx, id, ptr).Error(0)
}

type mockImpressionRepo struct {
	mock.Mock
}

func (m *mockImpressionRepo) Create(ctx context.Context, imp *repository.Impression) error {
	return m.Called(ctx, imp).Error(0)
}

type testEnv struct {
	mr          *miniredis.Miniredis
	store       *store.StateStore
	displays    *mockDisplayRepo
	impressions *mockImpressionRepo
	metrics     *metrics.RealtimeMetrics
	proc        *Processor
	now         time.Time
}

func setupProcessor(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		mr:          mr,
		store:       store.NewStateStore(client, store.DefaultOptions(), zap.NewNop()),
		displays:    &mockDisplayRepo{},
		impressions: &mockImpressionRepo{},
		metrics:     metrics.NewRealtimeMetrics("test"),
		now:         time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	env.proc = NewProcessor(env.store, env.displays, env.impressions, env.metrics, nil, 15*time.Second, zap.NewNop()).
		WithClock(func() time.Time { return env.now })
	return env
}

func floatPtr(f float64) *float64 { return &f }

func TestProcess_WritesStatusAndLatest(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOnline, env.now).Return(nil).Once()

	res, err := env.proc.Process(ctx, "dev-1", "org-1", "sock-1", &Payload{
		Metrics:        &models.DeviceMetrics{CPUUsage: floatPtr(75)},
		CurrentContent: &models.CurrentContent{ContentID: "c-2", Status: "playing"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), res.NextHeartbeatIn)
	assert.Empty(t, res.Commands)

	status, err := env.store.GetDeviceStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, status.Status)
	assert.Equal(t, "sock-1", *status.SocketID)
	assert.Equal(t, 60*time.Second, env.mr.TTL(store.DeviceStatusKey("dev-1")))

	latest, err := env.store.GetLatestHeartbeat(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", latest.DeviceID)
	assert.Equal(t, env.now.UnixMilli(), latest.Timestamp)
	assert.Equal(t, 75.0, *latest.Metrics.CPUUsage)
	assert.Equal(t, "playing", latest.CurrentContent.Status)
	assert.Equal(t, 300*time.Second, env.mr.TTL(store.HeartbeatKey("dev-1")))

	entries, err := env.mr.Stream(store.HeartbeatStream)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.HeartbeatsTotal.WithLabelValues("success")))
	env.displays.AssertExpectations(t)
}

func TestProcess_RepositoryWriteOnlyOnTransition(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOnline, mock.Anything).Return(nil)

	for i := 0; i < 5; i++ {
		_, err := env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
		require.NoError(t, err)
	}
	env.displays.AssertNumberOfCalls(t, "UpdateStatus", 1)

	// offline 后再次心跳触发一次写入
	assert.True(t, env.proc.ObserveStatus("dev-1", models.StatusOffline))
	_, err := env.proc.Process(ctx, "dev-1", "org-1", "sock-2", nil)
	require.NoError(t, err)
	env.displays.AssertNumberOfCalls(t, "UpdateStatus", 2)
}

func TestProcess_RepositoryFailureRetriedNextHeartbeat(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOnline, mock.Anything).
		Return(errors.New("db down")).Once()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOnline, mock.Anything).
		Return(nil).Once()

	_, err := env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
	require.NoError(t, err)
	_, err = env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
	require.NoError(t, err)
	_, err = env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
	require.NoError(t, err)

	env.displays.AssertNumberOfCalls(t, "UpdateStatus", 2)
}

func TestSetStatus_ConnectAndDisconnect(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOnline, env.now).Return(nil).Once()
	env.displays.On("UpdateStatus", mock.Anything, "dev-1", models.StatusOffline, env.now).Return(nil).Once()

	sid := "sock-1"
	require.NoError(t, env.proc.SetStatus(ctx, "dev-1", "org-1", &sid, models.StatusOnline))
	assert.Equal(t, 60*time.Second, env.mr.TTL(store.DeviceStatusKey("dev-1")))

	// 连接后的首次心跳不再重复写库
	_, err := env.proc.Process(ctx, "dev-1", "org-1", sid, nil)
	require.NoError(t, err)

	require.NoError(t, env.proc.SetStatus(ctx, "dev-1", "org-1", nil, models.StatusOffline))
	status, err := env.store.GetDeviceStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, status.Status)
	assert.Nil(t, status.SocketID)
	assert.Equal(t, 24*time.Hour, env.mr.TTL(store.DeviceStatusKey("dev-1")))

	env.displays.AssertExpectations(t)
}

func TestProcess_DrainsQueuedCommandsOnce(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	env.displays.On("UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	for _, typ := range []models.CommandType{models.CommandReload, models.CommandClearCache, models.CommandScreenshot} {
		require.NoError(t, env.store.PushDeviceCommand(ctx, "dev-1", &models.DeviceCommand{Type: typ}))
	}

	res, err := env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
	require.NoError(t, err)
	assert.Len(t, res.Commands, 3)

	res, err = env.proc.Process(ctx, "dev-1", "org-1", "sock-1", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Commands)
}

func TestProcess_StoreFailureIsFailedHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	m := metrics.NewRealtimeMetrics("test")
	proc := NewProcessor(store.NewStateStore(client, store.DefaultOptions(), zap.NewNop()), nil, nil, m, nil, 15*time.Second, zap.NewNop())

	mr.Close()
	_, err := proc.Process(context.Background(), "dev-1", "org-1", "sock-1", nil)
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsTotal.WithLabelValues("failed")))
}

func TestLogImpression_PersistsWhenDeviceExists(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()
	pl := "p-1"
	dur := 10
	pct := 100.0

	env.displays.On("GetDisplay", mock.Anything, "dev-1").Return(&models.Display{ID: "dev-1", OrganizationID: "org-1"}, nil)
	env.impressions.On("Create", mock.Anything, mock.MatchedBy(func(imp *repository.Impression) bool {
		return imp.OrganizationID == "org-1" && imp.DisplayID == "dev-1" && imp.ContentID == "c-1" &&
			*imp.PlaylistID == "p-1" && *imp.Duration == 10 && *imp.CompletionPercentage == 100
	})).Return(nil)

	env.proc.LogImpression(ctx, "dev-1", &models.ContentImpression{
		ContentID: "c-1", PlaylistID: &pl, Duration: &dur, CompletionPercentage: &pct,
	})

	key := store.ImpressionsKey("dev-1", env.now)
	assert.Equal(t, "stats:device:dev-1:impressions:2024-03-15", key)
	val, err := env.mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.Equal(t, 24*time.Hour, env.mr.TTL(key))
	env.impressions.AssertExpectations(t)
}

func TestLogImpression_SkipsUnknownDevice(t *testing.T) {
	env := setupProcessor(t)
	env.displays.On("GetDisplay", mock.Anything, "dev-1").Return(nil, nil)

	env.proc.LogImpression(context.Background(), "dev-1", &models.ContentImpression{ContentID: "c-1"})

	env.impressions.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestLogImpression_DatabaseFailureSwallowed(t *testing.T) {
	env := setupProcessor(t)
	env.displays.On("GetDisplay", mock.Anything, "dev-1").Return(&models.Display{ID: "dev-1", OrganizationID: "org-1"}, nil)
	env.impressions.On("Create", mock.Anything, mock.Anything).Return(errors.New("constraint violation"))

	assert.NotPanics(t, func() {
		env.proc.LogImpression(context.Background(), "dev-1", &models.ContentImpression{ContentID: "c-1"})
	})
}

func TestLogError_KeepsLastTen(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()

	for i := 0; i < 11; i++ {
		env.proc.LogError(ctx, "dev-1", &models.ContentError{ContentID: "c-1", ErrorType: fmt.Sprintf("error_%d", i)})
	}

	errs, err := env.store.RecentDeviceErrors(ctx, "dev-1", 0)
	require.NoError(t, err)
	require.Len(t, errs, 10)
	assert.Equal(t, "error_1", errs[0].ErrorType)
	assert.Equal(t, "error_10", errs[9].ErrorType)
	assert.Equal(t, "dev-1", errs[0].DeviceID)
	assert.NotZero(t, errs[0].Timestamp)
	assert.Equal(t, time.Hour, env.mr.TTL(store.DeviceErrorsKey("dev-1")))
}

func TestDeviceHealth(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()

	h := env.proc.DeviceHealth(ctx, "dev-1")
	assert.Equal(t, "offline", h.Status)
	assert.Nil(t, h.LastSeen)

	require.NoError(t, env.store.SetLatestHeartbeat(ctx, &models.HeartbeatRecord{
		DeviceID:  "dev-1",
		Timestamp: env.now.Add(-30 * time.Second).UnixMilli(),
		Metrics:   &models.DeviceMetrics{CPUUsage: floatPtr(50)},
	}))
	h = env.proc.DeviceHealth(ctx, "dev-1")
	assert.Equal(t, "online", h.Status)
	require.NotNil(t, h.LastSeen)
	assert.Equal(t, 50.0, *h.Metrics.CPUUsage)

	require.NoError(t, env.store.SetLatestHeartbeat(ctx, &models.HeartbeatRecord{
		DeviceID:  "dev-1",
		Timestamp: env.now.Add(-2 * time.Minute).UnixMilli(),
	}))
	h = env.proc.DeviceHealth(ctx, "dev-1")
	assert.Equal(t, "offline", h.Status)
	assert.NotNil(t, h.LastSeen)
}

func TestDeviceHealth_StoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	proc := NewProcessor(store.NewStateStore(client, store.DefaultOptions(), zap.NewNop()), nil, nil, nil, nil, 15*time.Second, zap.NewNop())
	mr.Close()

	h := proc.DeviceHealth(context.Background(), "dev-1")
	assert.Equal(t, "unknown", h.Status)
	assert.Nil(t, h.LastSeen)
	assert.NotEmpty(t, h.Error)
}

func TestDeviceStats(t *testing.T) {
	env := setupProcessor(t)
	ctx := context.Background()

	stats := env.proc.DeviceStats(ctx, "dev-1")
	assert.Equal(t, int64(0), stats.Impressions)
	assert.Equal(t, 0, stats.Errors)
	assert.Empty(t, stats.RecentErrors)

	require.NoError(t, env.mr.Set(store.ImpressionsKey("dev-1", env.now), "42"))
	for i := 0; i < 8; i++ {
		env.proc.LogError(ctx, "dev-1", &models.ContentError{ErrorType: fmt.Sprintf("error_%d", i)})
	}

	stats = env.proc.DeviceStats(ctx, "dev-1")
	assert.Equal(t, int64(42), stats.Impressions)
	assert.Equal(t, 8, stats.Errors)
	require.Len(t, stats.RecentErrors, 5)
	assert.Equal(t, "error_3", stats.RecentErrors[0].ErrorType)
}
