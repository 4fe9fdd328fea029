package screenshot

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"vizora-realtime/internal/metrics"
	"vizora-realtime/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStorage struct {
	mock.Mock
	available bool
}

func (m *mockStorage) Available() bool { return m.available }

func (m *mockStorage) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	return m.Called(ctx, key, data, contentType).Error(0)
}

func (m *mockStorage) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	args := m.Called(ctx, key, expires)
	return args.String(0), args.Error(1)
}

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

type recordingEmitter struct {
	mu     sync.Mutex
	orgs   []string
	events []string
	data   []interface{}
}

func (e *recordingEmitter) EmitToOrganization(orgID, event string, data interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orgs = append(e.orgs, orgID)
	e.events = append(e.events, event)
	e.data = append(e.data, data)
}

type ingestorEnv struct {
	storage  *mockStorage
	displays *mockDisplayRepo
	emitter  *recordingEmitter
	metrics  *metrics.RealtimeMetrics
	ing      *Ingestor
	now      time.Time
}

func setupIngestor(t *testing.T) *ingestorEnv {
	env := &ingestorEnv{
		storage:  &mockStorage{available: true},
		displays: &mockDisplayRepo{},
		emitter:  &recordingEmitter{},
		metrics:  metrics.NewRealtimeMetrics("test"),
		now:      time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	env.ing = NewIngestor(env.storage, env.displays, env.metrics, nil, 0, 0, zap.NewNop()).
		WithClock(func() time.Time { return env.now })
	env.ing.SetEmitter(env.emitter)
	return env
}

func pngPayload() string {
	data := append([]byte{}, pngMagic...)
	data = append(data, make([]byte, 64)...)
	return base64.StdEncoding.EncodeToString(data)
}

func jpegPayload() string {
	data := append([]byte{}, jpegMagic...)
	data = append(data, make([]byte, 64)...)
	return base64.StdEncoding.EncodeToString(data)
}

func TestValidate(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil, 0, 0, zap.NewNop())
	oversized := base64.StdEncoding.EncodeToString(make([]byte, DefaultMaxBytes+1))

	tests := []struct {
		name        string
		input       string
		wantErr     error
		contentType string
	}{
		{"too large", oversized, ErrTooLarge, ""},
		{"not base64", "!!!not-base64!!!", ErrInvalidBase64, ""},
		{"empty", "", ErrInvalidBase64, ""},
		{"unknown signature", base64.StdEncoding.EncodeToString([]byte("hello world, not an image")), ErrInvalidFormat, ""},
		{"png", pngPayload(), nil, "image/png"},
		{"jpeg", jpegPayload(), nil, "image/jpeg"},
		{"data url", "data:image/png;base64," + pngPayload(), nil, "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, ct, err := ing.Validate(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, data)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.contentType, ct)
			assert.NotEmpty(t, data)
		})
	}
}

func TestValidate_ExactlyAtLimit(t *testing.T) {
	ing := NewIngestor(nil, nil, nil, nil, 16, 0, zap.NewNop())
	data := append(append([]byte{}, pngMagic...), make([]byte, 8)...)

	_, _, err := ing.Validate(base64.StdEncoding.EncodeToString(data))
	assert.NoError(t, err)

	data = append(data, 0)
	_, _, err = ing.Validate(base64.StdEncoding.EncodeToString(data))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestIngest_Success(t *testing.T) {
	env := setupIngestor(t)
	key := "screenshots/org-1/dev-1/1710504000000.png"
	env.storage.On("PutObject", mock.Anything, key, mock.Anything, "image/png").Return(nil).Once()
	env.storage.On("PresignGet", mock.Anything, key, 7*24*time.Hour).Return("https://storage/test.png", nil).Once()
	env.displays.On("UpdateScreenshot", mock.Anything, "dev-1", &models.ScreenshotPointer{
		URL: "https://storage/test.png", Width: 1920, Height: 1080, CapturedAt: 1710503990000,
	}).Return(nil).Once()

	ready, err := env.ing.Ingest(context.Background(), "dev-1", "org-1", &Submission{
		RequestID: "req-1", ImageData: pngPayload(), Width: 1920, Height: 1080, CapturedAt: 1710503990000,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://storage/test.png", ready.URL)
	assert.Equal(t, "req-1", ready.RequestID)

	require.Len(t, env.emitter.events, 1)
	assert.Equal(t, "org-1", env.emitter.orgs[0])
	assert.Equal(t, EventScreenshotReady, env.emitter.events[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ScreenshotsTotal.WithLabelValues("stored")))

	env.storage.AssertExpectations(t)
	env.displays.AssertExpectations(t)
}

func TestIngest_ValidationHasNoSideEffects(t *testing.T) {
	env := setupIngestor(t)

	_, err := env.ing.Ingest(context.Background(), "dev-1", "org-1", &Submission{ImageData: "%%%"})
	assert.ErrorIs(t, err, ErrInvalidBase64)

	env.storage.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	env.storage.AssertNotCalled(t, "PresignGet", mock.Anything, mock.Anything, mock.Anything)
	env.displays.AssertNotCalled(t, "UpdateScreenshot", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.emitter.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ScreenshotsTotal.WithLabelValues("rejected")))
}

func TestIngest_StorageUnavailable(t *testing.T) {
	env := setupIngestor(t)
	env.storage.available = false

	_, err := env.ing.Ingest(context.Background(), "dev-1", "org-1", &Submission{ImageData: pngPayload()})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	env.storage.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_UploadFailure(t *testing.T) {
	env := setupIngestor(t)
	env.storage.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(errors.New("connection refused"))

	_, err := env.ing.Ingest(context.Background(), "dev-1", "org-1", &Submission{ImageData: jpegPayload()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to upload screenshot")
	assert.Empty(t, env.emitter.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ScreenshotsTotal.WithLabelValues("failed")))
}

func TestIngest_DefaultsCapturedAt(t *testing.T) {
	env := setupIngestor(t)
	env.storage.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	env.storage.On("PresignGet", mock.Anything, mock.Anything, mock.Anything).Return("https://storage/x.png", nil)
	env.displays.On("UpdateScreenshot", mock.Anything, "dev-1", mock.MatchedBy(func(p *models.ScreenshotPointer) bool {
		return p.CapturedAt == env.now.UnixMilli()
	})).Return(nil)

	ready, err := env.ing.Ingest(context.Background(), "dev-1", "org-1", &Submission{ImageData: pngPayload()})
	require.NoError(t, err)
	assert.Equal(t, env.now.UnixMilli(), ready.CapturedAt)
}
