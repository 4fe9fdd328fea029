package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"vizora-realtime/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestStore(t *testing.T) (*miniredis.Miniredis, *StateStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { _ = client.Close() })

	s := NewStateStore(client, DefaultOptions(), zap.NewNop())
	t.Cleanup(func() { _ = s.Close() })
	return mr, s
}

func TestStateStore_GetMissing(t *testing.T) {
	_, s := setupTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrMiss)

	var v map[string]interface{}
	err = s.GetJSON(context.Background(), "nope", &v)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStateStore_SetWithTTL(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))
	assert.Equal(t, 10*time.Second, mr.TTL("k"))

	mr.FastForward(11 * time.Second)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStateStore_DeleteReturnsCount(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("a", "1"))

	n, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStateStore_IncrementSetsTTLOnce(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	n, err := s.Increment(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, time.Hour, mr.TTL("counter"))

	mr.FastForward(30 * time.Minute)
	n, err = s.Increment(ctx, "counter", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 30*time.Minute, mr.TTL("counter"))
}

func TestStateStore_ScanKeys(t *testing.T) {
	mr, s := setupTestStore(t)

	for i := 0; i < 250; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("%sdev-%d", OfflineMarkerPrefix, i), "{}"))
	}
	require.NoError(t, mr.Set("device:status:dev-1", "{}"))

	keys, err := s.ScanKeys(context.Background(), OfflineMarkerPrefix+"*")
	require.NoError(t, err)
	assert.Len(t, keys, 250)
}

func TestStateStore_DeviceStatusTTL(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	online := &models.DeviceStatus{
		Status:         models.StatusOnline,
		LastHeartbeat:  time.Now().UnixMilli(),
		OrganizationID: "org-1",
	}
	require.NoError(t, s.SetDeviceStatus(ctx, "dev-1", online))
	assert.Equal(t, 60*time.Second, mr.TTL(DeviceStatusKey("dev-1")))

	offline := &models.DeviceStatus{Status: models.StatusOffline, OrganizationID: "org-1"}
	require.NoError(t, s.SetDeviceStatus(ctx, "dev-1", offline))
	assert.Equal(t, 24*time.Hour, mr.TTL(DeviceStatusKey("dev-1")))

	got, err := s.GetDeviceStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOffline, got.Status)
	assert.Nil(t, got.SocketID)
}

func TestStateStore_DrainDeviceCommands(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	for _, typ := range []models.CommandType{models.CommandReload, models.CommandScreenshot, models.CommandSetVolume} {
		require.NoError(t, s.PushDeviceCommand(ctx, "dev-1", &models.DeviceCommand{Type: typ}))
	}
	assert.Equal(t, 5*time.Minute, mr.TTL(DeviceCommandsKey("dev-1")))

	cmds, err := s.DrainDeviceCommands(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, models.CommandReload, cmds[0].Type)
	assert.Equal(t, models.CommandScreenshot, cmds[1].Type)
	assert.Equal(t, models.CommandSetVolume, cmds[2].Type)

	cmds, err = s.DrainDeviceCommands(ctx, "dev-1")
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.False(t, mr.Exists(DeviceCommandsKey("dev-1")))
}

func TestStateStore_DrainSkipsMalformed(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	_, err := mr.Push(DeviceCommandsKey("dev-1"), "not-json", `{"type":"reload"}`)
	require.NoError(t, err)

	cmds, err := s.DrainDeviceCommands(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, models.CommandReload, cmds[0].Type)
}

func TestStateStore_PlaylistCache(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetCachedPlaylist(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrMiss)

	pl := &models.Playlist{ID: "pl-1", Name: "Lobby", Items: []models.PlaylistItem{{ID: "i1", ContentID: "c1", Duration: 10}}}
	require.NoError(t, s.CachePlaylist(ctx, "dev-1", pl))
	assert.Equal(t, time.Hour, mr.TTL(PlaylistKey("dev-1")))

	got, err := s.GetCachedPlaylist(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "pl-1", got.ID)
	assert.Len(t, got.Items, 1)

	require.NoError(t, s.InvalidatePlaylist(ctx, "dev-1"))
	_, err = s.GetCachedPlaylist(ctx, "dev-1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestStateStore_CachePlaylistForCapsTTL(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()
	pl := &models.Playlist{ID: "pl-1"}

	require.NoError(t, s.CachePlaylistFor(ctx, "dev-1", pl, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL(PlaylistKey("dev-1")))

	require.NoError(t, s.CachePlaylistFor(ctx, "dev-2", pl, 3*time.Hour))
	assert.Equal(t, time.Hour, mr.TTL(PlaylistKey("dev-2")))

	require.NoError(t, s.CachePlaylistFor(ctx, "dev-3", pl, 0))
	assert.Equal(t, time.Hour, mr.TTL(PlaylistKey("dev-3")))
}

func TestStateStore_DeviceErrorsCapped(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, s.AppendDeviceError(ctx, "dev-1", &models.ContentError{
			DeviceID:  "dev-1",
			ContentID: fmt.Sprintf("c-%d", i),
			ErrorType: "load_failed",
			Timestamp: int64(i),
		}))
	}

	n, err := s.CountDeviceErrors(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, time.Hour, mr.TTL(DeviceErrorsKey("dev-1")))

	recent, err := s.RecentDeviceErrors(ctx, "dev-1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "c-10", recent[0].ContentID)
	assert.Equal(t, "c-14", recent[4].ContentID)
}

func TestStateStore_HeartbeatAndStream(t *testing.T) {
	mr, s := setupTestStore(t)
	ctx := context.Background()

	rec := &models.HeartbeatRecord{DeviceID: "dev-1", Timestamp: time.Now().UnixMilli()}
	require.NoError(t, s.SetLatestHeartbeat(ctx, rec))
	assert.Equal(t, 5*time.Minute, mr.TTL(HeartbeatKey("dev-1")))

	got, err := s.GetLatestHeartbeat(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Timestamp, got.Timestamp)

	require.NoError(t, s.AppendHeartbeatStream(ctx, rec))
	entries, err := mr.Stream(HeartbeatStream)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStateStore_RevokedToken(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	revoked, err := s.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, s.RevokeToken(ctx, "jti-1", time.Hour))
	revoked, err = s.IsTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestStateStore_SubscribeSharesChannel(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	ch1, cancel1, err := s.Subscribe(ctx, "realtime:rooms")
	require.NoError(t, err)
	ch2, cancel2, err := s.Subscribe(ctx, "realtime:rooms")
	require.NoError(t, err)

	s.pubsub.mu.Lock()
	assert.Len(t, s.pubsub.subs, 1)
	s.pubsub.mu.Unlock()

	require.NoError(t, s.Publish(ctx, "realtime:rooms", []byte("hello")))

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			assert.Equal(t, "hello", string(msg.Payload))
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}

	cancel1()
	cancel1()
	s.pubsub.mu.Lock()
	assert.Len(t, s.pubsub.subs, 1)
	s.pubsub.mu.Unlock()

	cancel2()
	s.pubsub.mu.Lock()
	assert.Empty(t, s.pubsub.subs)
	s.pubsub.mu.Unlock()

	_, ok := <-ch1
	assert.False(t, ok)
}

type flakyPinger struct {
	errs []error
	i    int
}

func (p *flakyPinger) Ping(ctx context.Context) error {
	if p.i >= len(p.errs) {
		return nil
	}
	err := p.errs[p.i]
	p.i++
	return err
}

func TestHealthMonitor_Threshold(t *testing.T) {
	down := errors.New("connection refused")
	p := &flakyPinger{errs: []error{down, down, down, nil}}
	m := NewHealthMonitor(p, time.Second, 3, zap.NewNop())
	var changes []bool
	m.OnChange(func(healthy bool) { changes = append(changes, healthy) })
	ctx := context.Background()

	m.Check(ctx)
	m.Check(ctx)
	assert.True(t, m.Healthy())
	assert.Empty(t, changes)

	m.Check(ctx)
	assert.False(t, m.Healthy())
	assert.ErrorIs(t, m.LastError(), down)

	m.Check(ctx)
	assert.True(t, m.Healthy())
	assert.NoError(t, m.LastError())
	assert.Equal(t, []bool{false, true}, changes)
}

func TestStateStore_PingClosedServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	s := NewStateStore(client, DefaultOptions(), zap.NewNop())

	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
