package app

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkincode/devicelink/config"
	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/internal/session"
	"github.com/talkincode/devicelink/pkg/metrics"
)

type nopClient struct{}

func (nopClient) OnStateChange(func(session.ClientState))        {}
func (nopClient) OnMessage(func(session.Message))                {}
func (nopClient) SendText(context.Context, string, string) error { return nil }
func (nopClient) Close()                                         {}

type nopTransport struct{}

func (nopTransport) Create(context.Context, string, session.Options) (session.Client, error) {
	return nopClient{}, nil
}

func newTestApp(t *testing.T) *Application {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Database.Type = "sqlite"
	cfg.Auth.Disabled = true

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	require.NoError(t, metrics.InitMetrics(""))
	a := NewApplication(cfg)
	a.OverrideDB(db)
	require.NoError(t, a.MigrateDB(false))
	require.NoError(t, a.InitSession(nopTransport{}))
	t.Cleanup(a.Release)
	return a
}

func TestLifecycleEventsFeedMetrics(t *testing.T) {
	a := newTestApp(t)
	before := metrics.Counter("device_connected_total")

	_, err := a.Manager().ConnectDevice(context.Background(), "4d6bc67a-cfd0-4d98-b745-178348a8a88a", "D1")
	require.NoError(t, err)
	assert.Equal(t, before+1, metrics.Counter("device_connected_total"))

	_, err = a.Manager().DisconnectDevice(context.Background(), "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.Counter("device_disconnected_total"))
}

func TestReconcileNow(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.DB().Create(&domain.Device{ID: 1, DeviceID: "STALE", Name: "STALE", IsConnected: true}).Error)

	n, err := a.ReconcileNow()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	device, err := a.Devices().FindByDeviceID(context.Background(), "STALE")
	require.NoError(t, err)
	assert.False(t, device.IsConnected)
}

func TestRestoreSchedulesReconnect(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.DB().Create(&domain.Device{ID: 1, DeviceID: "D1", Name: "D1", IsConnected: true}).Error)

	a.Restore(context.Background())
	info, known := a.Manager().Session("D1")
	require.True(t, known)
	assert.Equal(t, session.StateReconnectScheduled, info.State)
	assert.Equal(t, 1, info.RetryCount)
}

func TestInitJobRejectsBadSpec(t *testing.T) {
	a := newTestApp(t)
	a.appConfig.Session.ReconcileSpec = "every now and then"
	require.Error(t, a.initJob())

	a.appConfig.Session.ReconcileSpec = "@every 1m"
	require.NoError(t, a.initJob())
	assert.Len(t, a.Scheduler().Entries(), 2)
}
