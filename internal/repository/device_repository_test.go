package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/internal/session"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(domain.Tables...))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestDeviceRepositoryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewGormDeviceRepository(newTestDB(t))

	_, err := repo.FindByDeviceID(ctx, "D1")
	require.True(t, errors.Is(err, session.ErrNotFound))

	now := time.Date(2024, 9, 21, 10, 0, 0, 0, time.UTC)
	device := &domain.Device{ID: 1001, DeviceID: "D1", Name: "D1", OwnerID: "U1", IsConnected: true, LastConnection: &now}
	require.NoError(t, repo.Save(ctx, device))

	got, err := repo.FindByDeviceID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), got.ID)
	assert.True(t, got.IsConnected)
	assert.Equal(t, "U1", got.OwnerID)

	got.Name = "renamed"
	require.NoError(t, repo.Save(ctx, got))
	again, err := repo.FindByDeviceID(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", again.Name)

	_, err = repo.FindByDeviceIDAndOwner(ctx, "D1", "U1")
	require.NoError(t, err)
	_, err = repo.FindByDeviceIDAndOwner(ctx, "D1", "U2")
	assert.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, repo.Delete(ctx, "D1"))
	_, err = repo.FindByDeviceID(ctx, "D1")
	assert.True(t, errors.Is(err, session.ErrNotFound))
	require.NoError(t, repo.Delete(ctx, "D1"))
}

func TestDeviceRepositoryConnectionStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewGormDeviceRepository(newTestDB(t))

	require.NoError(t, repo.Save(ctx, &domain.Device{ID: 1, DeviceID: "A", Name: "A", IsConnected: true}))
	require.NoError(t, repo.Save(ctx, &domain.Device{ID: 2, DeviceID: "B", Name: "B"}))
	require.NoError(t, repo.Save(ctx, &domain.Device{ID: 3, DeviceID: "C", Name: "C", IsConnected: true}))

	connected, err := repo.FindConnected(ctx)
	require.NoError(t, err)
	require.Len(t, connected, 2)
	assert.Equal(t, "A", connected[0].DeviceID)
	assert.Equal(t, "C", connected[1].DeviceID)

	at := time.Date(2024, 9, 21, 10, 0, 5, 0, time.UTC)
	require.NoError(t, repo.UpdateConnectionStatus(ctx, "A", false, at))
	a, err := repo.FindByDeviceID(ctx, "A")
	require.NoError(t, err)
	assert.False(t, a.IsConnected)
	require.NotNil(t, a.LastConnection)
	assert.True(t, at.Equal(*a.LastConnection))

	require.NoError(t, repo.UpdateConnectionStatus(ctx, "missing", true, at))

	connected, err = repo.FindConnected(ctx)
	require.NoError(t, err)
	assert.Len(t, connected, 1)
}

func TestDeviceRepositoryList(t *testing.T) {
	ctx := context.Background()
	repo := NewGormDeviceRepository(newTestDB(t))
	for i := 1; i <= 5; i++ {
		owner := "U1"
		if i%2 == 0 {
			owner = "U2"
		}
		id := fmt.Sprintf("D%d", i)
		require.NoError(t, repo.Save(ctx, &domain.Device{ID: int64(i), DeviceID: id, Name: id, OwnerID: owner}))
	}

	devices, total, err := repo.List(ctx, "U1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, devices, 2)

	_, total, err = repo.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
}
