package session

import (
	"context"
	"time"

	"github.com/talkincode/devicelink/internal/domain"
)

// DeviceStore is the persistence gateway. Lookups return ErrNotFound when
// no record matches.
type DeviceStore interface {
	FindByDeviceID(ctx context.Context, deviceID string) (*domain.Device, error)
	FindByDeviceIDAndOwner(ctx context.Context, deviceID, ownerID string) (*domain.Device, error)
	FindConnected(ctx context.Context) ([]*domain.Device, error)
	Save(ctx context.Context, device *domain.Device) error
	UpdateConnectionStatus(ctx context.Context, deviceID string, connected bool, at time.Time) error
	Delete(ctx context.Context, deviceID string) error
}
