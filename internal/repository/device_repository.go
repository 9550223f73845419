package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/internal/session"
)

// GormDeviceRepository is the GORM implementation of session.DeviceStore
type GormDeviceRepository struct {
	db *gorm.DB
}

var _ session.DeviceStore = (*GormDeviceRepository)(nil)

// NewGormDeviceRepository creates a new GORM-based device repository
func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{db: db}
}

func notFound(err error, deviceID string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(session.ErrNotFound, "device %s", deviceID)
	}
	return err
}

func (r *GormDeviceRepository) FindByDeviceID(ctx context.Context, deviceID string) (*domain.Device, error) {
	var device domain.Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&device).Error
	if err != nil {
		return nil, notFound(err, deviceID)
	}
	return &device, nil
}

func (r *GormDeviceRepository) FindByDeviceIDAndOwner(ctx context.Context, deviceID, ownerID string) (*domain.Device, error) {
	var device domain.Device
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND owner_id = ?", deviceID, ownerID).
		First(&device).Error
	if err != nil {
		return nil, notFound(err, deviceID)
	}
	return &device, nil
}

func (r *GormDeviceRepository) FindConnected(ctx context.Context) ([]*domain.Device, error) {
	var devices []*domain.Device
	err := r.db.WithContext(ctx).
		Where("is_connected = ?", true).
		Order("device_id ASC").
		Find(&devices).Error
	return devices, err
}

// List returns devices owned by ownerID, or every device when ownerID is empty.
func (r *GormDeviceRepository) List(ctx context.Context, ownerID string, page, pageSize int) ([]*domain.Device, int64, error) {
	var devices []*domain.Device
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Device{})
	if ownerID != "" {
		query = query.Where("owner_id = ?", ownerID)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&devices).Error
	return devices, total, err
}

func (r *GormDeviceRepository) Save(ctx context.Context, device *domain.Device) error {
	return r.db.WithContext(ctx).Save(device).Error
}

func (r *GormDeviceRepository) UpdateConnectionStatus(ctx context.Context, deviceID string, connected bool, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{
			"is_connected":    connected,
			"last_connection": at,
		}).Error
}

func (r *GormDeviceRepository) Delete(ctx context.Context, deviceID string) error {
	return r.db.WithContext(ctx).Where("device_id = ?", deviceID).Delete(&domain.Device{}).Error
}
