package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/dashlink/dashlink/internal/models"
)

// deviceRepository implements DeviceRepository using GORM.
type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// Create inserts a catalog entry.
func (r *deviceRepository) Create(ctx context.Context, device *models.Device) error {
	if err := device.Validate(); err != nil {
		return fmt.Errorf("validating device: %w", err)
	}
	device.Phone = models.CanonicalPhone(device.Phone)
	return r.db.WithContext(ctx).Create(device).Error
}

// GetByPhone looks a device up by its canonical wire identifier.
func (r *deviceRepository) GetByPhone(ctx context.Context, phone string) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).First(&device, "phone = ?", models.CanonicalPhone(phone)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// GetByIMEI looks a device up by IMEI.
func (r *deviceRepository) GetByIMEI(ctx context.Context, imei string) (*models.Device, error) {
	var device models.Device
	err := r.db.WithContext(ctx).First(&device, "imei = ?", imei).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// List returns the full catalog.
func (r *deviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	var devices []*models.Device
	if err := r.db.WithContext(ctx).Order("name, imei").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// UpdateRegistration stores the manufacturer/model strings a device reported.
func (r *deviceRepository) UpdateRegistration(ctx context.Context, phone, manufacturer, model string) error {
	return r.db.WithContext(ctx).Model(&models.Device{}).
		Where("phone = ?", models.CanonicalPhone(phone)).
		Updates(map[string]any{
			"manufacturer": manufacturer,
			"model":        model,
		}).Error
}

var _ DeviceRepository = (*deviceRepository)(nil)
