package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/dashlink/dashlink/internal/models"
)

// locationRepository implements LocationRepository using GORM.
type locationRepository struct {
	db *gorm.DB
}

// NewLocationRepository creates a new LocationRepository.
func NewLocationRepository(db *gorm.DB) LocationRepository {
	return &locationRepository{db: db}
}

// SaveFix deduplicates against the most recent row for the device. Devices
// report on a fixed cadence even when parked; identical consecutive fixes
// only bump updated_at so "last seen" stays fresh without row growth.
func (r *locationRepository) SaveFix(ctx context.Context, fix *models.Location) (bool, error) {
	latest, err := r.Latest(ctx, fix.Identifier)
	if err != nil {
		return false, err
	}

	if latest != nil && latest.SameFix(fix) {
		err := r.db.WithContext(ctx).Model(&models.Location{}).
			Where("id = ?", latest.ID).
			UpdateColumn("updated_at", time.Now().UTC()).Error
		return false, err
	}

	if err := r.db.WithContext(ctx).Create(fix).Error; err != nil {
		return false, err
	}
	return true, nil
}

// Latest returns the most recent fix for a device, or nil when none exists.
func (r *locationRepository) Latest(ctx context.Context, identifier string) (*models.Location, error) {
	var row models.Location
	err := r.db.WithContext(ctx).
		Where("identifier = ?", identifier).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// CountForDevice returns the number of persisted fixes for a device.
func (r *locationRepository) CountForDevice(ctx context.Context, identifier string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Location{}).
		Where("identifier = ?", identifier).
		Count(&count).Error
	return count, err
}

var _ LocationRepository = (*locationRepository)(nil)
