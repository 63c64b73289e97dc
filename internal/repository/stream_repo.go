package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dashlink/dashlink/internal/models"
)

// streamRepository implements StreamRepository using GORM.
type streamRepository struct {
	db *gorm.DB
}

// NewStreamRepository creates a new StreamRepository.
func NewStreamRepository(db *gorm.DB) StreamRepository {
	return &streamRepository{db: db}
}

// MarkStarted records a live-stream session start.
func (r *streamRepository) MarkStarted(ctx context.Context, identifier string, channel, streamType uint8, at time.Time) error {
	// One row per (identifier, channel); restarting a stream reuses it.
	var existing models.StreamState
	err := r.db.WithContext(ctx).
		Where("identifier = ? AND channel = ?", identifier, channel).
		First(&existing).Error
	if err == nil {
		return r.db.WithContext(ctx).Model(&existing).Updates(map[string]any{
			"active":      true,
			"stream_type": streamType,
			"started_at":  at,
			"stopped_at":  nil,
			"updated_at":  at,
		}).Error
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	row := &models.StreamState{
		Identifier: identifier,
		Channel:    channel,
		StreamType: streamType,
		Active:     true,
		StartedAt:  &at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// MarkStopped records a live-stream session stop.
func (r *streamRepository) MarkStopped(ctx context.Context, identifier string, channel uint8, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.StreamState{}).
		Where("identifier = ? AND channel = ?", identifier, channel).
		Updates(map[string]any{
			"active":     false,
			"stopped_at": at,
			"updated_at": at,
		}).Error
}

// ListActive returns streams currently flagged active.
func (r *streamRepository) ListActive(ctx context.Context) ([]*models.StreamState, error) {
	var rows []*models.StreamState
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

var _ StreamRepository = (*streamRepository)(nil)
