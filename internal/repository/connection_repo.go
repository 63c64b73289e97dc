package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dashlink/dashlink/internal/models"
)

// connectionRepository implements ConnectionRepository using GORM.
type connectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a new ConnectionRepository.
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

// UpsertOnLogin creates or refreshes the connection row for a device that
// just registered or authenticated.
func (r *connectionRepository) UpsertOnLogin(ctx context.Context, identifier, authCode, peerIP string, peerPort int, at time.Time) error {
	row := &models.Connection{
		Identifier:    identifier,
		AuthCode:      authCode,
		IsConnected:   true,
		ConnectedAt:   &at,
		LastHeartbeat: &at,
		PeerIP:        peerIP,
		PeerPort:      peerPort,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identifier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"auth_code", "is_connected", "connected_at", "last_heartbeat",
			"peer_ip", "peer_port", "updated_at",
		}),
	}).Create(row).Error
}

// TouchHeartbeat advances last_heartbeat for a connected device.
func (r *connectionRepository) TouchHeartbeat(ctx context.Context, identifier string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("identifier = ?", identifier).
		Updates(map[string]any{
			"is_connected":   true,
			"last_heartbeat": at,
			"updated_at":     at,
		}).Error
}

// MarkDisconnected flips the row on socket teardown.
func (r *connectionRepository) MarkDisconnected(ctx context.Context, identifier string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("identifier = ?", identifier).
		Updates(map[string]any{
			"is_connected":    false,
			"disconnected_at": at,
			"updated_at":      at,
		}).Error
}

// Get returns the connection row for a device, or nil when absent.
func (r *connectionRepository) Get(ctx context.Context, identifier string) (*models.Connection, error) {
	var row models.Connection
	err := r.db.WithContext(ctx).First(&row, "identifier = ?", identifier).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListConnected returns rows currently flagged connected.
func (r *connectionRepository) ListConnected(ctx context.Context) ([]*models.Connection, error) {
	var rows []*models.Connection
	if err := r.db.WithContext(ctx).Where("is_connected = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// MarkStale disconnects rows whose heartbeat stopped without a clean FIN
// (ingest node crash, network partition).
func (r *connectionRepository) MarkStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&models.Connection{}).
		Where("is_connected = ? AND last_heartbeat < ?", true, cutoff).
		Updates(map[string]any{
			"is_connected":    false,
			"disconnected_at": now,
			"updated_at":      now,
		})
	return result.RowsAffected, result.Error
}

var _ ConnectionRepository = (*connectionRepository)(nil)
