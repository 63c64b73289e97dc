// Package repository provides data access implementations.
package repository

import (
	"context"
	"time"

	"github.com/dashlink/dashlink/internal/models"
)

// DeviceRepository is the catalog of authorized terminals.
type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByPhone(ctx context.Context, phone string) (*models.Device, error)
	GetByIMEI(ctx context.Context, imei string) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	UpdateRegistration(ctx context.Context, phone, manufacturer, model string) error
}

// ConnectionRepository persists the cross-process replica of session state.
type ConnectionRepository interface {
	UpsertOnLogin(ctx context.Context, identifier, authCode, peerIP string, peerPort int, at time.Time) error
	TouchHeartbeat(ctx context.Context, identifier string, at time.Time) error
	MarkDisconnected(ctx context.Context, identifier string, at time.Time) error
	Get(ctx context.Context, identifier string) (*models.Connection, error)
	ListConnected(ctx context.Context) ([]*models.Connection, error)
	// MarkStale flips is_connected=false on rows whose last heartbeat is
	// older than cutoff, returning the number of rows changed.
	MarkStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// LocationRepository is the deduplicating location-fix writer.
type LocationRepository interface {
	// SaveFix persists a fix. When the fix is semantically identical to
	// the most recent row for the device, only updated_at is bumped and
	// inserted is false.
	SaveFix(ctx context.Context, fix *models.Location) (inserted bool, err error)
	Latest(ctx context.Context, identifier string) (*models.Location, error)
	CountForDevice(ctx context.Context, identifier string) (int64, error)
}

// StreamRepository keeps live-stream bookkeeping rows.
type StreamRepository interface {
	MarkStarted(ctx context.Context, identifier string, channel, streamType uint8, at time.Time) error
	MarkStopped(ctx context.Context, identifier string, channel uint8, at time.Time) error
	ListActive(ctx context.Context) ([]*models.StreamState, error)
}
