package repository

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dashlink/dashlink/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Device{},
		&models.Connection{},
		&models.Location{},
		&models.StreamState{},
	))
	return db
}

func TestDeviceRepository_CreateAndLookup(t *testing.T) {
	repo := NewDeviceRepository(newTestDB(t))
	ctx := context.Background()

	err := repo.Create(ctx, &models.Device{
		IMEI:  "860000000000001",
		Phone: "013800138000",
		Name:  "BA 2 KHA 1234",
	})
	require.NoError(t, err)

	t.Run("by canonical phone", func(t *testing.T) {
		dev, err := repo.GetByPhone(ctx, "13800138000")
		require.NoError(t, err)
		require.NotNil(t, dev)
		assert.Equal(t, "860000000000001", dev.IMEI)
	})

	t.Run("by zero-padded phone", func(t *testing.T) {
		dev, err := repo.GetByPhone(ctx, "013800138000")
		require.NoError(t, err)
		require.NotNil(t, dev)
		assert.Equal(t, "13800138000", dev.Phone)
	})

	t.Run("by imei", func(t *testing.T) {
		dev, err := repo.GetByIMEI(ctx, "860000000000001")
		require.NoError(t, err)
		require.NotNil(t, dev)
		assert.True(t, dev.IsEnabled())
	})

	t.Run("unknown returns nil without error", func(t *testing.T) {
		dev, err := repo.GetByPhone(ctx, "99999")
		require.NoError(t, err)
		assert.Nil(t, dev)
	})
}

func TestDeviceRepository_CreateValidates(t *testing.T) {
	repo := NewDeviceRepository(newTestDB(t))

	err := repo.Create(context.Background(), &models.Device{Phone: "123"})
	assert.Error(t, err)
}

func TestDeviceRepository_UpdateRegistration(t *testing.T) {
	repo := NewDeviceRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.Device{IMEI: "860000000000002", Phone: "17701"}))
	require.NoError(t, repo.UpdateRegistration(ctx, "017701", "BSJ", "A6-BD"))

	dev, err := repo.GetByPhone(ctx, "17701")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, "BSJ", dev.Manufacturer)
	assert.Equal(t, "A6-BD", dev.Model)
}

func TestConnectionRepository_Lifecycle(t *testing.T) {
	repo := NewConnectionRepository(newTestDB(t))
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, repo.UpsertOnLogin(ctx, "17701", "auth-1", "10.0.0.5", 40211, start))

	row, err := repo.Get(ctx, "17701")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.IsConnected)
	assert.Equal(t, "auth-1", row.AuthCode)
	assert.Equal(t, "10.0.0.5", row.PeerIP)

	// A second login reuses the row instead of inserting.
	later := start.Add(time.Minute)
	require.NoError(t, repo.UpsertOnLogin(ctx, "17701", "auth-2", "10.0.0.6", 40212, later))

	rows, err := repo.ListConnected(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "auth-2", rows[0].AuthCode)

	require.NoError(t, repo.TouchHeartbeat(ctx, "17701", later.Add(30*time.Second)))
	require.NoError(t, repo.MarkDisconnected(ctx, "17701", later.Add(time.Minute)))

	row, err = repo.Get(ctx, "17701")
	require.NoError(t, err)
	assert.False(t, row.IsConnected)
	require.NotNil(t, row.DisconnectedAt)
}

func TestConnectionRepository_MarkStale(t *testing.T) {
	repo := NewConnectionRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.UpsertOnLogin(ctx, "11111", "a", "10.0.0.1", 1, now.Add(-10*time.Minute)))
	require.NoError(t, repo.UpsertOnLogin(ctx, "22222", "b", "10.0.0.2", 2, now))

	n, err := repo.MarkStale(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := repo.ListConnected(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "22222", rows[0].Identifier)
}

func TestLocationRepository_SaveFixDeduplicates(t *testing.T) {
	repo := NewLocationRepository(newTestDB(t))
	ctx := context.Background()

	fix := func(lat float64) *models.Location {
		return &models.Location{
			Identifier: "17701",
			Latitude:   lat,
			Longitude:  85.324000,
			Speed:      0,
			Heading:    90,
			FixTime:    time.Now().UTC(),
		}
	}

	inserted, err := repo.SaveFix(ctx, fix(27.717200))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Identical fix: no new row, freshness bump only.
	inserted, err = repo.SaveFix(ctx, fix(27.717200))
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := repo.CountForDevice(ctx, "17701")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Moved by one wire unit: new row.
	inserted, err = repo.SaveFix(ctx, fix(27.717201))
	require.NoError(t, err)
	assert.True(t, inserted)

	count, err = repo.CountForDevice(ctx, "17701")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	latest, err := repo.Latest(ctx, "17701")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 27.717201, latest.Latitude, 1e-9)
}

func TestLocationRepository_LatestFollowsInsertionOrder(t *testing.T) {
	db := newTestDB(t)
	repo := NewLocationRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	// A skewed device clock stamps the older row with a later fix time.
	// Latest must still return the newest inserted row.
	first := &models.Location{
		Identifier: "17701",
		Latitude:   27.1,
		Longitude:  85.1,
		FixTime:    now.Add(time.Hour),
	}
	first.CreatedAt = now.Add(-time.Minute)
	inserted, err := repo.SaveFix(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := &models.Location{
		Identifier: "17701",
		Latitude:   27.2,
		Longitude:  85.2,
		FixTime:    now,
	}
	second.CreatedAt = now
	inserted, err = repo.SaveFix(ctx, second)
	require.NoError(t, err)
	require.True(t, inserted)

	latest, err := repo.Latest(ctx, "17701")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.InDelta(t, 27.2, latest.Latitude, 1e-9)

	// The lookup's ORDER BY created_at is backed by the composite index.
	assert.True(t, db.Migrator().HasIndex(&models.Location{}, "idx_locations_device_created"))
}

func TestLocationRepository_DedupIsPerDevice(t *testing.T) {
	repo := NewLocationRepository(newTestDB(t))
	ctx := context.Background()

	base := models.Location{
		Latitude:  27.7,
		Longitude: 85.3,
		Heading:   10,
		FixTime:   time.Now().UTC(),
	}

	a := base
	a.Identifier = "11111"
	b := base
	b.Identifier = "22222"

	inserted, err := repo.SaveFix(ctx, &a)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same coordinates from a different device must not dedup.
	inserted, err = repo.SaveFix(ctx, &b)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestStreamRepository_StartStop(t *testing.T) {
	repo := NewStreamRepository(newTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.MarkStarted(ctx, "17701", 1, 0, now))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, uint8(1), active[0].Channel)

	// Restart reuses the (identifier, channel) row.
	require.NoError(t, repo.MarkStarted(ctx, "17701", 1, 1, now.Add(time.Minute)))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, uint8(1), active[0].StreamType)

	require.NoError(t, repo.MarkStopped(ctx, "17701", 1, now.Add(2*time.Minute)))
	active, err = repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
