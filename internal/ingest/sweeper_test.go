package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

func TestSweeperFlipsStaleConnections(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Connection{}))
	connections := repository.NewConnectionRepository(db)

	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, connections.UpsertOnLogin(ctx, "111", "a", "10.0.0.1", 1000, now.Add(-10*time.Minute)))
	require.NoError(t, connections.TouchHeartbeat(ctx, "111", now.Add(-10*time.Minute)))
	require.NoError(t, connections.UpsertOnLogin(ctx, "222", "b", "10.0.0.2", 1001, now))
	require.NoError(t, connections.TouchHeartbeat(ctx, "222", now))

	sweeper := NewSweeper(config.SweeperConfig{
		Enabled:        true,
		Schedule:       "@every 1m",
		HeartbeatStale: 5 * time.Minute,
	}, nil, connections, registry.New(nil))

	sweeper.Sweep()

	stale, err := connections.Get(ctx, "111")
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.False(t, stale.IsConnected)

	fresh, err := connections.Get(ctx, "222")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.True(t, fresh.IsConnected)
}

func TestSweeperDisabledIsNoOp(t *testing.T) {
	sweeper := NewSweeper(config.SweeperConfig{Enabled: false}, nil, nil, nil)
	require.NoError(t, sweeper.Start())
	sweeper.Stop()
}
