package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

// Sweeper periodically flips connection rows whose heartbeats stopped
// without a clean disconnect, so gateway processes do not keep showing a
// crashed device as online.
type Sweeper struct {
	cfg         config.SweeperConfig
	log         *slog.Logger
	connections repository.ConnectionRepository
	sessions    *registry.Registry
	cron        *cron.Cron
}

// NewSweeper creates a Sweeper. sessions may be nil when the process has no
// in-memory registry to report on.
func NewSweeper(cfg config.SweeperConfig, log *slog.Logger, connections repository.ConnectionRepository, sessions *registry.Registry) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cfg:         cfg,
		log:         log,
		connections: connections,
		sessions:    sessions,
		cron:        cron.New(),
	}
}

// Start schedules the sweep. A disabled sweeper is a no-op.
func (s *Sweeper) Start() error {
	if !s.cfg.Enabled {
		s.log.Info("connection sweeper disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("connection sweeper started",
		"schedule", s.cfg.Schedule, "stale_after", s.cfg.HeartbeatStale)
	return nil
}

// Sweep runs one pass. Exposed for tests and manual triggering.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.HeartbeatStale)
	n, err := s.connections.MarkStale(ctx, cutoff)
	if err != nil {
		s.log.Error("stale connection sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("swept stale connections", "count", n)
	}

	if s.sessions != nil {
		streaming := 0
		snaps := s.sessions.List()
		for _, snap := range snaps {
			if snap.IsStreaming {
				streaming++
			}
		}
		s.log.Debug("session census", "connected", len(snaps), "streaming", streaming)
	}
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
