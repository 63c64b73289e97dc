package mux

import (
	"log/slog"
	"sync"
)

type trackKey struct {
	sim     string
	channel uint8
}

// Manager owns one Track per (device, channel) stream. Tracks are created
// lazily on first use and torn down when the stream or device goes away.
type Manager struct {
	mu     sync.Mutex
	tracks map[trackKey]*Track
	fps    int
	log    *slog.Logger
}

// NewManager creates a Manager issuing tracks with the given frame rate.
func NewManager(fps int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		tracks: make(map[trackKey]*Track),
		fps:    fps,
		log:    log,
	}
}

// Track returns the track for a stream, creating it on first use.
func (m *Manager) Track(sim string, channel uint8) *Track {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := trackKey{sim: sim, channel: channel}
	track, ok := m.tracks[key]
	if !ok {
		track = NewTrack(m.fps, m.log.With("device", sim, "channel", channel))
		m.tracks[key] = track
	}
	return track
}

// Drop removes one stream's track. The next packet starts a fresh
// streaming session with a new init segment.
func (m *Manager) Drop(sim string, channel uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracks, trackKey{sim: sim, channel: channel})
}

// DropDevice removes every track belonging to a device.
func (m *Manager) DropDevice(sim string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.tracks {
		if key.sim == sim {
			delete(m.tracks, key)
		}
	}
}
