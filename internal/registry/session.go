// Package registry tracks connected device sessions: socket ownership,
// auth state, sequence numbering, and streaming flags, with lookup by
// phone or IMEI.
package registry

import (
	"errors"
	"net"
	"sync"
	"time"
)

// ErrSessionClosed is returned when writing to a torn-down session.
var ErrSessionClosed = errors.New("session closed")

// Session is the in-memory state for one connected device. All mutation is
// behind the session mutex; the registry hands out pointers freely.
type Session struct {
	mu sync.Mutex

	identifier   string
	imei         string
	authCode     string
	manufacturer string
	model        string

	conn         net.Conn
	writeTimeout time.Duration
	closed       bool

	seq uint16

	connectedAt    time.Time
	lastHeartbeat  time.Time
	lastLocationAt time.Time

	isStreaming   bool
	streamChannel uint8
}

// Identifier returns the canonical device phone.
func (s *Session) Identifier() string { return s.identifier }

// IMEI returns the terminal identity from registration, if known.
func (s *Session) IMEI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imei
}

// AuthCode returns the server-issued auth code.
func (s *Session) AuthCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authCode
}

// SetAuthCode replaces the auth code, e.g. on re-registration.
func (s *Session) SetAuthCode(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCode = code
}

// SetDeviceInfo stores registration metadata.
func (s *Session) SetDeviceInfo(imei, manufacturer, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if imei != "" {
		s.imei = imei
	}
	s.manufacturer = manufacturer
	s.model = model
}

// RemoteAddr returns the peer address for observability.
func (s *Session) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// NextSeq returns the next outbound sequence number. It wraps modulo 65536
// and never blocks on I/O.
func (s *Session) NextSeq() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seq
	s.seq++
	return seq
}

// Write sends raw frame bytes to the device under a write deadline so a
// congested peer cannot stall the caller indefinitely.
func (s *Session) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.conn == nil {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := s.conn.Write(frame)
	return err
}

// TouchHeartbeat records keepalive receipt.
func (s *Session) TouchHeartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = at
}

// TouchLocation records location-report receipt.
func (s *Session) TouchLocation(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLocationAt = at
}

// LastHeartbeat returns the most recent keepalive time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// ConnectedAt returns the session start time.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// SetStreaming flips the live-video state. A zero channel clears it.
func (s *Session) SetStreaming(channel uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isStreaming = channel != 0
	s.streamChannel = channel
}

// Streaming returns the live-video state.
func (s *Session) Streaming() (bool, uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStreaming, s.streamChannel
}

// Close tears the connection down. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.isStreaming = false
	s.streamChannel = 0
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Snapshot is an immutable view of a session for diagnostics.
type Snapshot struct {
	Identifier    string    `json:"identifier"`
	IMEI          string    `json:"imei,omitempty"`
	Manufacturer  string    `json:"manufacturer,omitempty"`
	Model         string    `json:"model,omitempty"`
	PeerAddr      string    `json:"peer_addr,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	IsStreaming   bool      `json:"is_streaming"`
	StreamChannel uint8     `json:"stream_channel"`
}

// Snapshot captures the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Identifier:    s.identifier,
		IMEI:          s.imei,
		Manufacturer:  s.manufacturer,
		Model:         s.model,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.lastHeartbeat,
		IsStreaming:   s.isStreaming,
		StreamChannel: s.streamChannel,
	}
	if s.conn != nil {
		snap.PeerAddr = s.conn.RemoteAddr().String()
	}
	return snap
}
