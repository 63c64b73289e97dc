package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dashlink/dashlink/internal/bus"
	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/jt1078"
	"github.com/dashlink/dashlink/internal/mux"
)

// VideoServer is the JT1078 TCP listener. Each connection's bytes run
// through a packet scanner, per-stream reassembly, and the transmuxer;
// resulting init and media segments are published on the bus.
type VideoServer struct {
	cfg    config.IngestConfig
	log    *slog.Logger
	muxer  *mux.Manager
	busPub bus.Bus

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	wg sync.WaitGroup
}

// NewVideoServer creates the video server.
func NewVideoServer(cfg config.IngestConfig, log *slog.Logger, muxer *mux.Manager, b bus.Bus) *VideoServer {
	if log == nil {
		log = slog.Default()
	}
	return &VideoServer{
		cfg:    cfg,
		log:    log,
		muxer:  muxer,
		busPub: b,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *VideoServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.VideoAddress())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("video server listening", "addr", listener.Addr())
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (s *VideoServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *VideoServer) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// HandleConn runs the read loop for one video connection. Exposed for
// tests that drive a net.Pipe end directly.
func (s *VideoServer) HandleConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.handleConn(conn)
}

func (s *VideoServer) handleConn(conn net.Conn) {
	// Reassembly state is connection-local: a device pushes all channels
	// of one stream session over one socket.
	reasm := jt1078.NewReassembler()
	devices := make(map[string]struct{})

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		for sim := range devices {
			s.muxer.DropDevice(sim)
		}
	}()

	var scanner jt1078.Scanner
	buf := make([]byte, readBufferSize)

	for {
		if s.cfg.VideoIdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.VideoIdleTimeout)); err != nil {
				return
			}
		}
		n, err := conn.Read(buf)
		if err != nil {
			return
		}

		for _, pkt := range scanner.Feed(buf[:n]) {
			devices[pkt.SIM] = struct{}{}
			s.handlePacket(reasm, pkt)
		}
	}
}

func (s *VideoServer) handlePacket(reasm *jt1078.Reassembler, pkt *jt1078.Packet) {
	// Audio and transparent data are not re-muxed.
	if !pkt.FrameType.IsVideo() {
		return
	}

	frame := reasm.Push(pkt)
	if frame == nil {
		return
	}

	track := s.muxer.Track(pkt.SIM, pkt.Channel)
	init, segments, err := track.Push(frame)
	if err != nil {
		s.log.Warn("transmux failed",
			"device", pkt.SIM, "channel", pkt.Channel, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()

	if init != nil {
		s.log.Info("stream started",
			"device", pkt.SIM,
			"channel", pkt.Channel,
			"codec", init.Codec,
			"width", init.Width,
			"height", init.Height)
		s.publish(ctx, pkt.SIM, &bus.VideoMessage{
			Kind:    bus.VideoKindInit,
			Codec:   init.Codec,
			Channel: pkt.Channel,
			Payload: init.Data,
		})
	}
	for _, seg := range segments {
		s.publish(ctx, pkt.SIM, &bus.VideoMessage{
			Kind:    bus.VideoKindSegment,
			Channel: pkt.Channel,
			Payload: seg.Data,
		})
	}
}

// publish logs and drops on failure; buffering segments against a dead
// broker would only add latency to a live stream.
func (s *VideoServer) publish(ctx context.Context, sim string, msg *bus.VideoMessage) {
	if err := s.busPub.PublishVideo(ctx, sim, msg); err != nil {
		s.log.Warn("bus publish failed, dropping",
			"device", sim, "kind", msg.Kind, "error", err)
	}
}

// Shutdown stops accepting, closes every connection, and waits for readers
// to drain, bounded by ctx.
func (s *VideoServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
