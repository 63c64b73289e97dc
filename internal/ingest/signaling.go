package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dashlink/dashlink/internal/config"
	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/repository"
)

const readBufferSize = 4096

// SignalingServer is the JT808 TCP listener. Each accepted connection gets
// its own reader goroutine that extracts frames and runs them through the
// router.
type SignalingServer struct {
	cfg         config.IngestConfig
	log         *slog.Logger
	router      *Router
	connections repository.ConnectionRepository

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	wg sync.WaitGroup
}

// NewSignalingServer creates the signaling server.
func NewSignalingServer(cfg config.IngestConfig, log *slog.Logger, router *Router, connections repository.ConnectionRepository) *SignalingServer {
	if log == nil {
		log = slog.Default()
	}
	return &SignalingServer{
		cfg:         cfg,
		log:         log,
		router:      router,
		connections: connections,
		conns:       make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *SignalingServer) Start() error {
	listener, err := net.Listen("tcp", s.cfg.SignalingAddress())
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("signaling server listening", "addr", listener.Addr())
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound listener address, nil before Start.
func (s *SignalingServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *SignalingServer) acceptLoop(listener net.Listener) {
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

// HandleConn runs the read loop for one device connection. Exposed for
// tests that drive a net.Pipe end directly.
func (s *SignalingServer) HandleConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.handleConn(conn)
}

func (s *SignalingServer) handleConn(conn net.Conn) {
	st := newConnState(conn)
	defer s.teardown(st)

	var splitter jt808.Splitter
	buf := make([]byte, readBufferSize)

	for {
		if s.cfg.SignalingIdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.SignalingIdleTimeout)); err != nil {
				return
			}
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Debug("signaling connection closed", "peer", st.peerIP, "error", err)
			}
			return
		}

		for _, raw := range splitter.Feed(buf[:n]) {
			s.handleFrame(st, raw)
		}
	}
}

func (s *SignalingServer) handleFrame(st *connState, raw []byte) {
	msg, err := jt808.Decode(raw)
	if err != nil {
		s.log.Warn("dropping malformed frame", "peer", st.peerIP, "error", err)
		return
	}
	if !msg.ChecksumOK {
		// Field devices emit bad checksums now and then; strict rejection
		// costs availability.
		s.log.Warn("checksum mismatch, parsing anyway",
			"device", msg.Header.Phone(), "msg", msg.Header.MsgID.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	resp := s.router.Handle(ctx, st, msg)
	cancel()
	if resp == nil {
		return
	}

	if err := s.write(st, resp); err != nil {
		s.log.Warn("response write failed, closing connection",
			"device", msg.Header.Phone(), "error", err)
		_ = st.conn.Close()
	}
}

// write serializes through the session once one exists so router responses
// cannot interleave with command frames.
func (s *SignalingServer) write(st *connState, frame []byte) error {
	if st.session != nil {
		return st.session.Write(frame)
	}
	if s.cfg.WriteTimeout > 0 {
		if err := st.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err := st.conn.Write(frame)
	return err
}

func (s *SignalingServer) teardown(st *connState) {
	s.mu.Lock()
	delete(s.conns, st.conn)
	s.mu.Unlock()
	_ = st.conn.Close()

	if st.session == nil {
		return
	}
	identifier := st.session.Identifier()
	if !s.router.registry.Remove(identifier, st.session) {
		// Superseded by a newer connection; its login owns the row now.
		return
	}

	s.router.detach(func(ctx context.Context) {
		if err := s.connections.MarkDisconnected(ctx, identifier, time.Now().UTC()); err != nil {
			s.log.Error("marking disconnect failed", "device", identifier, "error", err)
		}
	})
	s.log.Info("device disconnected", "device", identifier, "peer", st.peerIP)
}

// Shutdown stops accepting, closes every connection, and waits for readers
// and detached work to drain, bounded by ctx.
func (s *SignalingServer) Shutdown(ctx context.Context) error {
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
		s.router.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
