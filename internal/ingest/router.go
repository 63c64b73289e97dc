// Package ingest hosts the device-facing TCP servers: the JT808 signaling
// listener with its message router, the JT1078 video listener feeding the
// transmux pipeline, and the command consumer that turns gateway requests
// into device frames.
package ingest

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dashlink/dashlink/internal/jt808"
	"github.com/dashlink/dashlink/internal/models"
	"github.com/dashlink/dashlink/internal/registry"
	"github.com/dashlink/dashlink/internal/repository"
)

// detachTimeout bounds database work spawned off the socket read path.
const detachTimeout = 5 * time.Second

// connState is the per-connection context threaded through the router. The
// session is nil until the first message from a catalogued device claims
// the connection.
type connState struct {
	conn     net.Conn
	session  *registry.Session
	peerIP   string
	peerPort int
}

func newConnState(conn net.Conn) *connState {
	st := &connState{conn: conn}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		st.peerIP = addr.IP.String()
		st.peerPort = addr.Port
	} else if conn.RemoteAddr() != nil {
		host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err == nil {
			st.peerIP = host
			st.peerPort, _ = strconv.Atoi(port)
		}
	}
	return st
}

// Router dispatches parsed JT808 messages to typed handlers and builds the
// response frames. Non-response work (database writes, notifications) is
// detached so a slow store can never stall the socket reader.
type Router struct {
	log          *slog.Logger
	registry     *registry.Registry
	devices      repository.DeviceRepository
	connections  repository.ConnectionRepository
	locations    repository.LocationRepository
	writeTimeout time.Duration

	// notify, when set, fires after each persisted location fix.
	notify func(ctx context.Context, identifier string, loc *models.Location)

	// locMu serializes detached fix writes; the deduplicating read-then-
	// write in the location store is not atomic on its own.
	locMu sync.Mutex

	wg sync.WaitGroup
}

// NewRouter creates a Router.
func NewRouter(
	log *slog.Logger,
	reg *registry.Registry,
	devices repository.DeviceRepository,
	connections repository.ConnectionRepository,
	locations repository.LocationRepository,
	writeTimeout time.Duration,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:          log,
		registry:     reg,
		devices:      devices,
		connections:  connections,
		locations:    locations,
		writeTimeout: writeTimeout,
	}
}

// SetNotifyHook installs the location notification callback.
func (r *Router) SetNotifyHook(hook func(ctx context.Context, identifier string, loc *models.Location)) {
	r.notify = hook
}

// Wait blocks until all detached tasks have finished. Used during shutdown
// and by tests.
func (r *Router) Wait() {
	r.wg.Wait()
}

// detach runs fn on its own goroutine with a bounded context. Errors are
// fn's to log; they never propagate to the reader.
func (r *Router) detach(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Handle processes one inbound message and returns the response frame to
// write back, or nil when the message gets no response.
func (r *Router) Handle(ctx context.Context, st *connState, msg *jt808.Message) []byte {
	identifier := msg.Header.Phone()
	log := r.log.With("device", identifier, "msg", msg.Header.MsgID.String())

	device, err := r.devices.GetByPhone(ctx, identifier)
	if err != nil {
		log.Error("device catalog lookup failed", "error", err)
		device = nil
	}
	known := device != nil && device.IsEnabled()

	switch body := msg.Body.(type) {
	case jt808.Registration:
		if !known {
			log.Warn("registration from uncatalogued device")
			return jt808.BuildRegistrationResponse(
				msg.Header.PhoneBCD, 0, msg.Header.Seq, jt808.RegResultTerminalNotFound, "")
		}
		return r.handleRegistration(st, msg, body, device)

	case jt808.Authentication:
		if !known {
			log.Warn("auth from uncatalogued device")
			return jt808.BuildPlatformResponse(
				msg.Header.PhoneBCD, 0, msg.Header.Seq, msg.Header.MsgID, jt808.ResultFailure)
		}
		return r.handleAuthentication(st, msg, body, device)

	case jt808.Heartbeat:
		if !known {
			return nil
		}
		return r.handleHeartbeat(st, msg, identifier)

	case jt808.LocationReport:
		if !known {
			return nil
		}
		return r.handleLocation(st, msg, body, identifier)

	case jt808.TerminalResponse:
		log.Debug("terminal response",
			"response_seq", body.ResponseSeq,
			"response_id", body.ResponseID.String(),
			"result", body.Result)
		return nil

	default:
		// Vendors extend the protocol freely; a "not supported" answer
		// sends some firmware into a reconnect loop.
		log.Info("unhandled message id, acking")
		if !known {
			return nil
		}
		return r.ack(st, msg, jt808.ResultSuccess)
	}
}

// ack builds a 0x8001 success/failure response using the session sequence
// counter when a session exists.
func (r *Router) ack(st *connState, msg *jt808.Message, result uint8) []byte {
	var seq uint16
	if st.session != nil {
		seq = st.session.NextSeq()
	}
	return jt808.BuildPlatformResponse(msg.Header.PhoneBCD, seq, msg.Header.Seq, msg.Header.MsgID, result)
}

// claim ensures this connection owns the device session, registering (and
// superseding any prior connection) on first contact.
func (r *Router) claim(st *connState, identifier, authCode string) *registry.Session {
	if st.session != nil && st.session.Identifier() == identifier {
		return st.session
	}
	st.session = r.registry.Register(identifier, authCode, st.conn, r.writeTimeout)
	return st.session
}

func (r *Router) handleRegistration(st *connState, msg *jt808.Message, body jt808.Registration, device *models.Device) []byte {
	identifier := msg.Header.Phone()
	authCode := uuid.NewString()

	sess := r.claim(st, identifier, authCode)
	sess.SetAuthCode(authCode)
	sess.SetDeviceInfo(device.IMEI, body.Manufacturer, body.Model)
	r.registry.SetIMEI(identifier, device.IMEI)

	peerIP, peerPort := st.peerIP, st.peerPort
	r.detach(func(ctx context.Context) {
		now := time.Now().UTC()
		if err := r.connections.UpsertOnLogin(ctx, identifier, authCode, peerIP, peerPort, now); err != nil {
			r.log.Error("persisting connection row failed", "device", identifier, "error", err)
		}
		if err := r.devices.UpdateRegistration(ctx, identifier, body.Manufacturer, body.Model); err != nil {
			r.log.Error("updating device registration failed", "device", identifier, "error", err)
		}
	})

	r.log.Info("device registered",
		"device", identifier,
		"imei", device.IMEI,
		"manufacturer", body.Manufacturer,
		"model", body.Model,
		"peer", st.conn.RemoteAddr())

	return jt808.BuildRegistrationResponse(
		msg.Header.PhoneBCD, sess.NextSeq(), msg.Header.Seq, jt808.RegResultSuccess, authCode)
}

func (r *Router) handleAuthentication(st *connState, msg *jt808.Message, body jt808.Authentication, device *models.Device) []byte {
	identifier := msg.Header.Phone()

	// Devices cache the auth code across reboots and reconnect with it
	// long after the issuing process is gone. Any non-empty code is
	// accepted; rejecting would strand half the fleet after a restart.
	if body.Code == "" {
		r.log.Warn("auth with empty code", "device", identifier)
		return r.ack(st, msg, jt808.ResultFailure)
	}

	sess := r.claim(st, identifier, body.Code)
	sess.SetAuthCode(body.Code)
	sess.SetDeviceInfo(device.IMEI, "", "")
	r.registry.SetIMEI(identifier, device.IMEI)

	peerIP, peerPort := st.peerIP, st.peerPort
	r.detach(func(ctx context.Context) {
		if err := r.connections.UpsertOnLogin(ctx, identifier, body.Code, peerIP, peerPort, time.Now().UTC()); err != nil {
			r.log.Error("persisting connection row failed", "device", identifier, "error", err)
		}
	})

	r.log.Info("device authenticated", "device", identifier, "peer", st.conn.RemoteAddr())
	return r.ack(st, msg, jt808.ResultSuccess)
}

func (r *Router) handleHeartbeat(st *connState, msg *jt808.Message, identifier string) []byte {
	now := time.Now().UTC()
	sess := r.claim(st, identifier, "")
	sess.TouchHeartbeat(now)

	r.detach(func(ctx context.Context) {
		if err := r.connections.TouchHeartbeat(ctx, identifier, now); err != nil {
			r.log.Error("persisting heartbeat failed", "device", identifier, "error", err)
		}
	})

	return r.ack(st, msg, jt808.ResultSuccess)
}

func (r *Router) handleLocation(st *connState, msg *jt808.Message, body jt808.LocationReport, identifier string) []byte {
	now := time.Now().UTC()
	sess := r.claim(st, identifier, "")
	sess.TouchLocation(now)

	fix := &models.Location{
		Identifier:    identifier,
		Latitude:      body.Latitude,
		Longitude:     body.Longitude,
		Altitude:      body.Altitude,
		Speed:         body.Speed,
		Heading:       body.Heading,
		AlarmFlags:    body.AlarmFlags,
		StatusFlags:   body.StatusFlags,
		FixTime:       body.FixTime,
		MileageKM:     body.MileageKM,
		FuelLiters:    body.FuelLiters,
		RecorderSpeed: body.RecorderSpeed,
		SignalDBM:     body.SignalDBM,
	}

	r.detach(func(ctx context.Context) {
		r.locMu.Lock()
		defer r.locMu.Unlock()

		inserted, err := r.locations.SaveFix(ctx, fix)
		if err != nil {
			r.log.Error("persisting location failed", "device", identifier, "error", err)
			return
		}
		if inserted && r.notify != nil {
			r.notify(ctx, identifier, fix)
		}
	})

	return r.ack(st, msg, jt808.ResultSuccess)
}
